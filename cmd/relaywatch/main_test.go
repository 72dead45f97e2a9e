package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaywatch/internal/statusapi"
)

func newFeedServer(t *testing.T, changesStatus int) *httptest.Server {
	t.Helper()
	docs := map[string]string{
		"d1": `{"_id":"d1","_rev":"1-a","type":"directory","path":"/docs"}`,
		"f1": `{"_id":"f1","_rev":"1-a","type":"file","path":"/docs/a.txt","md5sum":"H1","size":3}`,
		"f2": `{"_id":"f2","_rev":"1-a","type":"file","path":"/docs/b:c.txt","md5sum":"H2","size":3}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/files/changes" {
			if changesStatus != http.StatusOK {
				w.WriteHeader(changesStatus)
				_, _ = w.Write([]byte(`{"error":"bad_request","reason":"invalid since"}`))
				return
			}
			if r.URL.Query().Get("since") == "" {
				_, _ = w.Write([]byte(`{"last_seq":"3-c","pending":0,"results":[{"id":"d1"},{"id":"f1"},{"id":"f2"}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"last_seq":"3-c","pending":0,"results":[]}`))
			return
		}
		doc, ok := docs[strings.TrimPrefix(r.URL.Path, "/v1/files/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found"}`))
			return
		}
		_, _ = w.Write([]byte(doc))
	}))
	t.Cleanup(server.Close)
	return server
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func stateArgs(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	return []string{
		"--state-dir", dir,
		"--index", "file://" + filepath.ToSlash(filepath.Join(dir, "index.json")),
		"--log-file", filepath.Join(dir, "relaywatch.log"),
	}
}

func TestPullThenStatus(t *testing.T) {
	server := newFeedServer(t, http.StatusOK)
	state := stateArgs(t)

	out, err := execute(t, append([]string{"pull", "--remote-url", server.URL, "--platform", "win32"}, state...)...)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if !strings.Contains(out, "pulled remote changes up to 3-c") {
		t.Fatalf("unexpected pull output: %q", out)
	}

	out, err = execute(t, append([]string{"status", "--output", "json"}, state...)...)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var snap statusapi.Snapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("decode status %q: %v", out, err)
	}
	if snap.Cursor != "3-c" || snap.Records != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Incompatible) != 1 || snap.Incompatible[0] != "docs/b:c.txt" {
		t.Fatalf("unexpected incompatible tree: %v", snap.Incompatible)
	}

	out, err = execute(t, append([]string{"status", "-o", "yaml"}, state...)...)
	if err != nil {
		t.Fatalf("status yaml: %v", err)
	}
	var fromYAML map[string]any
	if err := yaml.Unmarshal([]byte(out), &fromYAML); err != nil {
		t.Fatalf("decode yaml %q: %v", out, err)
	}
	if fromYAML["cursor"] != "3-c" {
		t.Fatalf("unexpected yaml status: %v", fromYAML)
	}
}

func TestPullRejectedCursorRequiresResync(t *testing.T) {
	server := newFeedServer(t, http.StatusBadRequest)
	_, err := execute(t, append([]string{"pull", "--remote-url", server.URL}, stateArgs(t)...)...)
	if err == nil {
		t.Fatalf("expected pull to fail")
	}
	if exitCode(err) != 2 {
		t.Fatalf("expected exit code 2, got %d (%v)", exitCode(err), err)
	}
	if !strings.Contains(err.Error(), resyncHint) {
		t.Fatalf("expected resync hint, got %v", err)
	}
}

func TestPullRequiresRemote(t *testing.T) {
	_, err := execute(t, append([]string{"pull"}, stateArgs(t)...)...)
	if err == nil || !strings.Contains(err.Error(), "remote url is required") {
		t.Fatalf("expected missing remote error, got %v", err)
	}
	if exitCode(err) != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode(err))
	}
}

func TestCursorResetAndShow(t *testing.T) {
	state := stateArgs(t)

	out, err := execute(t, append([]string{"cursor", "show"}, state...)...)
	if err != nil || strings.TrimSpace(out) != "(none)" {
		t.Fatalf("expected empty cursor, got %q (%v)", out, err)
	}
	if _, err := execute(t, append([]string{"cursor", "reset", "--to", "42-x"}, state...)...); err != nil {
		t.Fatalf("reset: %v", err)
	}
	out, err = execute(t, append([]string{"cursor", "show"}, state...)...)
	if err != nil || strings.TrimSpace(out) != "42-x" {
		t.Fatalf("expected cursor 42-x, got %q (%v)", out, err)
	}
	if _, err := execute(t, append([]string{"cursor", "reset"}, state...)...); err != nil {
		t.Fatalf("reset to empty: %v", err)
	}
	out, _ = execute(t, append([]string{"cursor", "show"}, state...)...)
	if strings.TrimSpace(out) != "(none)" {
		t.Fatalf("expected cleared cursor, got %q", out)
	}
}

func TestStatusRejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, append([]string{"status", "--output", "xml"}, stateArgs(t)...)...)
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Fatalf("expected unknown format error, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(errors.New("boom")) != 1 {
		t.Fatalf("expected default exit code 1")
	}
	if exitCode(loopError(errors.New("boom"))) != 1 {
		t.Fatalf("expected transient loop errors to keep exit code 1")
	}
}
