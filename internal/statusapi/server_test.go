package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/agentworkforce/relaywatch/internal/metadata"
	"github.com/agentworkforce/relaywatch/internal/prep"
	"github.com/agentworkforce/relaywatch/internal/replica"
	"github.com/agentworkforce/relaywatch/internal/watcher"
)

type fakeLoop struct {
	status watcher.Status
}

func (f fakeLoop) Status() watcher.Status { return f.status }

type failingSource struct{}

func (failingSource) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot{}, errors.New("index unavailable")
}

func TestStatusReportsReplicaAndLoop(t *testing.T) {
	ctx := context.Background()
	idx := replica.NewMemoryIndex()
	p, err := prep.New(idx, prep.Options{})
	if err != nil {
		t.Fatalf("new prep: %v", err)
	}
	if err := idx.SetRemoteSeq(ctx, "12-abc"); err != nil {
		t.Fatalf("set seq: %v", err)
	}
	bad := &metadata.Metadata{Path: "fi:le", DocType: metadata.File, Remote: &metadata.RemoteInfo{ID: "B", Rev: "1"}}
	bad.Incompatibilities = metadata.DetectIncompatibilities(bad.Path, bad.DocType, "win32")
	for _, doc := range []*metadata.Metadata{
		{Path: "ok", DocType: metadata.Folder, Remote: &metadata.RemoteInfo{ID: "A", Rev: "1"}},
		bad,
	} {
		if err := p.AddDoc(ctx, metadata.SideRemote, doc); err != nil {
			t.Fatalf("add %s: %v", doc.Path, err)
		}
	}
	polled := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	source := Reporter{Index: idx, Trees: p, Loop: fakeLoop{status: watcher.Status{
		Running:        true,
		LastPoll:       polled,
		LastError:      "http 400: invalid since",
		ResyncRequired: true,
	}}}
	server := httptest.NewServer(NewServer(source, zaptest.NewLogger(t)).Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Cursor != "12-abc" || snap.Records != 2 || !snap.ResyncRequired || !snap.Running {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Incompatible) != 1 || snap.Incompatible[0] != "fi:le" {
		t.Fatalf("unexpected incompatible tree: %v", snap.Incompatible)
	}
	if !snap.LastPoll.Equal(polled) {
		t.Fatalf("expected last poll %s, got %s", polled, snap.LastPoll)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	server := httptest.NewServer(NewServer(Reporter{Index: replica.NewMemoryIndex()}, nil).Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", resp.StatusCode, body)
	}

	resp, err = http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), "relaywatch_status_requests_total") {
		t.Fatalf("expected status request counter in metrics output")
	}

	resp, err = http.Post(server.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST /status, got %d", resp.StatusCode)
	}
}

func TestStatusReportsSourceFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Correlation-Id", "corr_1")
	NewServer(failingSource{}, zaptest.NewLogger(t)).Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "internal_error" || body["correlationId"] != "corr_1" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestListenAndServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewServer(Reporter{Index: replica.NewMemoryIndex()}, nil).ListenAndServe(ctx, "127.0.0.1:0")
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
