package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/files/changes" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"last_seq":"3-c","pending":0,"results":[{"id":"a"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client(), nil)
	batch, err := client.Changes(context.Background(), "1-a")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if batch.LastSeq != "3-c" {
		t.Fatalf("expected last seq 3-c, got %s", batch.LastSeq)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientChangesFollowsPagesAndDeduplicates(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "relaywatch_") {
			t.Errorf("expected correlation id, got %q", r.Header.Get("X-Correlation-Id"))
		}
		w.Header().Set("Content-Type", "application/json")
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			if r.URL.Query().Get("since") != "10" {
				t.Errorf("expected since=10, got %q", r.URL.Query().Get("since"))
			}
			_, _ = w.Write([]byte(`{"last_seq":12,"pending":2,"results":[{"id":"a"},{"id":"_design/files"},{"id":"b"}]}`))
		default:
			if r.URL.Query().Get("since") != "12" {
				t.Errorf("expected since=12, got %q", r.URL.Query().Get("since"))
			}
			_, _ = w.Write([]byte(`{"last_seq":14,"pending":0,"results":[{"id":"a"},{"id":"c"}]}`))
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client(), nil)
	batch, err := client.Changes(context.Background(), "10")
	if err != nil {
		t.Fatalf("changes failed: %v", err)
	}
	if got := strings.Join(batch.IDs, ","); got != "a,b,c" {
		t.Fatalf("expected ids a,b,c, got %s", got)
	}
	if batch.LastSeq != "14" {
		t.Fatalf("expected last seq 14, got %s", batch.LastSeq)
	}
}

func TestHTTPClientBadRequestIsDistinguished(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad_request","reason":"Malformed sequence supplied"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client(), nil)
	_, err := client.Changes(context.Background(), "garbage")
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "bad_request" || httpErr.Message != "Malformed sequence supplied" {
		t.Fatalf("unexpected http error: %+v", httpErr)
	}
	if errors.Is(&HTTPError{StatusCode: http.StatusInternalServerError}, ErrBadRequest) {
		t.Fatalf("expected 500 not to match ErrBadRequest")
	}
}

func TestHTTPClientFindMaybe(t *testing.T) {
	validator, err := NewDocumentValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/files/changes":
			_, _ = w.Write([]byte(`{"last_seq":"2","pending":0,"results":[{"id":"gone","deleted":true,"changes":[{"rev":"3-x"}]}]}`))
		case "/v1/files/file-1":
			_, _ = w.Write([]byte(`{"_id":"file-1","_rev":"2-b","type":"file","path":"/dir/a.txt","md5sum":"H1","size":12}`))
		case "/v1/files/broken":
			_, _ = w.Write([]byte(`{"_id":"broken","_rev":"1-a","type":"file"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found","reason":"missing"}`))
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client(), validator)
	ctx := context.Background()

	doc, err := client.FindMaybe(ctx, "file-1")
	if err != nil {
		t.Fatalf("find file-1: %v", err)
	}
	if doc == nil || doc.Rev != "2-b" || doc.Type != KindFile || doc.Path != "/dir/a.txt" || doc.Size != 12 {
		t.Fatalf("unexpected document: %+v", doc)
	}

	doc, err = client.FindMaybe(ctx, "missing")
	if err != nil || doc != nil {
		t.Fatalf("expected absent document, got %+v, %v", doc, err)
	}

	if _, err := client.FindMaybe(ctx, "broken"); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument for document without path, got %v", err)
	}

	if _, err := client.Changes(ctx, ""); err != nil {
		t.Fatalf("changes: %v", err)
	}
	doc, err = client.FindMaybe(ctx, "gone")
	if err != nil {
		t.Fatalf("find gone: %v", err)
	}
	if doc == nil || !doc.Deleted || doc.Rev != "3-x" {
		t.Fatalf("expected tombstone for purged document, got %+v", doc)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := backoff{attempts: 3, base: 100 * time.Millisecond, ceiling: 2 * time.Second}
	if got := b.delay(1, nil); got != 100*time.Millisecond {
		t.Fatalf("expected base delay, got %s", got)
	}
	if got := b.delay(3, nil); got != 400*time.Millisecond {
		t.Fatalf("expected exponential backoff 400ms, got %s", got)
	}
	if got := b.delay(10, nil); got != 2*time.Second {
		t.Fatalf("expected backoff capped at ceiling, got %s", got)
	}
	if got := b.delay(1, &HTTPError{StatusCode: 429, retryAfter: time.Second}); got != time.Second {
		t.Fatalf("expected 1s from Retry-After, got %s", got)
	}
	if got := b.delay(1, &HTTPError{StatusCode: 503, retryAfter: time.Minute}); got != 2*time.Second {
		t.Fatalf("expected Retry-After capped at ceiling, got %s", got)
	}
	if b.allows(0, &HTTPError{StatusCode: 400}) || b.allows(3, &HTTPError{StatusCode: 503}) {
		t.Fatalf("expected no retry for 400 or after the last attempt")
	}
	if !b.allows(0, &transportError{err: errors.New("connection reset")}) {
		t.Fatalf("expected transport failures to be retried")
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := retryAfter("3", now); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := retryAfter(now.Add(5*time.Second).Format(http.TimeFormat), now); got != 5*time.Second {
		t.Fatalf("expected 5s from http date, got %s", got)
	}
	if got := retryAfter("soon", now); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
}

func TestRemoteErrorShapes(t *testing.T) {
	jsonAPI := remoteError(http.StatusBadRequest, []byte(`{"errors":[{"status":"400","title":"Bad Request","detail":"invalid since"}]}`))
	if jsonAPI.Code != "Bad Request" || jsonAPI.Message != "invalid since" || !errors.Is(jsonAPI, ErrBadRequest) {
		t.Fatalf("unexpected JSON:API error: %+v", jsonAPI)
	}
	couch := remoteError(http.StatusNotFound, []byte(`{"error":"not_found","reason":"deleted"}`))
	if couch.Code != "not_found" || couch.Message != "deleted" {
		t.Fatalf("unexpected database error: %+v", couch)
	}
	if empty := remoteError(http.StatusBadGateway, nil); empty.Message != "Bad Gateway" {
		t.Fatalf("expected status text for empty body, got %+v", empty)
	}
}
