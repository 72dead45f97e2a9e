package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newFakeCouch(t *testing.T, changes string, changesStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/files/_changes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(changesStatus)
		_, _ = w.Write([]byte(changes))
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch strings.TrimPrefix(r.URL.Path, "/files/") {
		case "f1":
			_, _ = w.Write([]byte(`{"_id":"f1","_rev":"2-b","type":"file","name":"a.txt","path":"/docs/a.txt","md5sum":"H1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found","reason":"deleted"}`))
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestCouchClientChangesAndTombstones(t *testing.T) {
	feed := `{"results":[` +
		`{"seq":"1-a","id":"f1","changes":[{"rev":"1-a"}]},` +
		`{"seq":"2-b","id":"gone","changes":[{"rev":"3-c"}],"deleted":true},` +
		`{"seq":"3-c","id":"f1","changes":[{"rev":"2-b"}]},` +
		`{"seq":"4-d","id":"_design/views","changes":[{"rev":"1-x"}]}` +
		`],"last_seq":"4-d","pending":0}`
	server := newFakeCouch(t, feed, http.StatusOK)
	validator, err := NewDocumentValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	client, err := NewCouchClient(server.URL, "files", validator)
	if err != nil {
		t.Fatalf("new couch client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	batch, err := client.Changes(ctx, "")
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if batch.LastSeq != "4-d" || strings.Join(batch.IDs, ",") != "f1,gone" {
		t.Fatalf("unexpected batch: %+v", batch)
	}

	doc, err := client.FindMaybe(ctx, "f1")
	if err != nil || doc == nil || doc.Rev != "2-b" || doc.Path != "/docs/a.txt" {
		t.Fatalf("expected f1 document, got %+v, %v", doc, err)
	}
	tomb, err := client.FindMaybe(ctx, "gone")
	if err != nil || tomb == nil || !tomb.Deleted || tomb.Rev != "3-c" {
		t.Fatalf("expected tombstone for gone, got %+v, %v", tomb, err)
	}
	missing, err := client.FindMaybe(ctx, "never-seen")
	if err != nil || missing != nil {
		t.Fatalf("expected absent document, got %+v, %v", missing, err)
	}
}

func TestCouchClientRejectedSinceIsBadRequest(t *testing.T) {
	server := newFakeCouch(t, `{"error":"bad_request","reason":"Malformed sequence supplied in 'since' parameter."}`, http.StatusBadRequest)
	client, err := NewCouchClient(server.URL, "files", nil)
	if err != nil {
		t.Fatalf("new couch client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if _, err := client.Changes(context.Background(), "garbage"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestNewCouchClientRequiresURLAndDatabase(t *testing.T) {
	if _, err := NewCouchClient(" ", "files", nil); err == nil {
		t.Fatalf("expected error without url")
	}
	if _, err := NewCouchClient("http://localhost:5984", "", nil); err == nil {
		t.Fatalf("expected error without database")
	}
}
