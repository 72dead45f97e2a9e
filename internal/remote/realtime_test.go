package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestRealtimeWakesOnEvent(t *testing.T) {
	commands := make(chan realtimeCommand, 2)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			var cmd realtimeCommand
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				return
			}
			commands <- cmd
		}
		_ = wsjson.Write(ctx, conn, map[string]any{
			"event":   "UPDATED",
			"payload": map[string]string{"type": filesDoctype, "id": "X"},
		})
		<-release
	}))
	defer server.Close()
	defer close(release)

	woken := make(chan struct{}, 1)
	rt := NewRealtime(server.URL, "token", func() {
		select {
		case woken <- struct{}{}:
		default:
		}
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	select {
	case <-woken:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected realtime event to wake the loop")
	}
	auth := <-commands
	if auth.Method != "AUTH" || auth.Payload != "token" {
		t.Fatalf("expected AUTH with token first, got %+v", auth)
	}
	sub := <-commands
	if sub.Method != "SUBSCRIBE" {
		t.Fatalf("expected SUBSCRIBE second, got %+v", sub)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("realtime did not stop after cancel")
	}
}

func TestRealtimeURL(t *testing.T) {
	if got := realtimeURL("https://example.com/"); got != "wss://example.com/realtime/" {
		t.Fatalf("unexpected url %s", got)
	}
	if got := realtimeURL("http://127.0.0.1:8080"); got != "ws://127.0.0.1:8080/realtime/" {
		t.Fatalf("unexpected url %s", got)
	}
}
