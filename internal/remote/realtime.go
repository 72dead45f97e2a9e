package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const filesDoctype = "io.cozy.files"

type realtimeCommand struct {
	Method  string `json:"method"`
	Payload any    `json:"payload"`
}

// Realtime listens for file events pushed by the remote and calls wake for
// each one. It never carries change data itself: the change feed stays the
// only source of truth.
type Realtime struct {
	url        string
	token      string
	wake       func()
	logger     *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewRealtime(baseURL, token string, wake func(), logger *zap.Logger) *Realtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if wake == nil {
		wake = func() {}
	}
	return &Realtime{
		url:        realtimeURL(baseURL),
		token:      strings.TrimSpace(token),
		wake:       wake,
		logger:     logger,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
}

// Run keeps a subscription open until ctx is done.
func (r *Realtime) Run(ctx context.Context) error {
	retryIn := r.minBackoff
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("realtime connection lost", zap.Error(err), zap.Duration("retry_in", retryIn))
		if sleep(ctx, retryIn) != nil {
			return nil
		}
		retryIn = min(retryIn*2, r.maxBackoff)
	}
}

func (r *Realtime) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, r.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-Correlation-Id": []string{correlationID()}},
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, realtimeCommand{Method: "AUTH", Payload: r.token}); err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, realtimeCommand{
		Method:  "SUBSCRIBE",
		Payload: map[string]string{"type": filesDoctype},
	}); err != nil {
		return err
	}
	r.logger.Info("realtime subscribed", zap.String("doctype", filesDoctype))
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("closed by remote")
			}
			return err
		}
		r.wake()
	}
}

func realtimeURL(baseURL string) string {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/realtime/"
}
