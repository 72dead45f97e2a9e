// Package watcher reconciles the remote change feed into the local replica.
//
// A Watcher polls the feed on a heartbeat, pulls every changed document one
// at a time, classifies it against the record previously linked to the same
// remote id, and hands the resulting merge action to a prep.Sink. The cursor
// only moves once a whole batch has been applied.
package watcher

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaywatch/internal/metadata"
	"github.com/agentworkforce/relaywatch/internal/metrics"
	"github.com/agentworkforce/relaywatch/internal/prep"
	"github.com/agentworkforce/relaywatch/internal/remote"
)

const DefaultHeartbeat = time.Minute

var (
	ErrAlreadyStarted = errors.New("watcher already started")
	ErrNotStarted     = errors.New("watcher not started")
)

// Index is the part of the replica the watcher reads and writes directly.
// replica.Index satisfies it.
type Index interface {
	GetRemoteSeq(ctx context.Context) (string, error)
	SetRemoteSeq(ctx context.Context, seq string) error
	ByRemoteIDMaybe(ctx context.Context, id string) (*metadata.Metadata, error)
	Put(ctx context.Context, doc *metadata.Metadata) error
}

type Options struct {
	Heartbeat time.Duration
	// Jitter spreads heartbeats by up to this ratio of Heartbeat (0.0-1.0).
	Jitter   float64
	TrashDir string
	// Platform selects the local naming rules, see metadata.DetectIncompatibilities.
	Platform string
	Logger   *zap.Logger
}

// Status describes the outcome of the most recent poll.
type Status struct {
	Running        bool      `json:"running" yaml:"running"`
	LastPoll       time.Time `json:"last_poll,omitempty" yaml:"last_poll,omitempty"`
	LastError      string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	ResyncRequired bool      `json:"resync_required" yaml:"resync_required"`
}

type Watcher struct {
	feed      remote.ChangeFeed
	index     Index
	sink      prep.Sink
	heartbeat time.Duration
	jitter    float64
	trashDir  string
	platform  string
	logger    *zap.Logger
	wake      chan struct{}

	mu      sync.Mutex
	current *loopRun
	last    *loopRun

	statusMu sync.RWMutex
	status   Status
}

// loopRun is the state owned by one Start call.
type loopRun struct {
	stop      chan struct{}
	running   chan error
	once      sync.Once
	firstDone chan struct{}
	firstErr  error
	// done is closed when the loop goroutine has returned.
	done chan struct{}
}

func (r *loopRun) settle(err error) {
	r.once.Do(func() { r.running <- err })
}

func New(feed remote.ChangeFeed, index Index, sink prep.Sink, opts Options) (*Watcher, error) {
	if feed == nil {
		return nil, errors.New("change feed is required")
	}
	if index == nil {
		return nil, errors.New("index is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	trashDir := strings.Trim(strings.TrimSpace(opts.TrashDir), "/")
	if trashDir == "" {
		trashDir = DefaultTrashDir
	}
	platform := strings.TrimSpace(opts.Platform)
	if platform == "" {
		platform = metadata.CurrentPlatform()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		feed:      feed,
		index:     index,
		sink:      sink,
		heartbeat: heartbeat,
		jitter:    clampJitterRatio(opts.Jitter),
		trashDir:  trashDir,
		platform:  platform,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Start polls immediately, then once per heartbeat. started receives the
// result of the first poll. running receives nil when the loop is stopped, or
// the fatal error that ended it. Each channel receives exactly one value.
//
// Stop does not cancel a poll in flight; cancel ctx for that. A Start that
// follows a Stop blocks until the previous loop, and its poll, has returned.
func (w *Watcher) Start(ctx context.Context) (started, running <-chan error) {
	startedCh := make(chan error, 1)
	runningCh := make(chan error, 1)
	fail := func(err error) (<-chan error, <-chan error) {
		startedCh <- err
		runningCh <- err
		return startedCh, runningCh
	}

	w.mu.Lock()
	if w.current != nil {
		w.mu.Unlock()
		return fail(ErrAlreadyStarted)
	}
	prev := w.last
	w.mu.Unlock()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}

	w.mu.Lock()
	if w.current != nil {
		w.mu.Unlock()
		return fail(ErrAlreadyStarted)
	}
	run := &loopRun{
		stop:      make(chan struct{}),
		running:   runningCh,
		firstDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	w.current = run
	w.last = run
	w.mu.Unlock()

	w.setRunning(true)
	go w.loop(ctx, run, startedCh)
	return startedCh, runningCh
}

// Stop prevents future cycles and releases whoever waits on running.
func (w *Watcher) Stop() {
	w.mu.Lock()
	run := w.current
	w.current = nil
	w.mu.Unlock()
	if run == nil {
		return
	}
	close(run.stop)
	w.setRunning(false)
	run.settle(nil)
	w.logger.Info("remote watcher stopped")
}

// AwaitFirstPoll blocks until the first poll of the latest Start completes.
func (w *Watcher) AwaitFirstPoll(ctx context.Context) error {
	w.mu.Lock()
	run := w.last
	w.mu.Unlock()
	if run == nil {
		return ErrNotStarted
	}
	select {
	case <-run.firstDone:
		return run.firstErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the loop goroutine of the latest Start
// has returned, including any poll that was in flight when Stop was called.
func (w *Watcher) Done() <-chan struct{} {
	w.mu.Lock()
	run := w.last
	w.mu.Unlock()
	if run == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return run.done
}

// Wake asks for a poll as soon as the current one, if any, completes.
// Concurrent requests coalesce into one poll.
func (w *Watcher) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status
}

func (w *Watcher) loop(ctx context.Context, run *loopRun, started chan<- error) {
	defer close(run.done)
	err := w.Watch(ctx)
	run.firstErr = err
	close(run.firstDone)
	started <- err
	if err != nil {
		w.finish(run, err)
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(w.heartbeat, w.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-run.stop:
			return
		case <-ctx.Done():
			w.logger.Info("remote watcher stopping", zap.Error(ctx.Err()))
			w.finish(run, nil)
			return
		case <-timer.C:
		case <-w.wake:
		}
		select {
		case <-run.stop:
			return
		default:
		}
		if err := w.Watch(ctx); err != nil {
			w.finish(run, err)
			return
		}
		timer.Reset(jitteredIntervalWithSample(w.heartbeat, w.jitter, rng.Float64()))
	}
}

func (w *Watcher) finish(run *loopRun, err error) {
	w.mu.Lock()
	current := w.current == run
	if current {
		w.current = nil
	}
	w.mu.Unlock()
	if current {
		w.setRunning(false)
	}
	run.settle(err)
}

// Watch runs one poll cycle. Only errors that require resynchronizing the
// cursor are returned; anything else is logged and retried next cycle.
func (w *Watcher) Watch(ctx context.Context) error {
	started := time.Now()
	result, err := w.poll(ctx)
	metrics.RecordPoll(result, time.Since(started))
	w.recordPoll(started, err)
	if err == nil {
		return nil
	}
	if isFatal(err) {
		w.logger.Error("remote cursor rejected", zap.Error(err), zap.Bool("resync_required", true))
		return err
	}
	w.logger.Error("remote watcher poll failed", zap.Error(err))
	return nil
}

// Pull runs one poll cycle and returns every error, fatal or not.
func (w *Watcher) Pull(ctx context.Context) error {
	started := time.Now()
	result, err := w.poll(ctx)
	metrics.RecordPoll(result, time.Since(started))
	w.recordPoll(started, err)
	return err
}

func (w *Watcher) poll(ctx context.Context) (string, error) {
	seq, err := w.index.GetRemoteSeq(ctx)
	if err != nil {
		return "failed", err
	}
	batch, err := w.feed.Changes(ctx, seq)
	if err != nil {
		if isFatal(err) {
			return "fatal", err
		}
		return "failed", err
	}
	if len(batch.IDs) == 0 {
		w.logger.Debug("no remote changes", zap.String("seq", seq))
		return "empty", nil
	}
	metrics.RecordBatch(len(batch.IDs))
	w.logger.Info("pulling remote changes",
		zap.Int("count", len(batch.IDs)),
		zap.String("since", seq),
		zap.String("last_seq", batch.LastSeq))
	if err := w.PullMany(ctx, batch.IDs); err != nil {
		return "failed", err
	}
	if err := w.index.SetRemoteSeq(ctx, batch.LastSeq); err != nil {
		return "failed", err
	}
	metrics.RecordCursorAdvance()
	return "ok", nil
}

func (w *Watcher) recordPoll(at time.Time, err error) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.LastPoll = at
	w.status.LastError = ""
	w.status.ResyncRequired = false
	if err != nil {
		w.status.LastError = err.Error()
		w.status.ResyncRequired = isFatal(err)
	}
}

func (w *Watcher) setRunning(running bool) {
	w.statusMu.Lock()
	w.status.Running = running
	w.statusMu.Unlock()
}

func isFatal(err error) bool {
	return errors.Is(err, remote.ErrBadRequest)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
