package watcher

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaywatch/internal/metadata"
	"github.com/agentworkforce/relaywatch/internal/metrics"
	"github.com/agentworkforce/relaywatch/internal/remote"
)

// PullError reports the ids of a batch that could not be pulled. It does not
// unwrap to the per-document causes: a rejected document fetch must not be
// mistaken for a rejected cursor.
type PullError struct {
	FailedIDs []string
}

func (e *PullError) Error() string {
	return "some documents could not be pulled: " + strings.Join(e.FailedIDs, ", ")
}

// PullMany pulls ids one at a time, in order. Every id is attempted; the ids
// that failed are reported together.
func (w *Watcher) PullMany(ctx context.Context, ids []string) error {
	var failed []string
	for _, id := range ids {
		if err := w.PullOne(ctx, id); err != nil {
			w.logger.Error("could not pull remote document", zap.String("remote_id", id), zap.Error(err))
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		metrics.RecordFailedIDs(len(failed))
		return &PullError{FailedIDs: failed}
	}
	return nil
}

func (w *Watcher) PullOne(ctx context.Context, id string) error {
	doc, err := w.feed.FindMaybe(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		w.logger.Debug("remote document is gone", zap.String("remote_id", id))
		return nil
	}
	return w.OnChange(ctx, doc)
}

// OnChange classifies one fetched remote document and applies the result.
func (w *Watcher) OnChange(ctx context.Context, doc *remote.Document) error {
	if doc == nil {
		return nil
	}
	meta := doc.Metadata()
	if !doc.Deleted && doc.Type.Supported() {
		if err := metadata.EnsureValidPath(meta); err != nil {
			return err
		}
		meta.Incompatibilities = metadata.DetectIncompatibilities(meta.Path, meta.DocType, w.platform)
	}
	was, err := w.index.ByRemoteIDMaybe(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", doc.ID, err)
	}

	decision := Classify(meta, was, doc.Type, w.trashDir)
	w.logDecision(decision, doc)
	metrics.RecordDecision(decision.Kind.String())
	return w.apply(ctx, decision)
}

func (w *Watcher) apply(ctx context.Context, d Decision) error {
	side := metadata.SideRemote
	switch d.Kind {
	case Ignore, UpToDate:
		return nil
	case Delete:
		return w.sink.DeleteDoc(ctx, side, d.Was)
	case Trash:
		return w.sink.TrashDoc(ctx, side, d.Was, d.Doc)
	case Add:
		return w.sink.AddDoc(ctx, side, d.Doc)
	case Restore:
		return w.sink.RestoreDoc(ctx, side, d.Doc, d.Was)
	case Update:
		return w.sink.UpdateDoc(ctx, side, d.Doc)
	case Move:
		return w.sink.MoveFile(ctx, side, d.Doc, d.Was)
	case Recreate:
		if err := w.sink.DeleteDoc(ctx, side, d.Was); err != nil {
			return err
		}
		return w.sink.AddDoc(ctx, side, d.Doc)
	case Dissociate:
		w.logger.Info("Dissociating from remote...", zap.String("path", d.Was.Path), zap.String("remote_id", d.Was.Remote.ID))
		if err := w.index.Put(ctx, d.Was.Dissociated()); err != nil {
			return fmt.Errorf("dissociate %s: %w", d.Was.Path, err)
		}
		return w.sink.AddDoc(ctx, side, d.Doc)
	default:
		return fmt.Errorf("unknown decision %d", d.Kind)
	}
}

func (w *Watcher) logDecision(d Decision, doc *remote.Document) {
	p := doc.Path
	if p == "" && d.Was != nil {
		p = d.Was.Path
	}
	fields := []zap.Field{
		zap.String("path", p),
		zap.String("remote_id", doc.ID),
		zap.String("rev", doc.Rev),
	}
	switch d.Kind {
	case Ignore:
		if !doc.Deleted && !doc.Type.Supported() {
			fields = append(fields, zap.String("kind", string(doc.Type)))
		}
		w.logger.Debug(d.Reason, fields...)
	case UpToDate:
		w.logger.Debug(d.Reason, fields...)
	default:
		w.logger.Info(d.Reason, fields...)
	}
}
