// Package prep merges side-tagged changes into the replica index. The
// reconciliation loops of both sides talk to the replica only through it.
package prep

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaywatch/internal/metadata"
	"github.com/agentworkforce/relaywatch/internal/replica"
)

// Sink accepts merge actions. Each call must complete before the next
// document is classified.
type Sink interface {
	AddDoc(ctx context.Context, side metadata.Side, doc *metadata.Metadata) error
	UpdateDoc(ctx context.Context, side metadata.Side, doc *metadata.Metadata) error
	MoveFile(ctx context.Context, side metadata.Side, doc, was *metadata.Metadata) error
	DeleteDoc(ctx context.Context, side metadata.Side, was *metadata.Metadata) error
	TrashDoc(ctx context.Context, side metadata.Side, was, doc *metadata.Metadata) error
	RestoreDoc(ctx context.Context, side metadata.Side, doc, was *metadata.Metadata) error
}

type Options struct {
	Logger *zap.Logger
	// Now is used for conflict suffixes.
	Now func() time.Time
	// Platform selects the naming rules re-applied to descendants whose
	// folder changed path. Defaults to the running platform.
	Platform string
}

// Prep writes converged metadata into a replica index.
type Prep struct {
	index    replica.Index
	logger   *zap.Logger
	now      func() time.Time
	platform string

	mu sync.Mutex
	// detached holds the descendants of the last folder deleted, so the add
	// that recreates the same remote folder elsewhere can re-home them.
	detached *detachedTree
}

type detachedTree struct {
	remoteID string
	root     string
	children []*metadata.Metadata
}

func New(index replica.Index, opts Options) (*Prep, error) {
	if index == nil {
		return nil, fmt.Errorf("index is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	platform := strings.TrimSpace(opts.Platform)
	if platform == "" {
		platform = metadata.CurrentPlatform()
	}
	return &Prep{index: index, logger: logger, now: now, platform: platform}, nil
}

func (p *Prep) AddDoc(ctx context.Context, side metadata.Side, doc *metadata.Metadata) error {
	detached := p.takeDetached()
	if err := p.addDoc(ctx, side, doc); err != nil {
		return err
	}
	if detached == nil || !doc.IsFolder() || doc.Remote == nil || doc.Remote.ID != detached.remoteID {
		return nil
	}
	return p.rehome(ctx, side, detached.children, detached.root, doc.Path, false)
}

func (p *Prep) addDoc(ctx context.Context, side metadata.Side, doc *metadata.Metadata) error {
	existing, err := p.index.ByPathMaybe(ctx, doc.Path)
	if err != nil {
		return err
	}
	if existing != nil && !sameEntity(existing, doc) {
		if !canLink(existing, doc) {
			conflict := doc.Clone()
			conflict.Path = ConflictPath(doc.Path, p.now())
			conflict.ID = metadata.ID(conflict.Path)
			p.logger.Warn("path already taken, adding as conflict",
				zap.String("path", doc.Path), zap.String("conflict_path", conflict.Path))
			return p.put(ctx, conflict.MarkSide(side, nil))
		}
		p.logger.Info("linking existing record", zap.String("path", doc.Path))
	}
	return p.put(ctx, doc.MarkSide(side, existing))
}

func (p *Prep) UpdateDoc(ctx context.Context, side metadata.Side, doc *metadata.Metadata) error {
	p.takeDetached()
	existing, err := p.index.ByPathMaybe(ctx, doc.Path)
	if err != nil {
		return err
	}
	return p.put(ctx, doc.MarkSide(side, existing))
}

func (p *Prep) MoveFile(ctx context.Context, side metadata.Side, doc, was *metadata.Metadata) error {
	p.takeDetached()
	if err := p.index.Delete(ctx, was); err != nil {
		return err
	}
	return p.addDoc(ctx, side, doc)
}

// DeleteDoc removes the record. Deleting a folder removes its whole subtree;
// an AddDoc for the same remote folder that follows immediately re-homes the
// subtree under the folder's new path.
func (p *Prep) DeleteDoc(ctx context.Context, side metadata.Side, was *metadata.Metadata) error {
	p.takeDetached()
	p.logger.Debug("deleting record", zap.String("path", was.Path), zap.String("side", string(side)))
	var children []*metadata.Metadata
	if was.IsFolder() {
		var err error
		if children, err = p.descendants(ctx, was); err != nil {
			return err
		}
		for i := len(children) - 1; i >= 0; i-- {
			if err := p.index.Delete(ctx, children[i]); err != nil {
				return err
			}
		}
	}
	if err := p.index.Delete(ctx, was); err != nil {
		return err
	}
	if len(children) > 0 && was.Remote != nil {
		p.mu.Lock()
		p.detached = &detachedTree{remoteID: was.Remote.ID, root: was.Path, children: children}
		p.mu.Unlock()
	}
	return nil
}

// TrashDoc keeps the record at its last local path, flagged as trashed and
// linked to the trashed remote revision. A folder's descendants are flagged
// with it.
func (p *Prep) TrashDoc(ctx context.Context, side metadata.Side, was, doc *metadata.Metadata) error {
	p.takeDetached()
	if was.IsFolder() {
		children, err := p.descendants(ctx, was)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Trashed {
				continue
			}
			trashedChild := child.Clone()
			trashedChild.Trashed = true
			if err := p.put(ctx, trashedChild.MarkSide(side, child)); err != nil {
				return err
			}
		}
	}
	trashed := was.Clone()
	trashed.Trashed = true
	if doc != nil && doc.Remote != nil {
		remote := *doc.Remote
		trashed.Remote = &remote
	}
	return p.put(ctx, trashed.MarkSide(side, was))
}

// RestoreDoc brings a trashed record back at doc's path. A folder brings its
// descendants back with it.
func (p *Prep) RestoreDoc(ctx context.Context, side metadata.Side, doc, was *metadata.Metadata) error {
	p.takeDetached()
	var children []*metadata.Metadata
	if was.IsFolder() {
		all, err := p.descendants(ctx, was)
		if err != nil {
			return err
		}
		for i := len(all) - 1; i >= 0; i-- {
			if err := p.index.Delete(ctx, all[i]); err != nil {
				return err
			}
		}
		children = all
	}
	if err := p.index.Delete(ctx, was); err != nil {
		return err
	}
	restored := doc.Clone()
	restored.Trashed = false
	if err := p.addDoc(ctx, side, restored); err != nil {
		return err
	}
	return p.rehome(ctx, side, children, was.Path, restored.Path, true)
}

// descendants returns the records below folder, parents first.
func (p *Prep) descendants(ctx context.Context, folder *metadata.Metadata) ([]*metadata.Metadata, error) {
	docs, err := p.index.All(ctx)
	if err != nil {
		return nil, err
	}
	prefix := metadata.ID(folder.Path) + "/"
	var out []*metadata.Metadata
	for _, doc := range docs {
		if strings.HasPrefix(metadata.ID(doc.Path), prefix) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return metadata.ID(out[i].Path) < metadata.ID(out[j].Path) })
	return out, nil
}

// rehome re-adds children, which lived under oldRoot, below newRoot.
func (p *Prep) rehome(ctx context.Context, side metadata.Side, children []*metadata.Metadata, oldRoot, newRoot string, untrash bool) error {
	oldPrefix := metadata.ID(oldRoot) + "/"
	newPrefix := metadata.ID(newRoot) + "/"
	for _, child := range children {
		moved := child.Clone()
		moved.Path = newPrefix + strings.TrimPrefix(metadata.ID(child.Path), oldPrefix)
		moved.ID = metadata.ID(moved.Path)
		moved.Incompatibilities = metadata.DetectIncompatibilities(moved.Path, moved.DocType, p.platform)
		if untrash {
			moved.Trashed = false
		}
		if err := p.addDoc(ctx, side, moved); err != nil {
			return err
		}
	}
	if len(children) > 0 {
		p.logger.Info("re-homed folder contents",
			zap.String("from", oldRoot), zap.String("to", newRoot), zap.Int("count", len(children)))
	}
	return nil
}

func (p *Prep) takeDetached() *detachedTree {
	p.mu.Lock()
	defer p.mu.Unlock()
	detached := p.detached
	p.detached = nil
	return detached
}

// IncompatibleTree lists records that cannot exist locally, either because
// of their own name or because of an ancestor's. Folders end with "/".
func (p *Prep) IncompatibleTree(ctx context.Context) ([]string, error) {
	incompatible, _, err := p.trees(ctx)
	return incompatible, err
}

// LocalTree lists the records that can be materialized locally.
func (p *Prep) LocalTree(ctx context.Context) ([]string, error) {
	_, local, err := p.trees(ctx)
	return local, err
}

func (p *Prep) trees(ctx context.Context) ([]string, []string, error) {
	docs, err := p.index.All(ctx)
	if err != nil {
		return nil, nil, err
	}
	var blocked []string
	for _, doc := range docs {
		if len(doc.Incompatibilities) > 0 {
			blocked = append(blocked, doc.ID)
		}
	}
	var incompatible, local []string
	for _, doc := range docs {
		if doc.Trashed {
			continue
		}
		entry := doc.Path
		if doc.IsFolder() {
			entry += "/"
		}
		if underAny(doc.ID, blocked) {
			incompatible = append(incompatible, entry)
		} else {
			local = append(local, entry)
		}
	}
	sort.Strings(incompatible)
	sort.Strings(local)
	return incompatible, local, nil
}

func (p *Prep) put(ctx context.Context, doc *metadata.Metadata) error {
	if len(doc.Incompatibilities) > 0 {
		p.logger.Warn("incompatible with local filesystem, keeping metadata only",
			zap.String("path", doc.Path),
			zap.String("reason", string(doc.Incompatibilities[0].Type)),
			zap.String("platform", doc.Incompatibilities[0].Platform))
	}
	return p.index.Put(ctx, doc)
}

func sameEntity(existing, doc *metadata.Metadata) bool {
	return existing.Remote != nil && doc.Remote != nil && existing.Remote.ID == doc.Remote.ID
}

// canLink reports whether an unlinked record at the same path can adopt the
// incoming remote identity without losing data.
func canLink(existing, doc *metadata.Metadata) bool {
	if existing.Remote != nil || existing.DocType != doc.DocType {
		return false
	}
	return doc.DocType == metadata.Folder || existing.MD5Sum == doc.MD5Sum
}

func underAny(id string, roots []string) bool {
	for _, root := range roots {
		if id == root || strings.HasPrefix(id, root+"/") {
			return true
		}
	}
	return false
}

// ConflictPath renames p with a timestamped conflict suffix, keeping the
// extension.
func ConflictPath(p string, now time.Time) string {
	dir, name := path.Split(p)
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	return dir + base + "-conflict-" + now.UTC().Format("20060102T150405Z") + ext
}
