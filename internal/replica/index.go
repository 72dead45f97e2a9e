// Package replica persists the local replica state: the remote change-feed
// cursor and one metadata record per synchronized path.
package replica

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relaywatch/internal/metadata"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrDuplicateRemoteID = errors.New("remote id already linked to another record")
	ErrLocked            = errors.New("state directory is locked by another instance")
)

// Index is the cursor store and replica index. Records returned are copies;
// callers never share memory with the backend.
type Index interface {
	GetRemoteSeq(ctx context.Context) (string, error)
	SetRemoteSeq(ctx context.Context, seq string) error
	ByRemoteIDMaybe(ctx context.Context, remoteID string) (*metadata.Metadata, error)
	ByPathMaybe(ctx context.Context, path string) (*metadata.Metadata, error)
	// Put upserts doc under its path key. At most one record may reference a
	// given remote id.
	Put(ctx context.Context, doc *metadata.Metadata) error
	Delete(ctx context.Context, doc *metadata.Metadata) error
	All(ctx context.Context) ([]*metadata.Metadata, error)
	Close() error
}

func recordKey(doc *metadata.Metadata) (string, error) {
	if doc == nil {
		return "", ErrInvalidInput
	}
	key := strings.TrimSpace(doc.ID)
	if key == "" {
		key = metadata.ID(doc.Path)
	}
	if key == "" {
		return "", ErrInvalidInput
	}
	return key, nil
}

func remoteIDOf(doc *metadata.Metadata) string {
	if doc == nil || doc.Remote == nil {
		return ""
	}
	return strings.TrimSpace(doc.Remote.ID)
}

type snapshot struct {
	RemoteSeq string               `json:"remoteSeq"`
	Records   []*metadata.Metadata `json:"records"`
}

// memoryIndex keeps everything in maps. A non-nil persist hook is called
// with the new snapshot after each mutation; on failure the mutation is
// rolled back.
type memoryIndex struct {
	mu       sync.RWMutex
	seq      string
	records  map[string]*metadata.Metadata
	byRemote map[string]string
	persist  func(snapshot) error
}

func NewMemoryIndex() Index {
	return newMemoryIndex(nil)
}

func newMemoryIndex(persist func(snapshot) error) *memoryIndex {
	return &memoryIndex{
		records:  map[string]*metadata.Metadata{},
		byRemote: map[string]string{},
		persist:  persist,
	}
}

func (m *memoryIndex) load(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = s.RemoteSeq
	for _, doc := range s.Records {
		key, err := recordKey(doc)
		if err != nil {
			continue
		}
		stored := doc.Clone()
		stored.ID = key
		m.records[key] = stored
		if rid := remoteIDOf(stored); rid != "" {
			m.byRemote[rid] = key
		}
	}
}

func (m *memoryIndex) GetRemoteSeq(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq, nil
}

func (m *memoryIndex) SetRemoteSeq(ctx context.Context, seq string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.seq
	m.seq = seq
	if err := m.saveLocked(); err != nil {
		m.seq = prev
		return err
	}
	return nil
}

func (m *memoryIndex) ByRemoteIDMaybe(ctx context.Context, remoteID string) (*metadata.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byRemote[strings.TrimSpace(remoteID)]
	if !ok {
		return nil, nil
	}
	return m.records[key].Clone(), nil
}

func (m *memoryIndex) ByPathMaybe(ctx context.Context, p string) (*metadata.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[metadata.ID(p)].Clone(), nil
}

func (m *memoryIndex) Put(ctx context.Context, doc *metadata.Metadata) error {
	key, err := recordKey(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rid := remoteIDOf(doc)
	if rid != "" {
		if owner, ok := m.byRemote[rid]; ok && owner != key {
			return ErrDuplicateRemoteID
		}
	}
	prev := m.records[key]
	stored := doc.Clone()
	stored.ID = key
	m.records[key] = stored
	m.reindexLocked(key, prev, stored)
	if err := m.saveLocked(); err != nil {
		if prev == nil {
			delete(m.records, key)
		} else {
			m.records[key] = prev
		}
		m.reindexLocked(key, stored, prev)
		return err
	}
	return nil
}

func (m *memoryIndex) Delete(ctx context.Context, doc *metadata.Metadata) error {
	key, err := recordKey(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.records[key]
	if !ok {
		return nil
	}
	delete(m.records, key)
	m.reindexLocked(key, prev, nil)
	if err := m.saveLocked(); err != nil {
		m.records[key] = prev
		m.reindexLocked(key, nil, prev)
		return err
	}
	return nil
}

func (m *memoryIndex) All(ctx context.Context) ([]*metadata.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked(), nil
}

func (m *memoryIndex) Close() error {
	return nil
}

func (m *memoryIndex) reindexLocked(key string, before, after *metadata.Metadata) {
	if rid := remoteIDOf(before); rid != "" && m.byRemote[rid] == key {
		delete(m.byRemote, rid)
	}
	if rid := remoteIDOf(after); rid != "" {
		m.byRemote[rid] = key
	}
}

func (m *memoryIndex) sortedLocked() []*metadata.Metadata {
	out := make([]*metadata.Metadata, 0, len(m.records))
	for _, doc := range m.records {
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memoryIndex) saveLocked() error {
	if m.persist == nil {
		return nil
	}
	return m.persist(snapshot{RemoteSeq: m.seq, Records: m.sortedLocked()})
}
