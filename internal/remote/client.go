package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaywatch/internal/metadata"
)

var (
	// ErrBadRequest marks a rejected request, typically a stale or invalid
	// change-feed cursor. Callers must not retry it with the same cursor.
	ErrBadRequest      = errors.New("bad request")
	ErrInvalidDocument = errors.New("invalid remote document")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string

	retryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrBadRequest && e.StatusCode == 400
}

type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

func (k Kind) Supported() bool {
	return k == KindFile || k == KindDirectory
}

// Document is the remote state of one file or directory at fetch time.
type Document struct {
	ID         string    `json:"_id"`
	Rev        string    `json:"_rev"`
	Type       Kind      `json:"type,omitempty"`
	Name       string    `json:"name,omitempty"`
	DirID      string    `json:"dir_id,omitempty"`
	Path       string    `json:"path,omitempty"`
	MD5Sum     string    `json:"md5sum,omitempty"`
	Size       int64     `json:"size,omitempty"`
	Executable bool      `json:"executable,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
	Trashed    bool      `json:"trashed,omitempty"`
	Deleted    bool      `json:"_deleted,omitempty"`
}

// Metadata converts the document into the local record shape. Remote paths
// are absolute; local ones are relative to the replica root.
func (d *Document) Metadata() *metadata.Metadata {
	if d == nil {
		return nil
	}
	docType := metadata.File
	if d.Type == KindDirectory {
		docType = metadata.Folder
	}
	p := strings.TrimPrefix(d.Path, "/")
	doc := &metadata.Metadata{
		ID:         metadata.ID(p),
		Path:       p,
		DocType:    docType,
		Size:       d.Size,
		Executable: d.Executable,
		UpdatedAt:  d.UpdatedAt,
		Trashed:    d.Trashed,
		Deleted:    d.Deleted,
		Remote:     &metadata.RemoteInfo{ID: d.ID, Rev: d.Rev},
	}
	if docType == metadata.File {
		doc.MD5Sum = d.MD5Sum
	}
	if len(d.Tags) > 0 {
		doc.Tags = append([]string(nil), d.Tags...)
	}
	return doc
}

// ChangeBatch is one reconciliation unit: the ids changed since a cursor and
// the cursor that covers them.
type ChangeBatch struct {
	LastSeq string
	IDs     []string
}

// ChangeFeed is the remote side consumed by the reconciliation loop.
type ChangeFeed interface {
	Changes(ctx context.Context, since string) (ChangeBatch, error)
	// FindMaybe returns nil without error when the document is gone.
	FindMaybe(ctx context.Context, id string) (*Document, error)
}

func decodeDocument(raw []byte, validator *DocumentValidator) (*Document, error) {
	if validator != nil {
		if err := validator.Validate(raw); err != nil {
			return nil, err
		}
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}

func isDesignDoc(id string) bool {
	return strings.HasPrefix(id, "_design/")
}

// tombstones remembers the deletion revisions reported by the last feed page
// so a purged document can still be reported as deleted.
type tombstones struct {
	mu   sync.Mutex
	revs map[string]string
}

func (t *tombstones) remember(revs map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.revs = revs
}

func (t *tombstones) lookup(id string) (*Document, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rev, ok := t.revs[id]
	if !ok {
		return nil, false
	}
	return &Document{ID: id, Rev: rev, Deleted: true}, true
}

// idSet keeps changed ids unique, in first-seen order.
type idSet struct {
	seen map[string]struct{}
	ids  []string
}

func (s *idSet) add(id string) {
	id = strings.TrimSpace(id)
	if id == "" || isDesignDoc(id) {
		return
	}
	if s.seen == nil {
		s.seen = map[string]struct{}{}
	}
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.ids = append(s.ids, id)
}
