// Package metadata holds the local replica's view of a synchronized entity.
package metadata

import (
	"path"
	"strings"
	"time"
)

type DocType string

const (
	File   DocType = "file"
	Folder DocType = "folder"
)

type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// RemoteInfo is the embedded copy of the remote identity a record was last
// reconciled against.
type RemoteInfo struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev"`
}

// Metadata is a LocalRecord: the last-known local state of one file or folder.
type Metadata struct {
	ID                string            `json:"_id"`
	Path              string            `json:"path"`
	DocType           DocType           `json:"docType"`
	MD5Sum            string            `json:"md5sum,omitempty"`
	Size              int64             `json:"size,omitempty"`
	Executable        bool              `json:"executable,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at,omitempty"`
	Trashed           bool              `json:"trashed,omitempty"`
	Deleted           bool              `json:"deleted,omitempty"`
	Remote            *RemoteInfo       `json:"remote,omitempty"`
	Sides             map[Side]int      `json:"sides,omitempty"`
	Incompatibilities []Incompatibility `json:"incompatibilities,omitempty"`
}

// ID returns the index key for a replica path.
func ID(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	return p
}

func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	if m.Remote != nil {
		remote := *m.Remote
		out.Remote = &remote
	}
	if m.Sides != nil {
		out.Sides = make(map[Side]int, len(m.Sides))
		for side, n := range m.Sides {
			out.Sides[side] = n
		}
	}
	if m.Incompatibilities != nil {
		out.Incompatibilities = append([]Incompatibility(nil), m.Incompatibilities...)
	}
	return &out
}

// Dissociated returns a copy without its remote link, keeping every other
// attribute so the entity survives under its current path.
func (m *Metadata) Dissociated() *Metadata {
	out := m.Clone()
	if out == nil {
		return nil
	}
	out.Remote = nil
	if out.Sides != nil {
		delete(out.Sides, SideRemote)
		if len(out.Sides) == 0 {
			out.Sides = nil
		}
	}
	return out
}

// MarkSide returns a copy of m recording that side has the newest version.
// Counters from prev are carried over.
func (m *Metadata) MarkSide(side Side, prev *Metadata) *Metadata {
	out := m.Clone()
	if out == nil {
		return nil
	}
	sides := map[Side]int{}
	if prev != nil {
		for s, n := range prev.Sides {
			sides[s] = n
		}
	}
	sides[side] = maxSide(sides) + 1
	out.Sides = sides
	return out
}

// IsUpToDate reports whether side holds the newest version of the record.
func (m *Metadata) IsUpToDate(side Side) bool {
	if m == nil || len(m.Sides) == 0 {
		return false
	}
	return m.Sides[side] == maxSide(m.Sides)
}

// RemoteRev returns the remote revision the record was reconciled against.
func (m *Metadata) RemoteRev() string {
	if m == nil || m.Remote == nil {
		return ""
	}
	return m.Remote.Rev
}

func (m *Metadata) IsFolder() bool {
	return m != nil && m.DocType == Folder
}

func maxSide(sides map[Side]int) int {
	out := 0
	for _, n := range sides {
		if n > out {
			out = n
		}
	}
	return out
}
