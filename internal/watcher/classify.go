package watcher

import (
	"strings"

	"github.com/agentworkforce/relaywatch/internal/metadata"
	"github.com/agentworkforce/relaywatch/internal/remote"
)

// DefaultTrashDir is the top-level remote directory holding trashed entities.
const DefaultTrashDir = ".cozy_trash"

type DecisionKind int

const (
	Ignore DecisionKind = iota
	Delete
	Trash
	Add
	UpToDate
	Restore
	Update
	Move
	// Recreate deletes the previous record, then adds the new one.
	Recreate
	// Dissociate unlinks the previous record from its remote id, then adds
	// the new one. The unlinked record keeps its path.
	Dissociate
)

var decisionNames = [...]string{
	Ignore:     "ignore",
	Delete:     "delete",
	Trash:      "trash",
	Add:        "add",
	UpToDate:   "up_to_date",
	Restore:    "restore",
	Update:     "update",
	Move:       "move",
	Recreate:   "recreate",
	Dissociate: "dissociate",
}

func (k DecisionKind) String() string {
	if k < 0 || int(k) >= len(decisionNames) {
		return "unknown"
	}
	return decisionNames[k]
}

// Decision is the single merge action chosen for one remote change.
type Decision struct {
	Kind   DecisionKind
	Doc    *metadata.Metadata
	Was    *metadata.Metadata
	Reason string
}

// Classify picks the merge action for doc given the record previously linked
// to the same remote id. It performs no I/O. kind is the remote entity kind;
// tombstones usually carry none and inherit the type of was.
func Classify(doc, was *metadata.Metadata, kind remote.Kind, trashDir string) Decision {
	if doc == nil {
		return Decision{Kind: Ignore, Was: was, Reason: "is gone remotely"}
	}
	if doc.Deleted && kind == "" && was != nil {
		doc = doc.Clone()
		doc.DocType = was.DocType
		kind = remote.KindFile
		if was.IsFolder() {
			kind = remote.KindDirectory
		}
	}
	d := Decision{Doc: doc, Was: was}

	switch {
	case !kind.Supported() && !(doc.Deleted && kind == ""):
		d.Kind, d.Reason = Ignore, "has an unsupported kind"
	case doc.Deleted && was == nil:
		d.Kind, d.Reason = Ignore, "was created, trashed, and removed remotely"
	case doc.Deleted:
		d.Kind, d.Reason = Delete, "was deleted remotely"
	// InTrash matches the whole first segment, so ".cozy_trash_old/x" is live.
	case InTrash(doc, trashDir) && was == nil:
		d.Kind, d.Reason = Ignore, "was created and trashed remotely"
	case InTrash(doc, trashDir):
		d.Kind, d.Reason = Trash, "was trashed remotely"
	case was == nil:
		d.Kind, d.Reason = Add, "was added remotely"
	case was.RemoteRev() == doc.RemoteRev():
		d.Kind, d.Reason = UpToDate, "is up-to-date"
	case was.Trashed:
		d.Kind, d.Reason = Restore, "was restored remotely"
	case was.Path == doc.Path:
		d.Kind, d.Reason = Update, "was updated remotely"
	case kind == remote.KindFile && was.MD5Sum == doc.MD5Sum:
		d.Kind, d.Reason = Move, "was moved remotely"
	case kind == remote.KindDirectory:
		d.Kind, d.Reason = Recreate, "was possibly moved or renamed remotely"
	default:
		d.Kind, d.Reason = Dissociate, "was possibly renamed remotely while updated locally"
	}
	return d
}

// InTrash reports whether doc is trashed remotely. Some remote mutations move
// an entity under the trash directory without setting the flag.
func InTrash(doc *metadata.Metadata, trashDir string) bool {
	if doc == nil {
		return false
	}
	if doc.Trashed {
		return true
	}
	trashDir = strings.Trim(trashDir, "/")
	if trashDir == "" {
		return false
	}
	p := strings.TrimPrefix(strings.ReplaceAll(doc.Path, "\\", "/"), "/")
	first, _, _ := strings.Cut(p, "/")
	return first == trashDir
}
