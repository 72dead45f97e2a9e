package remote

import (
	"errors"
	"testing"

	"github.com/agentworkforce/relaywatch/internal/metadata"
)

func TestDocumentMetadataConversion(t *testing.T) {
	dir := (&Document{ID: "d1", Rev: "1-a", Type: KindDirectory, Path: "/photos/2024", MD5Sum: "ignored"}).Metadata()
	if dir.DocType != metadata.Folder || dir.Path != "photos/2024" || dir.ID != "photos/2024" {
		t.Fatalf("unexpected folder metadata: %+v", dir)
	}
	if dir.MD5Sum != "" {
		t.Fatalf("expected folders to carry no content hash, got %q", dir.MD5Sum)
	}
	if dir.Remote == nil || dir.Remote.ID != "d1" || dir.Remote.Rev != "1-a" {
		t.Fatalf("expected remote info to be embedded, got %+v", dir.Remote)
	}

	file := (&Document{ID: "f1", Rev: "2-b", Type: KindFile, Path: "/a.txt", MD5Sum: "H1", Trashed: true, Tags: []string{"x"}}).Metadata()
	if file.DocType != metadata.File || file.MD5Sum != "H1" || !file.Trashed || len(file.Tags) != 1 {
		t.Fatalf("unexpected file metadata: %+v", file)
	}
}

func TestKindSupported(t *testing.T) {
	if !KindFile.Supported() || !KindDirectory.Supported() {
		t.Fatalf("expected file and directory kinds to be supported")
	}
	if Kind("io.cozy.notes").Supported() || Kind("").Supported() {
		t.Fatalf("expected other kinds to be unsupported")
	}
}

func TestDocumentValidator(t *testing.T) {
	validator, err := NewDocumentValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	valid := []string{
		`{"_id":"a","_rev":"1-a","type":"file","path":"/a","size":3}`,
		`{"_id":"a","_rev":"2-b","_deleted":true}`,
	}
	for _, raw := range valid {
		if err := validator.Validate([]byte(raw)); err != nil {
			t.Fatalf("expected %s to validate, got %v", raw, err)
		}
	}
	invalid := []string{
		`{"_rev":"1-a","type":"file","path":"/a"}`,
		`{"_id":"a","_rev":"1-a","path":"/a"}`,
		`{"_id":"a","_rev":"1-a","type":"file","path":""}`,
		`{"_id":"a","_rev":"1-a","type":"file","path":"/a","size":-1}`,
		`not json`,
	}
	for _, raw := range invalid {
		if err := validator.Validate([]byte(raw)); !errors.Is(err, ErrInvalidDocument) {
			t.Fatalf("expected %s to be rejected, got %v", raw, err)
		}
	}
}
