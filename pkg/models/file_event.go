package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FileEventKind classifies a filesystem change.
type FileEventKind string

const (
	FileCreated  FileEventKind = "created"
	FileModified FileEventKind = "modified"
	FileDeleted  FileEventKind = "deleted"
	FileMoved    FileEventKind = "moved"
)

// FileEvent is one filesystem observation emitted by the watcher.
// DestPath is set iff Kind == FileMoved; NewFileEvent enforces this.
type FileEvent struct {
	EventID     string        `json:"event_id"`
	Kind        FileEventKind `json:"kind"`
	SrcPath     string        `json:"src_path"`
	DestPath    string        `json:"dest_path,omitempty"`
	IsDirectory bool          `json:"is_directory"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// NewFileEvent constructs a FileEvent with a fresh event id and the
// detection timestamp, validating the moved/dest_path invariant.
func NewFileEvent(kind FileEventKind, srcPath, destPath string, isDir bool) (FileEvent, error) {
	if kind == FileMoved && destPath == "" {
		return FileEvent{}, fmt.Errorf("file event: kind %q requires dest_path", kind)
	}
	if kind != FileMoved && destPath != "" {
		return FileEvent{}, fmt.Errorf("file event: kind %q forbids dest_path", kind)
	}
	return FileEvent{
		EventID:     uuid.New().String(),
		Kind:        kind,
		SrcPath:     srcPath,
		DestPath:    destPath,
		IsDirectory: isDir,
		DetectedAt:  time.Now().UTC(),
	}, nil
}
