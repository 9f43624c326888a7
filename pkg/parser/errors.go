package parser

import (
	"errors"
	"fmt"
)

// Sentinel errors for file-level failures. Callers use errors.Is.
var (
	// ErrEmptyFile means the file contained no valid transcript messages.
	ErrEmptyFile = errors.New("transcript file contains no valid messages")

	// ErrFileNotFound means the transcript file does not exist.
	ErrFileNotFound = errors.New("transcript file not found")

	// ErrPermissionDenied means the transcript file could not be read.
	ErrPermissionDenied = errors.New("transcript file permission denied")
)

// ParseError reports a malformed JSON transcript line.
type ParseError struct {
	Line int // 1-based line number, 0 when unknown
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports a transcript line that is valid JSON but
// violates the schema contract (missing or invalid field).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field %q %s", e.Field, e.Reason)
}

// FileProcessingError wraps I/O failures while reading a transcript file
// that are neither not-found nor permission errors.
type FileProcessingError struct {
	Path string
	Err  error
}

func (e *FileProcessingError) Error() string {
	return fmt.Sprintf("failed to process transcript %s: %v", e.Path, e.Err)
}

func (e *FileProcessingError) Unwrap() error { return e.Err }
