package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks input rejected at submission; it never enters the pipeline.
	ErrValidation = errors.New("validation failed")
	// ErrBatchTooLarge is a validation failure on file count or aggregate size.
	ErrBatchTooLarge = fmt.Errorf("%w: batch too large", ErrValidation)
	// ErrModelUnavailable is a transient model failure (timeout, transport, overload).
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelRejected means the model service explicitly declined the input.
	ErrModelRejected = errors.New("model rejected input")
	// ErrStorage is an artifact I/O failure.
	ErrStorage = errors.New("storage error")
	// ErrExtraction means a document or image could not be read.
	ErrExtraction = errors.New("extraction failed")
	// ErrNotFound is returned for unknown tasks, files and artifacts.
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrModelUnavailable)
}

// FileIssue describes why one uploaded file was rejected.
type FileIssue struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// ValidationError collects every per-file problem of a rejected batch.
type ValidationError struct {
	Issues []FileIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Filename, issue.Reason))
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
