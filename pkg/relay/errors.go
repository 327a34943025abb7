package relay

import (
	"context"
	"errors"
	"fmt"
)

// Stages of the relay pipeline. Every failure is reported under one of them.
const (
	StageFetch      = "network_error"
	StageCredential = "credential_error"
	StageProcess    = "processing_error"
	StageUpload     = "upload_error"
)

// ErrImageTooLarge indicates a payload exceeded the configured byte limit.
var ErrImageTooLarge = errors.New("image exceeds size limit")

// Error represents a stable, categorized relay failure.
type Error struct {
	Stage  string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" && e.Err == nil {
		return e.Stage
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Detail)
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Detail, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError creates a categorized relay error wrapping err.
func NewError(stage string, detail string, err error) error {
	return &Error{Stage: stage, Detail: detail, Err: err}
}

// StageFromError returns the pipeline stage for an error when available.
// Uncategorized errors count as network failures.
func StageFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Stage
	}

	return StageFetch
}

// IsTimeout reports whether err came from a deadline expiring.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
