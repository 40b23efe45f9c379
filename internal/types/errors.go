package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for segmentation operations.
var (
	// ErrEventRequired indicates a call was made without an event context.
	ErrEventRequired = errors.New("event context is required")

	// ErrNotFound matches every *NotFoundError via errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrNoSavedSegment indicates a title-only refine without an active saved segment.
	ErrNoSavedSegment = errors.New("no saved segment is active")

	// ErrPromptCancelled indicates the prompt surface was dismissed without a prompt.
	ErrPromptCancelled = errors.New("prompt cancelled")
)

// EmptyPromptError is returned locally, before any network call, when a
// prompt is blank or whitespace-only.
type EmptyPromptError struct{}

func (e *EmptyPromptError) Error() string {
	return "prompt is empty"
}

// ValidationError indicates a payload was rejected as malformed, either
// locally before sending or by the backend.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %v", e.Err)
	}
	return fmt.Sprintf("validation failed: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// RequestError is any non-2xx backend response. Message is taken from the
// response body's "message" field when present. Transport failures carry
// StatusCode 0 and the underlying error in Err.
type RequestError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.StatusCode)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NotFoundError indicates a referenced entity does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match any NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
