package engine

import (
	"errors"
	"fmt"
)

// Error kinds returned by [Engine.Advance]. The transport layer maps them to
// response codes; none of them are retried inside the engine.
var (
	// ErrNotFound means the story does not exist.
	ErrNotFound = errors.New("engine: story not found")

	// ErrForbidden means the caller does not own the story.
	ErrForbidden = errors.New("engine: not the story owner")

	// ErrBusy means the story's lock is held elsewhere. The caller decides
	// whether to retry.
	ErrBusy = errors.New("engine: story busy")

	// ErrPayloadTooLarge means the human utterance exceeds the input token
	// cap.
	ErrPayloadTooLarge = errors.New("engine: utterance exceeds input token limit")

	// ErrPreconditionFailed means the user lacks the entitlement or
	// credential needed to advance.
	ErrPreconditionFailed = errors.New("engine: precondition failed")
)

// UpstreamError is a language-model backend failure surfaced to the caller
// after retries were exhausted. It is also recorded as the story's sticky
// failure reason.
type UpstreamError struct {
	// Status is the upstream HTTP status code, or zero when the failure was
	// not an HTTP response (network error, mid-stream abort).
	Status int

	// Message is the upstream error text.
	Message string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("engine: upstream failure (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("engine: upstream failure: %s", e.Message)
}
