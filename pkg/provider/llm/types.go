package llm

import "fmt"

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name for multi-speaker contexts. The
	// turn engine sets it on user entries so the model can tell cast members
	// apart.
	Name string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// APIError is a provider-agnostic upstream API failure. Providers translate
// their SDK error types into APIError so that callers can inspect the HTTP
// status without importing the SDK.
type APIError struct {
	// StatusCode is the upstream HTTP status, or 0 when the failure happened
	// before a response was received (network error, timeout).
	StatusCode int

	// Message is the upstream error description.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("llm: upstream error: %s", e.Message)
	}
	return fmt.Sprintf("llm: upstream error (status %d): %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is worth retrying: rate limits,
// server-side errors, and connection failures. Client errors (invalid key,
// content policy, malformed request) are permanent.
func (e *APIError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
