// Package tokens provides exact token counting using the model's tiktoken
// vocabulary. The Fabula message log stores a token length per message,
// computed once at append time; this package is the single place where text
// meets the tokenizer.
package tokens

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts the tokens a piece of text occupies in the model's context
// window.
type Counter interface {
	Count(text string) (int, error)
}

// Codec wraps a tiktoken codec selected for a specific model. It is safe for
// concurrent use.
type Codec struct {
	codec tokenizer.Codec
}

// Compile-time interface check.
var _ Counter = (*Codec)(nil)

// ForModel returns a Codec using the tiktoken encoding appropriate for the
// given model name. GPT-3.5/GPT-4 era models map to cl100k_base, newer 4o/o-
// series models to o200k_base, legacy completion models to p50k_base, and
// anything unrecognised falls back to r50k_base.
func ForModel(model string) (*Codec, error) {
	enc := encodingForModel(model)
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("tokens: get codec %q for model %q: %w", enc, model, err)
	}
	return &Codec{codec: codec}, nil
}

// Count returns the number of tokens in text.
func (c *Codec) Count(text string) (int, error) {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("tokens: encode: %w", err)
	}
	return len(ids), nil
}

// CountMessages returns the summed token count of the given texts plus a
// fixed per-message overhead for role tags and separators.
func (c *Codec) CountMessages(texts []string) (int, error) {
	const perMessageOverhead = 4
	total := 0
	for _, t := range texts {
		n, err := c.Count(t)
		if err != nil {
			return 0, err
		}
		total += n + perMessageOverhead
	}
	return total, nil
}

func encodingForModel(model string) tokenizer.Encoding {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(lower, "gpt-4"), strings.HasPrefix(lower, "gpt-3.5-turbo"),
		strings.HasPrefix(lower, "text-embedding-ada-002"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(lower, "text-davinci-002"), strings.HasPrefix(lower, "text-davinci-003"):
		return tokenizer.P50kBase
	default:
		return tokenizer.R50kBase
	}
}
