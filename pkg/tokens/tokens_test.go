package tokens

import (
	"testing"

	"github.com/tiktoken-go/tokenizer"
)

func TestEncodingForModel(t *testing.T) {
	tests := []struct {
		model string
		want  tokenizer.Encoding
	}{
		{"gpt-3.5-turbo-0301", tokenizer.Cl100kBase},
		{"gpt-4", tokenizer.Cl100kBase},
		{"gpt-4o-mini", tokenizer.O200kBase},
		{"o3-mini", tokenizer.O200kBase},
		{"text-davinci-003", tokenizer.P50kBase},
		{"some-local-model", tokenizer.R50kBase},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := encodingForModel(tt.model); got != tt.want {
				t.Errorf("encodingForModel(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestCodec_Count(t *testing.T) {
	c, err := ForModel("gpt-3.5-turbo")
	if err != nil {
		t.Fatalf("ForModel: %v", err)
	}

	n, err := c.Count("Hello, world!")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n == 0 {
		t.Error("expected non-zero token count")
	}

	empty, err := c.Count("")
	if err != nil {
		t.Fatalf("Count empty: %v", err)
	}
	if empty != 0 {
		t.Errorf("expected 0 tokens for empty string, got %d", empty)
	}
}

func TestCodec_CountMessages(t *testing.T) {
	c, err := ForModel("gpt-4")
	if err != nil {
		t.Fatalf("ForModel: %v", err)
	}

	single, err := c.Count("a line of text")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	total, err := c.CountMessages([]string{"a line of text", "a line of text"})
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if total <= 2*single {
		t.Errorf("expected per-message overhead on top of %d raw tokens, got %d", 2*single, total)
	}
}
