package engine

import (
	"testing"

	"github.com/MrWong99/fabula/internal/story"
)

func TestAttribute(t *testing.T) {
	cast := []story.Character{
		{ID: story.NarratorID, Name: "Narrator"},
		{ID: 1, Name: "Alice"},
		{ID: 2, Name: "Mary Jane"},
	}
	const humanID = 1

	tests := []struct {
		name     string
		text     string
		wantChar int64
		wantLine string
	}{
		{
			name:     "known speaker tag",
			text:     "<Mary Jane>: Hello! [Mary waves.]",
			wantChar: 2,
			wantLine: "Hello! [Mary waves.]",
		},
		{
			name:     "unknown speaker falls back to narrator verbatim",
			text:     "<Bob>: Hello!",
			wantChar: story.NarratorID,
			wantLine: "<Bob>: Hello!",
		},
		{
			name:     "no tag falls back to narrator verbatim",
			text:     "[The wind howls through the trees.]",
			wantChar: story.NarratorID,
			wantLine: "[The wind howls through the trees.]",
		},
		{
			name:     "human name is never attributed",
			text:     "<Alice>: I say my own line.",
			wantChar: story.NarratorID,
			wantLine: "<Alice>: I say my own line.",
		},
		{
			name:     "tag with empty body falls back to narrator",
			text:     "<Mary Jane>: ",
			wantChar: story.NarratorID,
			wantLine: "<Mary Jane>: ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			charID, line := attribute(tt.text, cast, humanID)
			if charID != tt.wantChar || line != tt.wantLine {
				t.Errorf("attribute(%q) = (%d, %q), want (%d, %q)",
					tt.text, charID, line, tt.wantChar, tt.wantLine)
			}
		})
	}
}
