package engine

import (
	"regexp"
	"strings"

	"github.com/MrWong99/fabula/internal/story"
)

// speakerTag matches a leading `<Name>: ` speaker prefix in generated text.
var speakerTag = regexp.MustCompile(`^<([^>]+)>:\s?(.*)`)

// attribute resolves who a generated line belongs to. A leading speaker tag
// naming a non-human cast member attributes the remainder of the line to that
// character. A missing or unrecognised tag attributes the full text, verbatim,
// to the narrator.
func attribute(text string, cast []story.Character, humanCharID int64) (charID int64, line string) {
	m := speakerTag.FindStringSubmatch(text)
	if m == nil || strings.TrimSpace(m[2]) == "" {
		return story.NarratorID, text
	}

	name := m[1]
	for _, c := range cast {
		if c.Name == name && c.ID != humanCharID && c.ID != story.NarratorID {
			return c.ID, strings.TrimSpace(m[2])
		}
	}
	return story.NarratorID, text
}
