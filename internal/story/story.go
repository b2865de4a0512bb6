// Package story defines the core domain types of the Fabula role-play engine:
// stories, characters, and the append-only message history.
//
// A story has a fixed cast of characters. Exactly one cast member is driven by
// a human; the rest are driven by the language-model backend. The narrator
// (character id 0) is an implicit cast member used when a generated line
// cannot be attributed to a named character.
package story

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// NarratorID is the reserved character id for the narrator. It is seeded by
// the database migration and must never be used for a playable character.
const NarratorID int64 = 0

// Character is a member of a story's cast. Characters are immutable once
// referenced by an active story.
type Character struct {
	// ID is the unique character identifier. Id 0 is reserved for the narrator.
	ID int64

	// Name is the in-world display name (e.g., "Mary Jane"). Speaker tags in
	// generated lines are matched against it verbatim.
	Name string

	// Bio is the public character sheet, visible in every prompt regardless of
	// who is speaking.
	Bio string

	// Personality is the private character sheet. It enters a prompt only when
	// this character is the one generating the next line, so other characters
	// never see it.
	Personality string

	CreatedAt time.Time
}

// Sheet returns the prompt text for this character: the full personality when
// the character is the acting speaker, the public bio otherwise.
func (c Character) Sheet(speaker bool) string {
	if speaker && c.Personality != "" {
		return c.Personality
	}
	return c.Bio
}

// Story is the durable per-story record. It is mutated only by the turn
// engine while that engine instance holds the story's lock.
type Story struct {
	// ID is the story's unique identifier.
	ID string

	// Name is the user-facing story title.
	Name string

	// OwnerID identifies the user who created the story and may advance it.
	OwnerID string

	// CastIDs is the ordered, fixed set of participating character ids.
	// It does not include the narrator.
	CastIDs []int64

	// HumanCharID is the cast member controlled by the human. Always an
	// element of CastIDs.
	HumanCharID int64

	// Setup is the scenario framing text. Unlike Fabula it is never replaced
	// by compaction: it enters every prompt and every summary revision, so
	// the scenario stays visible for the story's whole lifetime.
	Setup string

	// Fabula is the initial scenario seed text. It stands in for the rolling
	// summary until the first compaction produces one.
	Fabula string

	// Summary is the rolling summary of everything before Checkpoint. Each
	// compaction replaces it wholesale; it is never appended to.
	Summary string

	// Checkpoint is the message id separating summarised history from the
	// verbatim buffer. Zero means no compaction has happened yet.
	Checkpoint int64

	// TurnCharID is the character expected to produce the next line.
	TurnCharID int64

	// Reason is the last failure reason, sticky until the next successful
	// advancement clears it. Empty means no recorded failure.
	Reason string

	CreatedAt time.Time
}

// SummaryOrFabula returns the rolling summary, falling back to the fabula
// seed text when no summary exists yet.
func (s *Story) SummaryOrFabula() string {
	if s.Summary != "" {
		return s.Summary
	}
	return s.Fabula
}

// InCast reports whether charID is a member of the story's cast.
func (s *Story) InCast(charID int64) bool {
	return slices.Contains(s.CastIDs, charID)
}

// AICastIDs returns the cast members not controlled by the human, in cast order.
func (s *Story) AICastIDs() []int64 {
	ids := make([]int64, 0, len(s.CastIDs)-1)
	for _, id := range s.CastIDs {
		if id != s.HumanCharID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate checks the story invariants: at least two cast members, the human
// character is part of the cast, and the narrator is not listed explicitly.
func (s *Story) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("story id must not be empty"))
	}
	if len(s.CastIDs) < 2 {
		errs = append(errs, fmt.Errorf("cast must have at least 2 members, got %d", len(s.CastIDs)))
	}
	if !s.InCast(s.HumanCharID) {
		errs = append(errs, fmt.Errorf("human character %d is not in the cast", s.HumanCharID))
	}
	if s.InCast(NarratorID) {
		errs = append(errs, errors.New("narrator must not be listed in the cast"))
	}
	return errors.Join(errs...)
}

// Message is a single utterance in a story's append-only history. Messages
// are immutable after creation; ids are assigned by the message log and are
// strictly increasing within a story.
type Message struct {
	ID      int64
	StoryID string

	// CharID is the author. NarratorID for unattributed generated lines.
	CharID int64

	// Text is the utterance, a single line without newlines.
	Text string

	// TokenLength is the text's length in model tokens, computed once with
	// the model's tokenizer at append time and cached here. Readers must use
	// this value instead of re-tokenising.
	TokenLength int

	// TokenUsage is the backend's reported total token usage for the call
	// that produced this message. Zero for human-authored lines.
	TokenUsage int

	// EnergyUsage is the entitlement cost charged for this message.
	EnergyUsage int

	CreatedAt time.Time
}
