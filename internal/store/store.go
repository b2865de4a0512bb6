// Package store defines persistence interfaces for stories, characters and
// the message log, plus the errors implementations return.
package store

import (
	"context"
	"errors"

	"github.com/MrWong99/fabula/internal/story"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// StoryStore persists stories and their turn state.
type StoryStore interface {
	// GetStory loads a story by id. Returns ErrNotFound if it does not exist.
	GetStory(ctx context.Context, id string) (*story.Story, error)

	// CreateStory inserts a new story. An empty s.ID is replaced with a
	// generated one; the stored story is returned.
	CreateStory(ctx context.Context, s *story.Story) (*story.Story, error)

	// SetReason records the story's sticky failure reason. An empty reason
	// clears it.
	SetReason(ctx context.Context, id string, reason string) error

	// SetTurn moves the story's turn pointer to the given character.
	SetTurn(ctx context.Context, id string, charID int64) error

	// CommitCompaction atomically replaces the story's rolling summary and
	// advances its checkpoint to the given message id.
	CommitCompaction(ctx context.Context, id string, summary string, checkpoint int64) error
}

// MessageLog persists the append-only per-story message history.
type MessageLog interface {
	// ReserveMessageID allocates the id the next appended message will carry,
	// so it can be announced while the message body is still streaming.
	ReserveMessageID(ctx context.Context) (int64, error)

	// Append stores a message. If m.ID is zero an id is assigned; otherwise
	// the reserved id is used. Returns the stored id.
	Append(ctx context.Context, m *story.Message) (int64, error)

	// Buffer returns the story's messages with id greater than sinceID, in
	// ascending id order.
	Buffer(ctx context.Context, storyID string, sinceID int64) ([]story.Message, error)

	// BufferTokenSum returns the total token length of the story's messages
	// with id greater than sinceID.
	BufferTokenSum(ctx context.Context, storyID string, sinceID int64) (int, error)

	// List returns up to limit most recent messages of the story, in
	// ascending id order. A non-positive limit returns all of them.
	List(ctx context.Context, storyID string, limit int) ([]story.Message, error)
}

// CharacterStore persists characters.
type CharacterStore interface {
	// Characters loads the given characters, in the given order. Returns
	// ErrNotFound if any id is missing.
	Characters(ctx context.Context, ids []int64) ([]story.Character, error)

	// CreateCharacter inserts a new character and returns it with its id
	// assigned.
	CreateCharacter(ctx context.Context, c *story.Character) (*story.Character, error)
}

// Store bundles the persistence interfaces a turn engine needs.
type Store interface {
	StoryStore
	MessageLog
	CharacterStore
}
