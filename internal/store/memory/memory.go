// Package memory implements the store interfaces in process memory. It backs
// unit tests that exercise the turn engine without a database.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/fabula/internal/store"
	"github.com/MrWong99/fabula/internal/story"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store holds everything in maps guarded by one mutex.
type Store struct {
	mu         sync.Mutex
	stories    map[string]*story.Story
	characters map[int64]story.Character
	messages   []story.Message
	nextMsgID  int64
	nextCharID int64
	nextStory  int64
}

// NewStore creates an empty Store with the narrator character pre-seeded.
func NewStore() *Store {
	s := &Store{
		stories:    make(map[string]*story.Story),
		characters: make(map[int64]story.Character),
		nextMsgID:  1,
		nextCharID: 1,
	}
	s.characters[story.NarratorID] = story.Character{
		ID:        story.NarratorID,
		Name:      "Narrator",
		CreatedAt: time.Now(),
	}
	return s
}

// GetStory implements [store.StoryStore].
func (s *Store) GetStory(_ context.Context, id string) (*story.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	cp.CastIDs = append([]int64(nil), st.CastIDs...)
	return &cp, nil
}

// CreateStory implements [store.StoryStore].
func (s *Store) CreateStory(_ context.Context, st *story.Story) (*story.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == "" {
		s.nextStory++
		st.ID = fmt.Sprintf("story-%d", s.nextStory)
	}
	if st.TurnCharID == 0 {
		st.TurnCharID = st.HumanCharID
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	st.CreatedAt = time.Now()
	cp := *st
	cp.CastIDs = append([]int64(nil), st.CastIDs...)
	s.stories[st.ID] = &cp
	return st, nil
}

// SetReason implements [store.StoryStore].
func (s *Store) SetReason(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[id]
	if !ok {
		return store.ErrNotFound
	}
	st.Reason = reason
	return nil
}

// SetTurn implements [store.StoryStore].
func (s *Store) SetTurn(_ context.Context, id string, charID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[id]
	if !ok {
		return store.ErrNotFound
	}
	st.TurnCharID = charID
	return nil
}

// CommitCompaction implements [store.StoryStore].
func (s *Store) CommitCompaction(_ context.Context, id string, summary string, checkpoint int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[id]
	if !ok {
		return store.ErrNotFound
	}
	st.Summary = summary
	st.Checkpoint = checkpoint
	return nil
}

// ReserveMessageID implements [store.MessageLog].
func (s *Store) ReserveMessageID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextMsgID
	s.nextMsgID++
	return id, nil
}

// Append implements [store.MessageLog].
func (s *Store) Append(_ context.Context, m *story.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.nextMsgID
		s.nextMsgID++
	}
	m.CreatedAt = time.Now()
	s.messages = append(s.messages, *m)
	return m.ID, nil
}

// Buffer implements [store.MessageLog].
func (s *Store) Buffer(_ context.Context, storyID string, sinceID int64) ([]story.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []story.Message
	for _, m := range s.messages {
		if m.StoryID == storyID && m.ID > sinceID {
			out = append(out, m)
		}
	}
	return out, nil
}

// BufferTokenSum implements [store.MessageLog].
func (s *Store) BufferTokenSum(_ context.Context, storyID string, sinceID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0
	for _, m := range s.messages {
		if m.StoryID == storyID && m.ID > sinceID {
			sum += m.TokenLength
		}
	}
	return sum, nil
}

// List implements [store.MessageLog].
func (s *Store) List(ctx context.Context, storyID string, limit int) ([]story.Message, error) {
	msgs, err := s.Buffer(ctx, storyID, 0)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Characters implements [store.CharacterStore].
func (s *Store) Characters(_ context.Context, ids []int64) ([]story.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]story.Character, 0, len(ids))
	for _, id := range ids {
		c, ok := s.characters[id]
		if !ok {
			return nil, fmt.Errorf("character %d: %w", id, store.ErrNotFound)
		}
		out = append(out, c)
	}
	return out, nil
}

// CreateCharacter implements [store.CharacterStore].
func (s *Store) CreateCharacter(_ context.Context, c *story.Character) (*story.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextCharID
	s.nextCharID++
	c.CreatedAt = time.Now()
	s.characters[c.ID] = *c
	return c, nil
}
