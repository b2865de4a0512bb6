// Package bus defines the per-story publish/subscribe channel used to push
// turn-engine state to observers: a busy flag, the last failure reason, and
// the token stream of an in-flight generation.
//
// Topics are broadcast, multiple-reader-safe, and carry no persistence
// guarantee. A reconnecting subscriber must fetch current state separately;
// only the busy flag has a snapshot, held in a perishable lease key that the
// turn engine refreshes while a turn is running so that a crashed process
// cannot leave a story looking busy forever.
package bus

import (
	"context"
	"time"
)

// Status is a single update on a story's status topic. Nil fields were not
// part of the update.
type Status struct {
	// Busy reports whether a turn is currently in flight.
	Busy *bool `json:"busy,omitempty"`

	// Reason is the last failure reason. A non-nil pointer to an empty string
	// means the reason was cleared.
	Reason *string `json:"reason,omitempty"`
}

// TokenEvent is a single generated token republished while a language-model
// call is in flight. MessageID is the id the finished message will carry.
type TokenEvent struct {
	MessageID int64  `json:"messageId"`
	Token     string `json:"token"`
}

// Bus is the per-story pub/sub channel. Implementations must be safe for
// concurrent use. Delivery order is preserved within a topic but not across
// topics; slow subscribers may miss updates.
type Bus interface {
	// SetBusy writes the busy lease. A non-zero ttl makes the flag perish on
	// its own; the turn engine refreshes it periodically while working.
	SetBusy(ctx context.Context, storyID string, busy bool, ttl time.Duration) error

	// Busy reads the current busy lease.
	Busy(ctx context.Context, storyID string) (bool, error)

	// PublishBusy broadcasts a busy transition on the story's status topic.
	PublishBusy(ctx context.Context, storyID string, busy bool) error

	// PublishReason broadcasts a failure reason on the story's status topic.
	// An empty reason clears a previously published one.
	PublishReason(ctx context.Context, storyID string, reason string) error

	// PublishToken broadcasts one generated token on the story's token topic.
	PublishToken(ctx context.Context, storyID string, ev TokenEvent) error

	// SubscribeStatus returns a channel of status updates for the story. The
	// current busy snapshot is emitted first. The returned stop function must
	// be called to free the subscription; no further events are delivered
	// after stop or after ctx is cancelled, and implementations may close the
	// channel.
	SubscribeStatus(ctx context.Context, storyID string) (<-chan Status, func(), error)

	// SubscribeTokens returns a channel of token events for the story.
	SubscribeTokens(ctx context.Context, storyID string) (<-chan TokenEvent, func(), error)
}
