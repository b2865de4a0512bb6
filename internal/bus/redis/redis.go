// Package redis implements the bus.Bus on Redis pub/sub, letting every
// process in a deployment observe turns advanced by any other process.
//
// Key and channel layout, relative to the configured prefix:
//
//	story:<id>:busy                  busy lease key and status channel
//	story:<id>:reason                failure reason channel
//	story:<id>:messageToken:<msgId>  token channel, one per generated message
//
// Token subscribers use a pattern subscription over messageToken:* because
// the message id is not known before the turn that produces it starts.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/fabula/internal/bus"
)

// subscriberBuffer is the channel capacity handed to each subscriber.
const subscriberBuffer = 64

// Bus implements bus.Bus over a Redis client.
type Bus struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ bus.Bus = (*Bus)(nil)

// NewBus wraps an already-connected Redis client. The prefix is prepended to
// every key and channel name and may be empty.
func NewBus(rdb redis.UniversalClient, prefix string) *Bus {
	return &Bus{rdb: rdb, prefix: prefix}
}

func (b *Bus) busyKey(storyID string) string {
	return fmt.Sprintf("%sstory:%s:busy", b.prefix, storyID)
}

func (b *Bus) reasonChannel(storyID string) string {
	return fmt.Sprintf("%sstory:%s:reason", b.prefix, storyID)
}

func (b *Bus) tokenPattern(storyID string) string {
	return fmt.Sprintf("%sstory:%s:messageToken:*", b.prefix, storyID)
}

func (b *Bus) tokenChannel(storyID string, messageID int64) string {
	return fmt.Sprintf("%sstory:%s:messageToken:%d", b.prefix, storyID, messageID)
}

// SetBusy implements bus.Bus. The lease lives in the busy key itself; a
// positive ttl lets Redis expire it if the engine stops refreshing.
func (b *Bus) SetBusy(ctx context.Context, storyID string, busy bool, ttl time.Duration) error {
	key := b.busyKey(storyID)
	if !busy {
		if err := b.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("bus: clear busy lease: %w", err)
		}
		return nil
	}
	if err := b.rdb.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("bus: set busy lease: %w", err)
	}
	return nil
}

// Busy implements bus.Bus.
func (b *Bus) Busy(ctx context.Context, storyID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.busyKey(storyID)).Result()
	if err != nil {
		return false, fmt.Errorf("bus: read busy lease: %w", err)
	}
	return n > 0, nil
}

// PublishBusy implements bus.Bus. Busy transitions share a channel with the
// lease key name.
func (b *Bus) PublishBusy(ctx context.Context, storyID string, busy bool) error {
	payload := "0"
	if busy {
		payload = "1"
	}
	if err := b.rdb.Publish(ctx, b.busyKey(storyID), payload).Err(); err != nil {
		return fmt.Errorf("bus: publish busy: %w", err)
	}
	return nil
}

// PublishReason implements bus.Bus.
func (b *Bus) PublishReason(ctx context.Context, storyID string, reason string) error {
	if err := b.rdb.Publish(ctx, b.reasonChannel(storyID), reason).Err(); err != nil {
		return fmt.Errorf("bus: publish reason: %w", err)
	}
	return nil
}

// PublishToken implements bus.Bus.
func (b *Bus) PublishToken(ctx context.Context, storyID string, ev bus.TokenEvent) error {
	ch := b.tokenChannel(storyID, ev.MessageID)
	if err := b.rdb.Publish(ctx, ch, ev.Token).Err(); err != nil {
		return fmt.Errorf("bus: publish token: %w", err)
	}
	return nil
}

// SubscribeStatus implements bus.Bus. It subscribes to the busy and reason
// channels and emits the current busy lease as the first update. The lease is
// read only after the subscription is confirmed, so a transition between the
// read and the subscribe cannot slip past unseen.
func (b *Bus) SubscribeStatus(ctx context.Context, storyID string) (<-chan bus.Status, func(), error) {
	busyCh := b.busyKey(storyID)
	reasonCh := b.reasonChannel(storyID)
	sub := b.rdb.Subscribe(ctx, busyCh, reasonCh)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("bus: subscribe status: %w", err)
	}

	busy, err := b.Busy(ctx, storyID)
	if err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan bus.Status, subscriberBuffer)
	snapshot := busy
	out <- bus.Status{Busy: &snapshot}

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var st bus.Status
			switch msg.Channel {
			case busyCh:
				v := msg.Payload == "1"
				st.Busy = &v
			case reasonCh:
				r := msg.Payload
				st.Reason = &r
			default:
				continue
			}
			select {
			case out <- st:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	context.AfterFunc(ctx, stop)
	return out, stop, nil
}

// SubscribeTokens implements bus.Bus using a pattern subscription so that
// tokens for messages created after the subscription are still delivered.
func (b *Bus) SubscribeTokens(ctx context.Context, storyID string) (<-chan bus.TokenEvent, func(), error) {
	sub := b.rdb.PSubscribe(ctx, b.tokenPattern(storyID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("bus: subscribe tokens: %w", err)
	}

	out := make(chan bus.TokenEvent, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			id, ok := messageIDFromChannel(msg.Channel)
			if !ok {
				continue
			}
			ev := bus.TokenEvent{MessageID: id, Token: msg.Payload}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	context.AfterFunc(ctx, stop)
	return out, stop, nil
}

// messageIDFromChannel extracts the trailing message id from a token channel
// name.
func messageIDFromChannel(channel string) (int64, bool) {
	i := strings.LastIndexByte(channel, ':')
	if i < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(channel[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
