// Package memory implements the bus.Bus in process memory. It backs unit
// tests and single-node deployments without a Redis instance.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/fabula/internal/bus"
)

// subscriberBuffer is the channel capacity per subscriber. A subscriber that
// falls further behind than this drops updates rather than blocking the
// publisher.
const subscriberBuffer = 64

type busyLease struct {
	busy    bool
	expires time.Time // zero means no expiry
}

// Bus implements bus.Bus with in-process subscriber channels.
// All methods are safe for concurrent use.
type Bus struct {
	mu         sync.Mutex
	busy       map[string]busyLease
	statusSubs map[string]map[int]chan bus.Status
	tokenSubs  map[string]map[int]chan bus.TokenEvent
	nextSubID  int

	// now is swappable for lease-expiry tests.
	now func() time.Time
}

// Compile-time interface check.
var _ bus.Bus = (*Bus)(nil)

// NewBus creates an empty in-memory Bus.
func NewBus() *Bus {
	return &Bus{
		busy:       make(map[string]busyLease),
		statusSubs: make(map[string]map[int]chan bus.Status),
		tokenSubs:  make(map[string]map[int]chan bus.TokenEvent),
		now:        time.Now,
	}
}

// SetBusy implements bus.Bus.
func (b *Bus) SetBusy(_ context.Context, storyID string, busy bool, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	lease := busyLease{busy: busy}
	if ttl > 0 {
		lease.expires = b.now().Add(ttl)
	}
	b.busy[storyID] = lease
	return nil
}

// Busy implements bus.Bus. An expired lease reads as not busy.
func (b *Bus) Busy(_ context.Context, storyID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busyLocked(storyID), nil
}

// busyLocked reads the lease. Callers must hold b.mu.
func (b *Bus) busyLocked(storyID string) bool {
	lease, ok := b.busy[storyID]
	if !ok {
		return false
	}
	if !lease.expires.IsZero() && b.now().After(lease.expires) {
		return false
	}
	return lease.busy
}

// PublishBusy implements bus.Bus.
func (b *Bus) PublishBusy(_ context.Context, storyID string, busy bool) error {
	v := busy
	b.broadcastStatus(storyID, bus.Status{Busy: &v})
	return nil
}

// PublishReason implements bus.Bus.
func (b *Bus) PublishReason(_ context.Context, storyID string, reason string) error {
	r := reason
	b.broadcastStatus(storyID, bus.Status{Reason: &r})
	return nil
}

// PublishToken implements bus.Bus.
func (b *Bus) PublishToken(_ context.Context, storyID string, ev bus.TokenEvent) error {
	b.mu.Lock()
	subs := b.tokenSubs[storyID]
	channels := make([]chan bus.TokenEvent, 0, len(subs))
	for _, ch := range subs {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- ev:
		default: // drop for slow subscribers
		}
	}
	return nil
}

// SubscribeStatus implements bus.Bus. The current busy snapshot is placed on
// the channel before any update.
func (b *Bus) SubscribeStatus(ctx context.Context, storyID string) (<-chan bus.Status, func(), error) {
	// The snapshot is enqueued under the same lock that registers the
	// channel, so no broadcast can land ahead of it.
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan bus.Status, subscriberBuffer)
	snapshot := b.busyLocked(storyID)
	ch <- bus.Status{Busy: &snapshot}
	if b.statusSubs[storyID] == nil {
		b.statusSubs[storyID] = make(map[int]chan bus.Status)
	}
	b.statusSubs[storyID][id] = ch
	b.mu.Unlock()

	stop := b.stopStatusFunc(storyID, id)
	context.AfterFunc(ctx, stop)
	return ch, stop, nil
}

// SubscribeTokens implements bus.Bus.
func (b *Bus) SubscribeTokens(ctx context.Context, storyID string) (<-chan bus.TokenEvent, func(), error) {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan bus.TokenEvent, subscriberBuffer)
	if b.tokenSubs[storyID] == nil {
		b.tokenSubs[storyID] = make(map[int]chan bus.TokenEvent)
	}
	b.tokenSubs[storyID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.tokenSubs[storyID], id)
			b.mu.Unlock()
		})
	}
	context.AfterFunc(ctx, stop)
	return ch, stop, nil
}

func (b *Bus) broadcastStatus(storyID string, st bus.Status) {
	b.mu.Lock()
	subs := b.statusSubs[storyID]
	channels := make([]chan bus.Status, 0, len(subs))
	for _, ch := range subs {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- st:
		default: // drop for slow subscribers
		}
	}
}

func (b *Bus) stopStatusFunc(storyID string, id int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.statusSubs[storyID], id)
			b.mu.Unlock()
		})
	}
}
