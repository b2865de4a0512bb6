package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/fabula/internal/bus"
)

// TurnRegistry tracks the turns in flight in this process and owns their
// busy-lease heartbeats. It is an explicit object handed to the engine,
// never package-level state, so its lifetime is tied to the engine's owning
// scope and tests get isolated instances.
type TurnRegistry struct {
	mu    sync.Mutex
	turns map[string]*turn
}

// NewTurnRegistry creates an empty registry.
func NewTurnRegistry() *TurnRegistry {
	return &TurnRegistry{turns: make(map[string]*turn)}
}

// turn is one in-flight advancement's heartbeat handle.
type turn struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Active returns the number of turns currently in flight in this process.
func (r *TurnRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

// begin marks the story busy and starts a heartbeat goroutine that refreshes
// the perishable busy lease every interval. Callers must call the returned
// stop function when the turn ends; it clears the lease and publishes the
// busy=false transition.
func (r *TurnRegistry) begin(ctx context.Context, b bus.Bus, storyID string, interval, ttl time.Duration) (stop func()) {
	if err := b.SetBusy(ctx, storyID, true, ttl); err != nil {
		slog.Warn("failed to set busy lease", "story", storyID, "error", err)
	}
	if err := b.PublishBusy(ctx, storyID, true); err != nil {
		slog.Warn("failed to publish busy", "story", storyID, "error", err)
	}

	// The heartbeat must outlive ctx cancellation long enough to clean up,
	// so it runs on its own context.
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &turn{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.turns[storyID] = t
	r.mu.Unlock()

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := b.SetBusy(hbCtx, storyID, true, ttl); err != nil {
					slog.Warn("failed to refresh busy lease", "story", storyID, "error", err)
				}
			case <-hbCtx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-t.done

			r.mu.Lock()
			delete(r.turns, storyID)
			r.mu.Unlock()

			// Clear the lease instead of letting it expire so observers see
			// the idle transition immediately.
			cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancelCleanup()
			if err := b.SetBusy(cleanupCtx, storyID, false, 0); err != nil {
				slog.Warn("failed to clear busy lease", "story", storyID, "error", err)
			}
			if err := b.PublishBusy(cleanupCtx, storyID, false); err != nil {
				slog.Warn("failed to publish idle", "story", storyID, "error", err)
			}
		})
	}
}
