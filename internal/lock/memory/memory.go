// Package memory implements the lock.Locker lease in process memory. It backs
// unit tests and single-node deployments where no database-level mutual
// exclusion is needed.
package memory

import (
	"context"
	"sync"

	"github.com/MrWong99/fabula/internal/lock"
)

// Locker implements lock.Locker with a mutex-guarded set of held names.
// All methods are safe for concurrent use.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// Compile-time interface check.
var _ lock.Locker = (*Locker)(nil)

// NewLocker creates an empty in-memory Locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

// TryAcquire implements lock.Locker.
func (l *Locker) TryAcquire(_ context.Context, name string) (lock.ReleaseFunc, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[name]; taken {
		return nil, false, nil
	}
	l.held[name] = struct{}{}

	var once sync.Once
	release := func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
		return nil
	}
	return release, true, nil
}

// Held reports whether the named lease is currently taken. Intended for tests.
func (l *Locker) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, taken := l.held[name]
	return taken
}
