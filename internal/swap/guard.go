package swap

import (
	"errors"
	"sync"
)

// ErrAlreadyProcessing means another goroutine holds the order's slot.
// Callers surface it (or skip) instead of queueing; the caller retries
// once the conflicting operation finishes.
var ErrAlreadyProcessing = errors.New("order is already being processed")

// Guard provides per-order mutual exclusion for mutating operations.
// It is injected into the engine rather than living in package state so
// tests can build isolated instances.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// Acquire reserves the order id. Returns ErrAlreadyProcessing when a
// concurrent operation already holds it.
func (g *Guard) Acquire(orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[orderID]; busy {
		return ErrAlreadyProcessing
	}
	g.active[orderID] = struct{}{}
	return nil
}

// Release frees the order id. Releasing an unheld id is a no-op.
func (g *Guard) Release(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, orderID)
}

// Count reports how many order ids are currently held.
func (g *Guard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Busy reports whether the order id is currently held.
func (g *Guard) Busy(orderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[orderID]
	return busy
}
