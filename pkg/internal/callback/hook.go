// Package callback holds registered callbacks so they can be swapped from
// any goroutine and always invoked with no lock held.
package callback

import "sync"

// Hook guards one registered callback of type F.
type Hook[F any] struct {
	mu sync.Mutex
	fn F
}

// Store replaces the registered callback.
func (h *Hook[F]) Store(fn F) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

// Load returns the registered callback. The caller invokes it after Load
// returns, so the callback may call Store on the same hook.
func (h *Hook[F]) Load() F {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fn
}
