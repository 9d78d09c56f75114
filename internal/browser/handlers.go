package browser

import "sync"

// Handlers is a registration list with per-entry removal. Drivers use it to fan
// events out to whatever is currently registered.
type Handlers[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []handlerEntry[T]
}

type handlerEntry[T any] struct {
	id uint64
	fn T
}

// Add registers fn. The returned func removes it and is safe to call twice.
func (h *Handlers[T]) Add(fn T) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	h.entries = append(h.entries, handlerEntry[T]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, e := range h.entries {
				if e.id == id {
					h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
					return
				}
			}
		})
	}
}

// Snapshot returns the registered handlers in registration order.
func (h *Handlers[T]) Snapshot() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]T, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.fn
	}
	return out
}

// Len reports how many handlers are registered.
func (h *Handlers[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
