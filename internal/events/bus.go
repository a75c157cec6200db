// Package events provides a small keyed event bus.
//
// Listeners are registered under a key with a handle. Emit invokes the listeners for
// a key synchronously, in registration order, on the emitting goroutine.
package events

import (
	"sync"

	"github.com/google/uuid"
)

type entry[A any] struct {
	handle string
	fn     func(A)
}

// Bus dispatches values of type A to listeners keyed by string.
type Bus[A any] struct {
	mu        sync.Mutex
	listeners map[string][]entry[A]
}

// NewBus creates an empty bus.
func NewBus[A any]() *Bus[A] {
	return &Bus[A]{listeners: make(map[string][]entry[A])}
}

// AddListener registers fn under key and returns its handle. An empty handle is
// replaced by a generated one. Registering an existing handle under the same key
// replaces that listener in place.
func (b *Bus[A]) AddListener(key string, fn func(A), handle string) string {
	if handle == "" {
		handle = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.listeners[key]
	for i := range list {
		if list[i].handle == handle {
			list[i].fn = fn
			return handle
		}
	}
	b.listeners[key] = append(list, entry[A]{handle: handle, fn: fn})
	return handle
}

// RemoveListener removes every listener registered with handle.
func (b *Bus[A]) RemoveListener(handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, list := range b.listeners {
		kept := list[:0:0]
		for _, e := range list {
			if e.handle != handle {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(b.listeners, key)
		} else {
			b.listeners[key] = kept
		}
	}
}

// Emit calls the listeners registered under key with arg.
// Listeners may add or remove listeners; changes apply to the next Emit.
func (b *Bus[A]) Emit(key string, arg A) {
	b.mu.Lock()
	list := append([]entry[A](nil), b.listeners[key]...)
	b.mu.Unlock()

	for _, e := range list {
		e.fn(arg)
	}
}

// Len returns the number of listeners under key.
func (b *Bus[A]) Len(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[key])
}
