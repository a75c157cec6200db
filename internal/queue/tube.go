package queue

import "sync"

// tube is the FIFO of transactions waiting for a rate-limited send slot.
// It is a ring buffer that doubles when it reaches 70% full; Receive blocks
// until an item arrives or the tube is closed.
type tube[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int
	tail   int
	count  int
	closed bool
}

func newTube[T any](capacity int) *tube[T] {
	if capacity < 1 {
		capacity = 1
	}
	t := &tube[T]{buf: make([]T, capacity)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Push appends an item. Returns false once the tube is closed.
func (t *tube[T]) Push(item T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	threshold := (len(t.buf) * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if t.count+1 >= threshold {
		t.grow()
	}

	t.buf[t.tail] = item
	t.tail = (t.tail + 1) % len(t.buf)
	t.count++

	t.cond.Signal()
	return true
}

// Receive pops the oldest item, blocking while empty.
// Returns false when the tube is closed; items left behind are abandoned.
func (t *tube[T]) Receive() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.count == 0 && !t.closed {
		t.cond.Wait()
	}

	var zero T
	if t.closed {
		return zero, false
	}

	item := t.buf[t.head]
	t.buf[t.head] = zero
	t.head = (t.head + 1) % len(t.buf)
	t.count--
	return item, true
}

// Close wakes every blocked receiver.
func (t *tube[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cond.Broadcast()
}

func (t *tube[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// grow doubles the capacity. Must be called with lock held.
func (t *tube[T]) grow() {
	newBuf := make([]T, len(t.buf)*2)
	if t.count > 0 {
		if t.head < t.tail {
			copy(newBuf, t.buf[t.head:t.tail])
		} else {
			n := copy(newBuf, t.buf[t.head:])
			copy(newBuf[n:], t.buf[:t.tail])
		}
	}
	t.buf = newBuf
	t.head = 0
	t.tail = t.count
}
