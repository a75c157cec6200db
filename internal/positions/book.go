// Package positions reconciles point-in-time position snapshots with the
// stream of incremental trade events.
package positions

import (
	"sort"
	"sync"
	"time"

	"github.com/rickgao/xapi-client/internal/model"
)

// DefaultWindow is how long a change is considered fresher than a snapshot.
const DefaultWindow = 1000 * time.Millisecond

// Position is the last known state of one position. Value is nil once the
// position is closed; closed entries are kept for Window to shadow snapshots
// that raced the close.
type Position struct {
	ID          int64
	Symbol      string
	Value       *model.Trade
	LastUpdated time.Time
}

// Open reports whether the position is open.
func (p Position) Open() bool {
	return p.Value != nil
}

// Change is one entry written by ApplySnapshot or ApplyDelta.
type Change struct {
	Kind     model.PositionEventKind
	Position Position
}

// Book is the mapping of position id to Position.
type Book struct {
	window time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	positions map[int64]Position
}

// Option configures a Book.
type Option func(*Book)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// NewBook creates an empty Book. A non-positive window uses DefaultWindow.
func NewBook(window time.Duration, opts ...Option) *Book {
	if window <= 0 {
		window = DefaultWindow
	}
	b := &Book{
		window:    window,
		now:       time.Now,
		positions: make(map[int64]Position),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Window returns the reconciliation window.
func (b *Book) Window() time.Duration {
	return b.window
}

// ApplySnapshot replaces the book with the open trades of a getTrades reply
// whose request was sent at sentAt. Closed records and balance operations in
// the reply are skipped. A reply older than the window is
// discarded and ApplySnapshot returns nil, false.
func (b *Book) ApplySnapshot(trades []model.Trade, sentAt time.Time) ([]Change, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(sentAt) > b.window {
		return nil, false
	}

	next := make(map[int64]Position, len(trades))
	var changes []Change

	for i := range trades {
		tr := trades[i]
		if tr.IsBalance() || tr.Closed {
			continue
		}
		// A close that happened after the request was sent wins over the reply.
		if prev, ok := b.positions[tr.Position]; ok && !prev.Open() && b.fresh(prev, now) {
			next[tr.Position] = prev
			continue
		}
		p := Position{
			ID:          tr.Position,
			Symbol:      tr.Symbol,
			Value:       &tr,
			LastUpdated: sentAt,
		}
		next[tr.Position] = p
		changes = append(changes, Change{Kind: model.EventSnapshot, Position: p})
	}

	for id, prev := range b.positions {
		if _, ok := next[id]; ok {
			continue
		}
		if b.fresh(prev, now) {
			next[id] = prev
		}
	}

	b.positions = next
	return changes, true
}

// ApplyDelta applies one stream trade event. Balance and credit records are
// ignored and return false.
func (b *Book) ApplyDelta(tr model.Trade) (Change, bool) {
	if tr.IsBalance() {
		return Change{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p := Position{
		ID:          tr.Position,
		Symbol:      tr.Symbol,
		LastUpdated: b.now(),
	}
	kind := model.EventDeltaClose
	if !tr.IsDeleted() {
		p.Value = &tr
		kind = model.EventDeltaOpen
	}
	b.positions[tr.Position] = p
	return Change{Kind: kind, Position: p}, true
}

// Prune evicts closed positions older than the window.
func (b *Book) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	n := 0
	for id, p := range b.positions {
		if !p.Open() && !b.fresh(p, now) {
			delete(b.positions, id)
			n++
		}
	}
	return n
}

func (b *Book) fresh(p Position, now time.Time) bool {
	return now.Sub(p.LastUpdated) <= b.window
}

// Get returns the entry for id, open or closed.
func (b *Book) Get(id int64) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[id]
	return p, ok
}

// Positions returns every entry sorted by id.
func (b *Book) Positions() []Position {
	return b.list(false)
}

// Open returns the open positions sorted by id.
func (b *Book) Open() []Position {
	return b.list(true)
}

func (b *Book) list(openOnly bool) []Position {
	b.mu.RLock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		if openOnly && !p.Open() {
			continue
		}
		out = append(out, p)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of entries, open or closed.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}
