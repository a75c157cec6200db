// Package queue implements the per-connection transaction registry and
// rate-limited outbound queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/xapi-client/internal/metrics"
	"github.com/rickgao/xapi-client/internal/protocol"
)

// DefaultRateLimit is the minimum spacing between non-urgent sends.
const DefaultRateLimit = 850 * time.Millisecond

// Config configures a Queue.
type Config struct {
	Name      string        // Connection name used in logs and metrics
	RateLimit time.Duration // Minimum spacing between non-urgent sends

	// ResolveOnSend resolves transactions as soon as they are written.
	// Used for connections whose requests get no reply.
	ResolveOnSend bool

	// ClosedErr rejects transactions that cannot be sent because the
	// connection is gone.
	ClosedErr error
}

// Queue owns the transactions of one connection.
type Queue struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	nextID   int64
	txs      map[int64]*Transaction
	sender   Sender
	pending  *tube[*Transaction]
	cancel   context.CancelFunc
	lastSent time.Time

	wg sync.WaitGroup
}

// New creates a Queue with no sender attached.
func New(cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ClosedErr == nil {
		cfg.ClosedErr = protocol.ErrSocketClosed
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Every(cfg.RateLimit)
	}

	return &Queue{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		txs:     make(map[int64]*Transaction),
	}
}

// Attach starts dispatching to sender with an empty pending queue.
func (q *Queue) Attach(sender Sender) {
	q.Detach()

	ctx, cancel := context.WithCancel(context.Background())
	pending := newTube[*Transaction](64)

	q.mu.Lock()
	q.sender = sender
	q.pending = pending
	q.cancel = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(ctx, pending)
}

// Detach stops dispatching. Waiting transactions stay registered until
// rejected by the caller.
func (q *Queue) Detach() {
	q.mu.Lock()
	q.detachLocked()
}

// DetachSender detaches only when sender is still the attached one, so a
// late teardown of an old connection leaves its replacement alone. It
// reports whether it detached.
func (q *Queue) DetachSender(sender Sender) bool {
	q.mu.Lock()
	if q.sender != sender {
		q.mu.Unlock()
		return false
	}
	q.detachLocked()
	return true
}

// detachLocked is called with q.mu held and releases it.
func (q *Queue) detachLocked() {
	pending, cancel := q.pending, q.cancel
	q.sender = nil
	q.pending = nil
	q.cancel = nil
	q.mu.Unlock()

	if pending != nil {
		pending.Close()
		cancel()
	}
	q.wg.Wait()
}

// Add registers a transaction without scheduling it.
func (q *Queue) Add(req Request) *Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	tx := &Transaction{
		ID:        q.nextID,
		Command:   req.Command,
		Urgent:    req.Urgent,
		CreatedAt: time.Now(),
		status:    StatusWaiting,
		done:      make(chan struct{}),
	}
	q.txs[tx.ID] = tx
	metrics.RegistrySize.WithLabelValues(q.cfg.Name).Set(float64(len(q.txs)))

	if req.Encode != nil {
		payload, err := req.Encode(protocol.FormatTag(req.Command, tx.ID))
		if err != nil {
			q.rejectLocked(tx, fmt.Errorf("encode %s: %w", req.Command, err), false)
			return tx
		}
		tx.Payload = payload
	}
	return tx
}

// Enqueue registers a transaction and schedules it. Urgent transactions are
// written immediately; others wait for a rate-limited slot in FIFO order.
func (q *Queue) Enqueue(req Request) *Transaction {
	tx := q.Add(req)

	if tx.Urgent {
		q.dispatch(tx)
		return tx
	}

	q.mu.Lock()
	pending := q.pending
	q.mu.Unlock()

	if pending == nil || !pending.Push(tx) {
		q.Reject(tx.ID, q.cfg.ClosedErr, false)
	}
	return tx
}

// run sends pending transactions, spacing them by the rate limit.
func (q *Queue) run(ctx context.Context, pending *tube[*Transaction]) {
	defer q.wg.Done()

	for {
		tx, ok := pending.Receive()
		if !ok {
			return
		}
		if !q.waiting(tx) {
			continue
		}

		if err := q.limiter.Wait(ctx); err != nil {
			return
		}

		// The limiter schedules against its own clock; guard against timer
		// slack so consecutive sends are never closer than the limit.
		q.mu.Lock()
		gap := q.cfg.RateLimit - time.Since(q.lastSent)
		q.mu.Unlock()
		if gap > 0 {
			select {
			case <-time.After(gap):
			case <-ctx.Done():
				return
			}
		}

		q.dispatch(tx)
	}
}

func (q *Queue) waiting(tx *Transaction) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return tx.status == StatusWaiting
}

// dispatch writes a waiting transaction to the attached sender.
func (q *Queue) dispatch(tx *Transaction) {
	q.mu.Lock()
	if tx.status != StatusWaiting {
		q.mu.Unlock()
		return
	}
	sender := q.sender
	if sender == nil {
		q.rejectLocked(tx, q.cfg.ClosedErr, false)
		q.mu.Unlock()
		return
	}
	now := time.Now()
	tx.status = StatusSent
	tx.sentAt = now
	if !tx.Urgent {
		q.lastSent = now
	}
	q.mu.Unlock()

	if err := sender.Send(tx.Payload); err != nil {
		q.logger.Warn("send failed",
			"command", tx.Command,
			"transaction_id", tx.ID,
			"error", err,
		)
		q.Reject(tx.ID, q.cfg.ClosedErr, false)
		return
	}
	metrics.TransactionsTotal.WithLabelValues(q.cfg.Name, "sent").Inc()

	if q.cfg.ResolveOnSend {
		q.Resolve(tx.ID, nil, now)
	}
}

// Resolve completes transaction id with a success payload. Returns the
// transaction's state after resolution, or false if id is unknown or
// already completed.
func (q *Queue) Resolve(id int64, payload json.RawMessage, receivedAt time.Time) (Info, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, ok := q.txs[id]
	if !ok || !tx.status.Open() {
		return Info{}, false
	}

	if payload == nil {
		payload = json.RawMessage("null")
	}
	tx.response = &Response{Status: true, Received: receivedAt, Payload: payload}
	tx.status = StatusResolved
	close(tx.done)

	metrics.TransactionsTotal.WithLabelValues(q.cfg.Name, "resolved").Inc()
	if !tx.sentAt.IsZero() {
		metrics.RoundTripSeconds.WithLabelValues(q.cfg.Name).Observe(receivedAt.Sub(tx.sentAt).Seconds())
	}
	return tx.info(), true
}

// Reject fails transaction id. Returns false if id is unknown or already completed.
func (q *Queue) Reject(id int64, err error, interrupted bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, ok := q.txs[id]
	if !ok || !tx.status.Open() {
		return false
	}
	q.rejectLocked(tx, err, interrupted)
	return true
}

// RejectWithResponse fails transaction id with a server error reply.
func (q *Queue) RejectWithResponse(id int64, err error, receivedAt time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, ok := q.txs[id]
	if !ok || !tx.status.Open() {
		return false
	}
	tx.response = &Response{Status: false, Received: receivedAt}
	q.rejectLocked(tx, err, false)
	return true
}

func (q *Queue) rejectLocked(tx *Transaction, err error, interrupted bool) {
	tx.status = StatusRejected
	tx.interrupted = interrupted
	tx.err = &RejectedError{Err: err, Interrupted: interrupted}
	close(tx.done)

	outcome := "rejected"
	if interrupted {
		outcome = "interrupted"
	}
	metrics.TransactionsTotal.WithLabelValues(q.cfg.Name, outcome).Inc()
}

// RejectStale fails every open transaction created more than maxAge ago with
// protocol.ErrTimeout. Sent ones are marked interrupted.
func (q *Queue) RejectStale(maxAge time.Duration) int {
	return q.rejectOpen(protocol.ErrTimeout, maxAge)
}

// RejectOpen fails every open transaction with err. Sent ones are marked interrupted.
func (q *Queue) RejectOpen(err error) int {
	return q.rejectOpen(err, 0)
}

func (q *Queue) rejectOpen(err error, maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	n := 0
	for _, tx := range q.txs {
		if !tx.status.Open() {
			continue
		}
		if maxAge > 0 && now.Sub(tx.CreatedAt) <= maxAge {
			continue
		}
		q.rejectLocked(tx, err, tx.status == StatusSent)
		n++
	}
	if n > 0 {
		q.logger.Debug("rejected open transactions", "count", n, "reason", err)
	}
	return n
}

// PurgeCompleted removes resolved and rejected transactions created more
// than maxAge ago.
func (q *Queue) PurgeCompleted(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	n := 0
	for id, tx := range q.txs {
		if tx.status.Open() || now.Sub(tx.CreatedAt) <= maxAge {
			continue
		}
		delete(q.txs, id)
		n++
	}
	metrics.RegistrySize.WithLabelValues(q.cfg.Name).Set(float64(len(q.txs)))
	return n
}

// Contains reports whether a transaction for command is still waiting to be sent.
func (q *Queue) Contains(command string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, tx := range q.txs {
		if tx.Command == command && tx.status == StatusWaiting {
			return true
		}
	}
	return false
}

// Len returns the number of registered transactions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.txs)
}

// Get returns a copy of transaction id.
func (q *Queue) Get(id int64) (Info, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, ok := q.txs[id]
	if !ok {
		return Info{}, false
	}
	return tx.info(), true
}

// Pending returns the number of transactions waiting for a send slot.
func (q *Queue) Pending() int {
	q.mu.Lock()
	pending := q.pending
	q.mu.Unlock()
	if pending == nil {
		return 0
	}
	return pending.Len()
}
