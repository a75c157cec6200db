// Package command implements the request/response connection: correlated RPC
// over one Transport, the login handshake and its retry policy, and
// reconnection.
package command

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rickgao/xapi-client/internal/events"
	"github.com/rickgao/xapi-client/internal/metrics"
	"github.com/rickgao/xapi-client/internal/protocol"
	"github.com/rickgao/xapi-client/internal/queue"
	"github.com/rickgao/xapi-client/internal/session"
	"github.com/rickgao/xapi-client/internal/transport"
)

const channelName = "command"

const statusKey = "status"

// Config configures a Channel.
type Config struct {
	URL       string
	AccountID string
	Password  string
	AppName   string // Sent with login when set

	RateLimit      time.Duration // Minimum spacing between non-urgent commands
	SettleDelay    time.Duration // Delay between open and the first login attempt
	ReconnectDelay time.Duration // Delay before reopening a closed connection
	LoginRetries   int           // Retries after the first failed login
	LoginBackoff   time.Duration // Delay between login attempts
	LogoutTimeout  time.Duration // Longest Shutdown waits for the logout reply

	SafeMode bool // Refuse tradeTransaction
}

// DefaultConfig returns the timing defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit:      queue.DefaultRateLimit,
		SettleDelay:    1000 * time.Millisecond,
		ReconnectDelay: 2000 * time.Millisecond,
		LoginRetries:   2,
		LoginBackoff:   500 * time.Millisecond,
		LogoutTimeout:  1000 * time.Millisecond,
	}
}

// Reply is a resolved command, delivered to Listen callbacks.
type Reply struct {
	Command       string
	TransactionID int64
	Payload       json.RawMessage
	SentAt        time.Time
	Received      time.Time
}

// Decode unmarshals the payload into v.
func (r Reply) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// Option configures a Channel.
type Option func(*Channel)

// WithTransportFactory replaces the websocket transport.
func WithTransportFactory(f transport.Factory) Option {
	return func(c *Channel) { c.factory = f }
}

// WithFatalHandler is called, on its own goroutine, when login fails with an
// error that makes further attempts pointless.
func WithFatalHandler(fn func(error)) Option {
	return func(c *Channel) { c.onFatal = fn }
}

// Channel is the command connection.
type Channel struct {
	cfg     Config
	logger  *slog.Logger
	factory transport.Factory
	token   *session.Token
	onFatal func(error)

	queue   *queue.Queue
	replies *events.Bus[Reply]
	status  *events.Bus[protocol.ConnectionStatus]

	mu             sync.Mutex
	state          protocol.ConnectionStatus
	reconnect      bool
	gen            uint64
	conn           transport.Transport
	connClosed     chan struct{} // closed once the current connection is torn down
	settleTimer    *time.Timer
	loginTimer     *time.Timer
	reconnectTimer *time.Timer
}

// New creates a disconnected Channel. token is read to decide whether
// session-bound commands may be sent; it is written by the caller.
func New(cfg Config, token *session.Token, logger *slog.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if token == nil {
		token = &session.Token{}
	}
	logger = logger.With("channel", channelName)

	c := &Channel{
		cfg:     cfg,
		logger:  logger,
		factory: transport.NewFactory(transport.DefaultConfig()),
		token:   token,
		replies: events.NewBus[Reply](),
		status:  events.NewBus[protocol.ConnectionStatus](),
		queue: queue.New(queue.Config{
			Name:      channelName,
			RateLimit: cfg.RateLimit,
			ClosedErr: protocol.ErrSocketClosed,
		}, logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect enables reconnection and opens the connection. A failed dial is
// retried after ReconnectDelay until Close is called; the first error is
// returned.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.reconnect = true
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Channel) connect(ctx context.Context) error {
	c.mu.Lock()
	if !c.reconnect || c.state != protocol.Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = protocol.Connecting
	c.mu.Unlock()
	c.emitStatus(protocol.Connecting)

	conn := c.factory(c.cfg.URL, c.logger)
	if err := conn.Connect(ctx); err != nil {
		c.logger.Warn("connect failed", "url", c.cfg.URL, "error", err)
		c.teardown(gen)
		return err
	}

	c.mu.Lock()
	if gen != c.gen || !c.reconnect {
		c.mu.Unlock()
		conn.Close()
		c.teardown(gen)
		return nil
	}
	c.conn = conn
	c.connClosed = make(chan struct{})
	c.mu.Unlock()

	c.queue.Attach(conn)

	c.mu.Lock()
	c.state = protocol.Connected
	c.settleTimer = time.AfterFunc(c.cfg.SettleDelay, func() { c.startLogin(gen) })
	c.mu.Unlock()

	go c.readLoop(gen, conn)

	c.logger.Info("connected", "url", c.cfg.URL)
	c.emitStatus(protocol.Connected)
	c.Ping()
	return nil
}

// readLoop consumes one connection until it ends.
func (c *Channel) readLoop(gen uint64, conn transport.Transport) {
	for {
		select {
		case msg := <-conn.Messages():
			c.handleMessage(msg)
		case <-conn.Closed():
			c.drain(conn)
			if err := conn.Err(); err != nil {
				c.logger.Warn("connection lost", "error", err)
			}
			c.teardown(gen)
			return
		}
	}
}

// drain handles frames that were buffered before the connection ended.
func (c *Channel) drain(conn transport.Transport) {
	for {
		select {
		case msg := <-conn.Messages():
			c.handleMessage(msg)
		default:
			return
		}
	}
}

// teardown moves connection gen to DISCONNECTED, fails its open transactions
// and schedules a reconnect when enabled. The queue is detached and emptied
// before the reconnect timer exists, so a new connection never shares it with
// the old one.
func (c *Channel) teardown(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state == protocol.Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = protocol.Disconnected
	conn := c.conn
	c.conn = nil
	stopTimer(c.settleTimer)
	stopTimer(c.loginTimer)
	c.settleTimer, c.loginTimer = nil, nil
	connClosed := c.connClosed
	c.connClosed = nil
	c.mu.Unlock()

	if conn != nil {
		c.queue.DetachSender(conn)
	}
	if n := c.queue.RejectOpen(protocol.ErrSocketClosed); n > 0 {
		c.logger.Info("rejected open transactions", "count", n)
	}
	c.emitStatus(protocol.Disconnected)
	if connClosed != nil {
		close(connClosed)
	}
	c.scheduleReconnect(gen)
}

// scheduleReconnect arms the reconnect timer unless reconnection was disabled
// or another connection attempt has started since gen.
func (c *Channel) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reconnect || gen != c.gen || c.state != protocol.Disconnected {
		return
	}
	delay := backoff.NewConstantBackOff(c.cfg.ReconnectDelay).NextBackOff()
	c.reconnectTimer = time.AfterFunc(delay, func() {
		metrics.ReconnectsTotal.WithLabelValues(channelName).Inc()
		c.connect(context.Background())
	})
	c.logger.Info("reconnect scheduled", "delay", delay)
}

// Close disables reconnection, closes the connection and waits until it is
// torn down or ctx is done. The teardown runs on the calling goroutine, so
// Close may be called from a reply or status listener.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	c.reconnect = false
	stopTimer(c.reconnectTimer)
	c.reconnectTimer = nil
	conn, connClosed, gen := c.conn, c.connClosed, c.gen
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.Close()
	c.teardown(gen)

	select {
	case <-connClosed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown disables reconnection, logs out if connected and closes the
// connection. The logout reply is awaited for at most LogoutTimeout; a failed
// or timed out logout does not prevent the close. Replies are read on the
// connection's goroutine, so a Shutdown issued from a listener always waits
// out the timeout.
func (c *Channel) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.reconnect = false
	c.mu.Unlock()

	if c.Connected() {
		logoutCtx, cancel := c.logoutContext(ctx)
		if _, err := c.Logout().Wait(logoutCtx); err != nil {
			c.logger.Debug("logout failed", "error", err)
		}
		cancel()
	}
	return c.Close(ctx)
}

func (c *Channel) logoutContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.LogoutTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.LogoutTimeout)
}

// Status returns the connection state.
func (c *Channel) Status() protocol.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connection is open.
func (c *Channel) Connected() bool {
	return c.Status() == protocol.Connected
}

// Queue returns the channel's transaction queue.
func (c *Channel) Queue() *queue.Queue {
	return c.queue
}

// OnStatusChange registers fn for every status transition. Listeners run on
// the goroutine that changed the status and must not block.
func (c *Channel) OnStatusChange(fn func(protocol.ConnectionStatus), handle string) string {
	return c.status.AddListener(statusKey, fn, handle)
}

// Listen registers fn for every resolved reply to command. fn runs on the
// connection's read goroutine; no further replies are read until it returns.
func (c *Channel) Listen(command string, fn func(Reply), handle string) string {
	return c.replies.AddListener(command, fn, handle)
}

// RemoveListener unregisters a status or reply listener.
func (c *Channel) RemoveListener(handle string) {
	c.replies.RemoveListener(handle)
	c.status.RemoveListener(handle)
}

func (c *Channel) emitStatus(s protocol.ConnectionStatus) {
	metrics.ConnectionStatus.WithLabelValues(channelName).Set(float64(s))
	c.status.Emit(statusKey, s)
}

// current reports whether gen is the live, open connection.
func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && c.state == protocol.Connected
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
