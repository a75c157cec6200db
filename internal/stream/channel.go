// Package stream implements the push connection: subscriptions authenticated
// by the session token from the command connection, and delivery of the
// events the server pushes for them.
package stream

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

const channelName = "stream"

const statusKey = "status"

// Config configures a Channel.
type Config struct {
	URL            string
	RateLimit      time.Duration // Minimum spacing between non-urgent requests
	ReconnectDelay time.Duration // Delay before reopening a closed connection
}

// Event is one server push.
type Event struct {
	Command  string
	Data     json.RawMessage
	Received time.Time
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Option configures a Channel.
type Option func(*Channel)

// WithTransportFactory replaces the websocket transport.
func WithTransportFactory(f transport.Factory) Option {
	return func(c *Channel) { c.factory = f }
}

// Channel is the stream connection.
type Channel struct {
	cfg     Config
	logger  *slog.Logger
	factory transport.Factory
	token   *session.Token

	queue  *queue.Queue
	pushes *events.Bus[Event]
	status *events.Bus[protocol.ConnectionStatus]

	mu             sync.Mutex
	state          protocol.ConnectionStatus
	reconnect      bool
	gen            uint64
	conn           transport.Transport
	connClosed     chan struct{}
	reconnectTimer *time.Timer
}

// New creates a disconnected Channel authenticated by token.
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
		pushes:  events.NewBus[Event](),
		status:  events.NewBus[protocol.ConnectionStatus](),
		queue: queue.New(queue.Config{
			Name:          channelName,
			RateLimit:     cfg.RateLimit,
			ResolveOnSend: true,
			ClosedErr:     protocol.ErrStreamClosed,
		}, logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect enables reconnection and opens the connection.
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
	c.mu.Unlock()

	go c.readLoop(gen, conn)

	c.logger.Info("connected", "url", c.cfg.URL)
	c.emitStatus(protocol.Connected)
	if c.token.Active() {
		c.Ping()
	}
	return nil
}

func (c *Channel) readLoop(gen uint64, conn transport.Transport) {
	for {
		select {
		case msg := <-conn.Messages():
			c.handleMessage(msg)
		case <-conn.Closed():
			for done := false; !done; {
				select {
				case msg := <-conn.Messages():
					c.handleMessage(msg)
				default:
					done = true
				}
			}
			if err := conn.Err(); err != nil {
				c.logger.Warn("connection lost", "error", err)
			}
			c.teardown(gen)
			return
		}
	}
}

// teardown moves connection gen to DISCONNECTED and fails its open
// transactions before any reconnect is scheduled.
func (c *Channel) teardown(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state == protocol.Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = protocol.Disconnected
	conn := c.conn
	c.conn = nil
	connClosed := c.connClosed
	c.connClosed = nil
	c.mu.Unlock()

	if conn != nil {
		c.queue.DetachSender(conn)
	}
	c.queue.RejectOpen(protocol.ErrStreamClosed)
	c.emitStatus(protocol.Disconnected)
	if connClosed != nil {
		close(connClosed)
	}
	c.scheduleReconnect(gen)
}

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
}

// handleMessage delivers one push to its listeners.
func (c *Channel) handleMessage(msg transport.Message) {
	push, err := protocol.ParseStreamMessage(msg.Data)
	if err != nil {
		metrics.DroppedMessagesTotal.WithLabelValues(channelName, "malformed").Inc()
		c.logger.Error("malformed push", "error", err, "data", string(msg.Data))
		return
	}

	metrics.StreamEventsTotal.WithLabelValues(push.Command).Inc()
	c.pushes.Emit(push.Command, Event{
		Command:  push.Command,
		Data:     push.Data,
		Received: msg.ReceivedAt,
	})
}

// Close disables reconnection and closes the connection, waiting until it is
// torn down or ctx is done. It is safe to call from a push or status listener.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	c.reconnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
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

// OnStatusChange registers fn for every status transition.
func (c *Channel) OnStatusChange(fn func(protocol.ConnectionStatus), handle string) string {
	return c.status.AddListener(statusKey, fn, handle)
}

// Listen registers fn for pushes named command (see protocol.Event*).
func (c *Channel) Listen(command string, fn func(Event), handle string) string {
	return c.pushes.AddListener(command, fn, handle)
}

// RemoveListener unregisters a status or push listener.
func (c *Channel) RemoveListener(handle string) {
	c.pushes.RemoveListener(handle)
	c.status.RemoveListener(handle)
}

func (c *Channel) emitStatus(s protocol.ConnectionStatus) {
	metrics.ConnectionStatus.WithLabelValues(channelName).Set(float64(s))
	c.status.Emit(statusKey, s)
}
