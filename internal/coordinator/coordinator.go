// Package coordinator ties the command and stream connections into one
// session: it hands the login token to the stream, tracks readiness, runs the
// maintenance timers and keeps the position book reconciled.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/xapi-client/internal/command"
	"github.com/rickgao/xapi-client/internal/events"
	"github.com/rickgao/xapi-client/internal/model"
	"github.com/rickgao/xapi-client/internal/positions"
	"github.com/rickgao/xapi-client/internal/protocol"
	"github.com/rickgao/xapi-client/internal/session"
	"github.com/rickgao/xapi-client/internal/stream"
	"github.com/rickgao/xapi-client/internal/transport"
)

const (
	readyKey            = "ready"
	connectionChangeKey = "connectionChange"
	listenerHandle      = "coordinator"
)

// Journal receives every applied position change.
type Journal interface {
	Record(ev model.PositionEvent) bool
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	factory transport.Factory
	journal Journal
	clock   func() time.Time
}

// WithTransportFactory replaces the websocket transport of both connections.
func WithTransportFactory(f transport.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithJournal records position changes.
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithClock replaces time.Now for position reconciliation.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Coordinator owns both connections of one account.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	id      uuid.UUID
	journal Journal

	token  *session.Token
	cmd    *command.Channel
	stream *stream.Channel
	book   *positions.Book
	bus    *events.Bus[bool]

	serverOffset atomic.Int64 // nanoseconds

	mu    sync.Mutex
	ready bool
	maint *maintenance
}

// New builds both connections. Nothing is dialled until Connect.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Coordinator{
		cfg:     cfg,
		id:      uuid.New(),
		journal: o.journal,
		token:   &session.Token{},
		bus:     events.NewBus[bool](),
	}
	c.logger = logger.With("coordinator", c.id.String(), "account_id", cfg.AccountID)

	var bookOpts []positions.Option
	if o.clock != nil {
		bookOpts = append(bookOpts, positions.WithClock(o.clock))
	}
	c.book = positions.NewBook(cfg.ReconcileWindow, bookOpts...)

	commandURL, streamURL := URLs(cfg.Host, cfg.AccountType)

	cmdOpts := []command.Option{command.WithFatalHandler(c.fatal)}
	streamOpts := []stream.Option{}
	if o.factory != nil {
		cmdOpts = append(cmdOpts, command.WithTransportFactory(o.factory))
		streamOpts = append(streamOpts, stream.WithTransportFactory(o.factory))
	}

	c.cmd = command.New(command.Config{
		URL:            commandURL,
		AccountID:      cfg.AccountID,
		Password:       cfg.Password,
		AppName:        cfg.AppName,
		RateLimit:      cfg.RateLimit,
		SettleDelay:    cfg.SettleDelay,
		ReconnectDelay: cfg.ReconnectDelay,
		LoginRetries:   cfg.LoginRetries,
		LoginBackoff:   cfg.LoginBackoff,
		LogoutTimeout:  cfg.LogoutTimeout,
		SafeMode:       cfg.SafeMode,
	}, c.token, c.logger, cmdOpts...)

	c.stream = stream.New(stream.Config{
		URL:            streamURL,
		RateLimit:      cfg.RateLimit,
		ReconnectDelay: cfg.ReconnectDelay,
	}, c.token, c.logger, streamOpts...)

	c.cmd.OnStatusChange(c.onCommandStatus, listenerHandle)
	c.stream.OnStatusChange(c.onStreamStatus, listenerHandle)
	c.cmd.Listen(protocol.CmdLogin, c.onLogin, listenerHandle)
	c.cmd.Listen(protocol.CmdGetTrades, c.onTrades, listenerHandle)
	c.cmd.Listen(protocol.CmdGetServerTime, c.onServerTime, listenerHandle)
	c.stream.Listen(protocol.EventTrade, c.onTradeEvent, listenerHandle)

	if cfg.SafeMode {
		c.logger.Warn("trading disabled: tradeTransaction will be rejected")
	}
	return c
}

// Connect opens both connections. Connections that fail to open keep
// retrying in the background until Disconnect.
func (c *Coordinator) Connect(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return c.stream.Connect(ctx) })
	g.Go(func() error { return c.cmd.Connect(ctx) })
	return g.Wait()
}

// Disconnect ends the session: the stream is closed, the command connection
// logs out and closes, and maintenance stops. Neither reconnects. It may be
// called from an OnReady or OnConnectionChange listener; the logout reply is
// then given up on after LogoutTimeout.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.token.Set("")

	var g errgroup.Group
	g.Go(func() error { return c.stream.Close(ctx) })
	g.Go(func() error { return c.cmd.Shutdown(ctx) })
	err := g.Wait()

	c.evaluate()
	c.logger.Info("disconnected")
	return err
}

func (c *Coordinator) fatal(err error) {
	c.logger.Error("fatal login error, disconnecting", "error", err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Disconnect(ctx)
}

// onCommandStatus reacts to the command connection changing state.
func (c *Coordinator) onCommandStatus(s protocol.ConnectionStatus) {
	if s != protocol.Connecting && c.stream.Connected() {
		c.bus.Emit(connectionChangeKey, s == protocol.Connected)
	}
	if s != protocol.Connected {
		c.token.Set("")
	}
	c.evaluate()
}

// onStreamStatus reacts to the stream connection changing state.
func (c *Coordinator) onStreamStatus(s protocol.ConnectionStatus) {
	if s != protocol.Connecting && c.cmd.Connected() {
		c.bus.Emit(connectionChangeKey, s == protocol.Connected)
	}
	c.evaluate()
}

func (c *Coordinator) onLogin(r command.Reply) {
	var reply protocol.LoginReply
	if err := r.Decode(&reply); err != nil {
		c.logger.Error("decode login reply", "error", err)
		return
	}
	c.token.Set(reply.StreamSessionID)
	if c.stream.Connected() && reply.StreamSessionID != "" {
		c.stream.Ping()
	}
	c.evaluate()
}

// evaluate recomputes readiness and starts or stops maintenance on a change.
func (c *Coordinator) evaluate() {
	c.mu.Lock()
	ready := c.IsConnectionReady() && c.token.Active()
	if ready == c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = ready
	old := c.maint
	c.maint = nil
	if ready {
		c.maint = c.startMaintenance()
	}
	c.mu.Unlock()

	if old != nil {
		old.stop()
	}

	if ready {
		c.logger.Info("session ready")
		c.resubscribe()
		c.bus.Emit(readyKey, true)
	} else {
		c.logger.Info("session not ready")
	}
}

// resubscribe (re)issues every stream subscription.
func (c *Coordinator) resubscribe() {
	c.stream.SubscribeTrades()
	for _, sub := range c.cfg.Subscriptions {
		c.stream.Subscribe(sub.Topic, sub.Args)
	}
}

// IsReady reports whether both connections are open and a session exists.
func (c *Coordinator) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// IsConnectionReady reports whether both connections are open.
func (c *Coordinator) IsConnectionReady() bool {
	return c.cmd.Connected() && c.stream.Connected()
}

// OnReady registers fn for every transition into the ready state. fn is also
// called immediately if the session is ready now. fn usually runs on the
// command connection's read goroutine.
func (c *Coordinator) OnReady(fn func(), handle string) string {
	if c.IsReady() {
		fn()
	}
	return c.bus.AddListener(readyKey, func(bool) { fn() }, handle)
}

// OnConnectionChange registers fn for connection changes seen while the
// other connection is open. The argument is whether the change was an open.
func (c *Coordinator) OnConnectionChange(fn func(connected bool), handle string) string {
	return c.bus.AddListener(connectionChangeKey, fn, handle)
}

// RemoveListener unregisters an OnReady or OnConnectionChange listener.
func (c *Coordinator) RemoveListener(handle string) {
	c.bus.RemoveListener(handle)
}

// Command returns the command connection.
func (c *Coordinator) Command() *command.Channel {
	return c.cmd
}

// Stream returns the stream connection.
func (c *Coordinator) Stream() *stream.Channel {
	return c.stream
}

// Session returns the current stream session id.
func (c *Coordinator) Session() string {
	return c.token.Get()
}

// ID identifies this coordinator in logs and the journal.
func (c *Coordinator) ID() uuid.UUID {
	return c.id
}

// ServerTimeOffset is the server clock minus the local clock, as of the last
// getServerTime reply.
func (c *Coordinator) ServerTimeOffset() time.Duration {
	return time.Duration(c.serverOffset.Load())
}

func (c *Coordinator) onServerTime(r command.Reply) {
	var st model.ServerTime
	if err := r.Decode(&st); err != nil {
		c.logger.Error("decode server time", "error", err)
		return
	}
	c.serverOffset.Store(int64(st.Offset(r.Received)))
}
