// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/xapi-client/internal/transport"
)

// ErrDialRefused is returned by Connect when the network refuses dials.
var ErrDialRefused = errors.New("dial refused")

// Sent is one frame written through a Fake.
type Sent struct {
	Data []byte
	At   time.Time
}

// Network hands out Fakes from a Factory and keeps every one it created.
type Network struct {
	mu      sync.Mutex
	conns   []*Fake
	refuse  bool
	created chan *Fake
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network {
	return &Network{created: make(chan *Fake, 64)}
}

// Factory returns a transport.Factory backed by this network.
func (n *Network) Factory() transport.Factory {
	return func(url string, _ *slog.Logger) transport.Transport {
		f := New(url)
		n.mu.Lock()
		f.refuse = n.refuse
		n.conns = append(n.conns, f)
		n.mu.Unlock()
		select {
		case n.created <- f:
		default:
		}
		return f
	}
}

// Refuse makes subsequent transports fail to connect.
func (n *Network) Refuse(refuse bool) {
	n.mu.Lock()
	n.refuse = refuse
	n.mu.Unlock()
}

// Conns returns every transport created so far.
func (n *Network) Conns() []*Fake {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Fake(nil), n.conns...)
}

// Last returns the most recently created transport for url, or nil.
func (n *Network) Last(url string) *Fake {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.conns) - 1; i >= 0; i-- {
		if n.conns[i].URL == url {
			return n.conns[i]
		}
	}
	return nil
}

// Fake is an in-memory Transport.
type Fake struct {
	URL string

	mu        sync.Mutex
	sent      []Sent
	connected bool
	refuse    bool
	err       error
	sendErr   error

	messages  chan transport.Message
	closed    chan struct{}
	closeOnce sync.Once
	sentCh    chan Sent
}

// New creates an unconnected Fake.
func New(url string) *Fake {
	return &Fake{
		URL:      url,
		messages: make(chan transport.Message, 256),
		closed:   make(chan struct{}),
		sentCh:   make(chan Sent, 256),
	}
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return ErrDialRefused
	}
	f.connected = true
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *Fake) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	s := Sent{Data: append([]byte(nil), data...), At: time.Now()}
	f.sent = append(f.sent, s)
	select {
	case f.sentCh <- s:
	default:
	}
	return nil
}

func (f *Fake) Messages() <-chan transport.Message { return f.messages }
func (f *Fake) Closed() <-chan struct{}             { return f.closed }

func (f *Fake) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// FailSends makes Send return err (nil restores normal behaviour).
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// Deliver injects an inbound frame.
func (f *Fake) Deliver(data string) {
	f.messages <- transport.Message{Data: []byte(data), ReceivedAt: time.Now()}
}

// DeliverJSON marshals v and injects it.
func (f *Fake) DeliverJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.messages <- transport.Message{Data: data, ReceivedAt: time.Now()}
}

// Drop simulates the remote end closing the connection.
func (f *Fake) Drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.err = err
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
}

// Sent returns every frame written so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// SentCommands decodes the "command" field of every written frame.
func (f *Fake) SentCommands() []string {
	var out []string
	for _, s := range f.Sent() {
		out = append(out, Command(s.Data))
	}
	return out
}

// WaitSent blocks until the next frame is written or timeout elapses.
func (f *Fake) WaitSent(timeout time.Duration) (Sent, bool) {
	select {
	case s := <-f.sentCh:
		return s, true
	case <-time.After(timeout):
		return Sent{}, false
	}
}

// WaitCommand blocks until a frame for command is written and returns its decoded envelope.
func (f *Fake) WaitCommand(command string, timeout time.Duration) (map[string]any, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case s := <-f.sentCh:
			if Command(s.Data) == command {
				var m map[string]any
				json.Unmarshal(s.Data, &m)
				return m, true
			}
		case <-deadline:
			return nil, false
		}
	}
}

// Command extracts the "command" field from an encoded request.
func Command(data []byte) string {
	var m struct {
		Command string `json:"command"`
	}
	json.Unmarshal(data, &m)
	return m.Command
}
