package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a transaction.
type Status int

const (
	StatusWaiting Status = iota
	StatusSent
	StatusResolved
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusSent:
		return "sent"
	case StatusResolved:
		return "resolved"
	case StatusRejected:
		return "rejected"
	}
	return "unknown"
}

// Open reports whether the transaction still awaits an outcome.
func (s Status) Open() bool {
	return s == StatusWaiting || s == StatusSent
}

// Request describes a transaction to register.
type Request struct {
	Command string
	Urgent  bool // bypasses rate limiting (ping, login, logout)

	// Encode serializes the request given its correlation tag.
	Encode func(tag string) ([]byte, error)
}

// Response is the reply that completed a transaction.
type Response struct {
	Status   bool
	Received time.Time
	Payload  json.RawMessage
}

// Transaction is one request and its result handle.
type Transaction struct {
	ID        int64
	Command   string
	Urgent    bool
	Payload   []byte
	CreatedAt time.Time

	// Guarded by the owning queue's mutex until done is closed.
	status      Status
	sentAt      time.Time
	interrupted bool
	response    *Response
	err         error

	done chan struct{}
}

// Done is closed once the transaction is resolved or rejected.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transaction completes or ctx is done.
func (t *Transaction) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-t.done:
		return t.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transaction) result() (json.RawMessage, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.response.Payload, nil
}

// Info is a point-in-time copy of a transaction.
type Info struct {
	ID          int64
	Command     string
	Urgent      bool
	CreatedAt   time.Time
	SentAt      time.Time
	Status      Status
	Interrupted bool
	Response    *Response
	Err         error
}

func (t *Transaction) info() Info {
	return Info{
		ID:          t.ID,
		Command:     t.Command,
		Urgent:      t.Urgent,
		CreatedAt:   t.CreatedAt,
		SentAt:      t.sentAt,
		Status:      t.status,
		Interrupted: t.interrupted,
		Response:    t.response,
		Err:         t.err,
	}
}

// RejectedError is the error a rejected transaction completes with.
type RejectedError struct {
	Err error

	// Interrupted is set when the request reached the transport before the
	// failure, so the server may or may not have processed it.
	Interrupted bool
}

func (e *RejectedError) Error() string {
	if e.Interrupted {
		return "interrupted: " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Sender writes encoded requests to a connection.
type Sender interface {
	Send(data []byte) error
}
