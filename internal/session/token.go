// Package session holds the stream session token shared by both connections.
package session

import "sync/atomic"

// Token is the session id issued by a successful login. The empty string means
// there is no active session.
type Token struct {
	v atomic.Pointer[string]
}

// Get returns the current token.
func (t *Token) Get() string {
	if p := t.v.Load(); p != nil {
		return *p
	}
	return ""
}

// Set replaces the token.
func (t *Token) Set(s string) {
	t.v.Store(&s)
}

// Active reports whether a session exists.
func (t *Token) Active() bool {
	return t.Get() != ""
}
