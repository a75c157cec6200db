// Package transport implements the persistent duplex connection used by both channels.
//
// The Client:
//   - Dials a WebSocket URL (TLS is handled by the dialer for wss://)
//   - Delivers every text frame with a local receive timestamp
//   - Answers server pings and sends its own keepalive pings
//   - Signals closure exactly once through Closed()
//
// No protocol logic lives here.
package transport
