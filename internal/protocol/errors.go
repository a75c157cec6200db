package protocol

import "fmt"

// Error codes produced locally by the client.
const (
	CodeSocketClosed    = "XAPINODE_1"
	CodeStreamClosed    = "XAPINODE_2"
	CodeTimeout         = "XAPINODE_3"
	CodeTradingDisabled = "XAPINODE_4"
	CodeNotLoggedIn     = "XAPINODE_BE103"
)

// CodeLoginFatal is the server code for rejected credentials. Retrying cannot help,
// so it tears down both connections.
const CodeLoginFatal = "BE005"

// Error is a coded failure, either produced locally or returned by the server.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Local errors
var (
	ErrSocketClosed    = &Error{Code: CodeSocketClosed, Description: "socket closed"}
	ErrStreamClosed    = &Error{Code: CodeStreamClosed, Description: "stream closed"}
	ErrTimeout         = &Error{Code: CodeTimeout, Description: "transaction timed out"}
	ErrTradingDisabled = &Error{Code: CodeTradingDisabled, Description: "trading disabled in safe mode"}
	ErrNotLoggedIn     = &Error{Code: CodeNotLoggedIn, Description: "user is not logged in"}
)

// ErrorCode extracts the code from err, or "" if err carries none.
func ErrorCode(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
