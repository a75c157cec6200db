package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ConnectionStatus is the state of one connection.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Request is an outbound command envelope.
type Request struct {
	Command   string `json:"command"`
	Arguments any    `json:"arguments,omitempty"`
	CustomTag string `json:"customTag"`
}

// EncodeRequest serializes a command request. Empty arguments are omitted.
func EncodeRequest(command string, args any, tag string) ([]byte, error) {
	if isEmpty(args) {
		args = nil
	}
	return json.Marshal(Request{Command: command, Arguments: args, CustomTag: tag})
}

// EncodeStreamRequest serializes a stream request. Arguments are flattened into
// the envelope next to the session id.
func EncodeStreamRequest(command, session string, args map[string]any, tag string) ([]byte, error) {
	msg := make(map[string]any, len(args)+3)
	for k, v := range args {
		msg[k] = v
	}
	msg["command"] = command
	msg["streamSessionId"] = session
	msg["customTag"] = tag
	return json.Marshal(msg)
}

func isEmpty(args any) bool {
	if args == nil {
		return true
	}
	v := reflect.ValueOf(args)
	switch v.Kind() {
	case reflect.Map, reflect.Slice:
		return v.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// FormatTag builds the correlation tag for a transaction.
func FormatTag(command string, id int64) string {
	return command + "_" + strconv.FormatInt(id, 10)
}

// ParseTag recovers command and transaction id from a correlation tag.
func ParseTag(tag string) (command string, id int64, ok bool) {
	i := strings.LastIndexByte(tag, '_')
	if i <= 0 || i == len(tag)-1 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(tag[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	return tag[:i], id, true
}

// ResponseKind classifies an inbound command message.
type ResponseKind int

const (
	KindUnknown ResponseKind = iota
	KindData
	KindLogin
	KindError
)

// Response is an inbound command message.
type Response struct {
	Status          *bool           `json:"status"`
	ReturnData      json.RawMessage `json:"returnData,omitempty"`
	StreamSessionID *string         `json:"streamSessionId,omitempty"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	ErrorDescr      string          `json:"errorDescr,omitempty"`
	CustomTag       *string         `json:"customTag,omitempty"`
}

// Kind classifies the response.
func (r *Response) Kind() ResponseKind {
	switch {
	case r.Status == nil:
		return KindUnknown
	case *r.Status && r.StreamSessionID != nil:
		return KindLogin
	case *r.Status:
		return KindData
	case r.ErrorCode != "":
		return KindError
	}
	return KindUnknown
}

// Tag returns the correlation tag, or "" if absent.
func (r *Response) Tag() string {
	if r.CustomTag == nil {
		return ""
	}
	return *r.CustomTag
}

// Payload returns the data the reply resolves with. Login replies resolve with
// {"streamSessionId": ...}.
func (r *Response) Payload() json.RawMessage {
	if r.StreamSessionID != nil {
		data, _ := json.Marshal(LoginReply{StreamSessionID: *r.StreamSessionID})
		return data
	}
	if len(r.ReturnData) == 0 {
		return json.RawMessage("null")
	}
	return r.ReturnData
}

// Err converts an error response to *Error.
func (r *Response) Err() *Error {
	return &Error{Code: r.ErrorCode, Description: r.ErrorDescr}
}

// LoginReply is the payload a successful login resolves with.
type LoginReply struct {
	StreamSessionID string `json:"streamSessionId"`
}

var errMalformed = errors.New("malformed message")

// ParseResponse decodes an inbound command message.
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Kind() == KindUnknown {
		return nil, errMalformed
	}
	return &resp, nil
}

// StreamMessage is a server push on the stream connection.
type StreamMessage struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

// ParseStreamMessage decodes a push event.
func ParseStreamMessage(data []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}
	if msg.Command == "" {
		return nil, errMalformed
	}
	return &msg, nil
}
