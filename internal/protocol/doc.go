// Package protocol defines the wire format shared by the command and stream connections.
//
// Command connection:
//   - request:  {"command": ..., "arguments": {...}, "customTag": "<command>_<id>"}
//   - success:  {"status": true, "returnData": ..., "customTag": ...}
//   - login:    {"status": true, "streamSessionId": ..., "customTag": ...}
//   - error:    {"status": false, "errorCode": ..., "errorDescr": ..., "customTag": ...}
//
// Stream connection:
//   - request:  {"command": ..., "streamSessionId": ..., "customTag": ..., <args>}
//   - push:     {"command": ..., "data": ...}
package protocol
