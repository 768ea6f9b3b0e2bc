package toolprovider

import (
	"errors"
	"fmt"
)

// ErrClosed reports a call on a provider whose protocol session has ended.
var ErrClosed = errors.New("tool provider session closed")

// ProtocolError is a failure of the tool provider protocol: a JSON-RPC error
// response, a failed write, or the subprocess going away while a call was
// outstanding.
type ProtocolError struct {
	Method  string // JSON-RPC method, empty when not request-specific
	Code    int    // JSON-RPC error code, 0 for transport failures
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := e.Message
	if e.Code != 0 {
		msg = fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Method != "" {
		return e.Method + ": " + msg
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
