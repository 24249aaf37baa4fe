package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAuthUnavailable is returned when neither the cookie file nor the static
// user/password pair yields a credential. No request is sent in that case.
var ErrAuthUnavailable = errors.New("no RPC auth available (cookie file or user/pass)")

// Node error codes the dashboard recovers from or reports on.
const (
	CodeWalletError         = -4
	CodeInvalidAddressOrKey = -5
	CodeWalletNotFound      = -18
	CodeWalletAlreadyLoaded = -35
)

// TransportError reports a non-2xx HTTP response from the node. When the
// body carried a JSON-RPC error object it is parsed into RPC.
type TransportError struct {
	StatusCode int
	Body       string
	RPC        *RPCError
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("RPC HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error {
	if e.RPC == nil {
		return nil
	}
	return e.RPC
}

// RPCError is a non-null "error" member of a JSON-RPC response. Raw keeps
// the serialized object exactly as the node sent it.
type RPCError struct {
	Code    int
	Message string
	Raw     json.RawMessage
}

func (e *RPCError) Error() string {
	return "RPC error: " + string(e.Raw)
}

// parseRPCError decodes the error member once so callers can match on the
// numeric code instead of substrings of the message.
func parseRPCError(raw json.RawMessage) *RPCError {
	e := &RPCError{Raw: append(json.RawMessage(nil), raw...)}
	var obj struct {
		Code    *int   `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Code != nil {
			e.Code = *obj.Code
		}
		e.Message = obj.Message
		return e
	}
	// Some forks return a bare string.
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		e.Message = msg
	}
	return e
}

// ErrorCode extracts the node error code from err, if err carries one.
func ErrorCode(err error) (int, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code != 0 {
		return rpcErr.Code, true
	}
	return 0, false
}

// HasCode reports whether err is an RPCError with the given code.
func HasCode(err error, code int) bool {
	c, ok := ErrorCode(err)
	return ok && c == code
}

// DecodeError reports a result that did not match the expected shape.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s result: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
