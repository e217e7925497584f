package protocol

import (
	"errors"
	"fmt"
)

// APIError is the structured error the service returns, both as a socket
// "error" frame and as an HTTP error body. Callers can use errors.As to
// extract it:
//
//	var apiErr *protocol.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == "RateLimited" { ... }
type APIError struct {
	// Code is the machine-readable error code, e.g. "RateLimited".
	Code string `json:"code"`
	// ID identifies the error occurrence server-side, when available.
	ID *string `json:"id"`
}

func (e *APIError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("api error: %s (id %s)", e.Code, *e.ID)
	}
	return fmt.Sprintf("api error: %s", e.Code)
}

// IsAPIError reports whether err is an *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// ErrUnknownMessageType marks a frame whose "type" tag is not part of the
// protocol.
var ErrUnknownMessageType = errors.New("unknown message type")

// DecodeError reports a frame or line that could not be decoded into a
// message. It is recoverable: the stream it came from remains usable.
type DecodeError struct {
	// Type is the frame's "type" tag, if it could be read.
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %s message: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
