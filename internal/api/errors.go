// Package api is the REST client for the monitoring backend: request
// plumbing, content negotiation between JSON and MessagePack, server
// version capture, and the typed error taxonomy the sync layer relies on.
package api

import (
	"errors"

	"github.com/taurusmon/taurusmon/internal/wire"
)

// Error code constants. The UI layer distinguishes "can't reach server"
// from "bad credentials" from "no data yet", so these kinds must survive
// propagation instead of collapsing into a generic failure.
const (
	ErrCodeAuth     = "authentication_error" // 400/401/403; prompts re-auth, never auto-retried
	ErrCodeNotFound = "object_not_found"     // server-side missing object, 5xx-encoded
	ErrCodeServer   = "server_error"         // other non-2xx, carries server body text
	ErrCodeNetwork  = "network_error"        // transport failure, safe to retry next poll
)

// Error is a typed API failure. Use the IsXxx helpers to classify without
// inspecting fields.
type Error struct {
	Code    string
	Message string
	Err     error // underlying error, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// IsAuthError reports whether err is an authentication/authorization failure.
func IsAuthError(err error) bool {
	return hasCode(err, ErrCodeAuth)
}

// IsNotFound reports whether err is the server's object-not-found condition.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsServerError reports whether err is a generic server-side failure.
func IsServerError(err error) bool {
	return hasCode(err, ErrCodeServer)
}

// IsNetworkError reports whether err is a transport failure (transient;
// the next scheduled poll is the retry mechanism).
func IsNetworkError(err error) bool {
	return hasCode(err, ErrCodeNetwork)
}

// IsCorruptData reports whether err is a parser-detected structural
// violation in a response stream.
func IsCorruptData(err error) bool {
	return errors.Is(err, wire.ErrCorruptData)
}

func hasCode(err error, code string) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
