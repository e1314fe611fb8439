package tts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind categorises a synthesis failure.
type Kind int

const (
	// KindUnknown is any failure that does not fit another kind.
	KindUnknown Kind = iota
	// KindAuth is a rejected credential (401, 403).
	KindAuth
	// KindClient is a malformed or unacceptable request (400, 422).
	KindClient
	// KindRateLimited is a quota or rate limit rejection (429).
	KindRateLimited
	// KindServer is a provider-side failure (5xx).
	KindServer
	// KindTimeout is a request that exceeded its deadline.
	KindTimeout
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindClient:
		return "client"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	// Provider names the backend, e.g. "elevenlabs".
	Provider string
	Kind     Kind
	// StatusCode is the HTTP status, or 0 when the request never got a response.
	StatusCode int
	Message    string
	// Err is the underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, msg)
}

// Unwrap returns the underlying transport error.
func (e *Error) Unwrap() error { return e.Err }

// KindFromStatus maps an HTTP status code to a [Kind].
func KindFromStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindServer
	case code >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

// StatusError builds an [*Error] for a non-success HTTP response.
func StatusError(provider string, code int, body string) *Error {
	return &Error{Provider: provider, Kind: KindFromStatus(code), StatusCode: code, Message: body}
}

// TransportError classifies a failed HTTP round trip. Deadline and network
// timeouts become [KindTimeout]; anything else is [KindUnknown].
func TransportError(provider string, err error) *Error {
	kind := KindUnknown
	if isTimeout(err) {
		kind = KindTimeout
	}
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// Classify returns the [Kind] of err. It understands [*Error] anywhere in the
// chain, context deadlines and net.Error timeouts.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return KindUnknown
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
