package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrEndpointMissing = errors.New("endpoint cannot be empty")
	ErrAPIKeyMissing   = errors.New("apiKey cannot be empty")
	ErrTokenRejected   = errors.New("bearer token rejected")
	ErrEmptyToken      = errors.New("auth response carried no access token")
)

// ErrorResponse is the body the service sends with non-2xx statuses when it
// has something to say.
type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func describe(op, id string) string {
	if id == "" {
		return op
	}
	return op + " " + id
}

// ValidationError reports caller input that is incomplete or malformed. When
// raised locally the request never reaches the network.
type ValidationError struct {
	Op     string
	ID     string
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	msg := describe(e.Op, e.ID) + ": invalid input"
	if len(e.Fields) > 0 {
		msg += ": missing " + strings.Join(e.Fields, ", ")
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// AuthError reports a rejected credential, an unreachable auth endpoint, or
// a token that was still rejected after the single re-authentication.
type AuthError struct {
	Op  string
	ID  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authorization failed: %v", describe(e.Op, e.ID), e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError reports an identifier the service does not know.
type NotFoundError struct {
	Op  string
	ID  string
	Err error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: not found: %v", describe(e.Op, e.ID), e.Err)
	}
	return describe(e.Op, e.ID) + ": not found"
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// DecodeError reports a response body that violates the wire schema. Err is
// usually a *codec.DecodeError or a JSON syntax error.
type DecodeError struct {
	Op  string
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: bad response body: %v", describe(e.Op, e.ID), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TimeoutError reports that no response arrived within the bound. The
// request may still complete on the server.
type TimeoutError struct {
	Op    string
	ID    string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s: timed out after %s", describe(e.Op, e.ID), e.After)
	}
	return fmt.Sprintf("%s: timed out: %v", describe(e.Op, e.ID), e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Timeout() bool { return true }

// TransportError reports a connection level failure.
type TransportError struct {
	Op  string
	ID  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", describe(e.Op, e.ID), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx status that has no more specific meaning.
type StatusError struct {
	Op         string
	ID         string
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: server returned status %d", describe(e.Op, e.ID), e.StatusCode)
	if e.ErrorType != "" || e.Message != "" {
		msg += fmt.Sprintf(": %s %s", e.ErrorType, e.Message)
	}
	return strings.TrimSpace(msg)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// classifyTransport sorts an error from http.Client.Do (or the limiter)
// into the timeout and transport buckets.
func classifyTransport(op, id string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, ID: id, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op, ID: id, Err: err}
	}
	return &TransportError{Op: op, ID: id, Err: err}
}
