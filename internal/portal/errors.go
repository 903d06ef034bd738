package portal

import (
	"context"
	"errors"
	"fmt"
)

// AuthReason tells retryable login failures apart from fatal ones.
type AuthReason int

const (
	BadCredentials   AuthReason = iota // portal rejected username/password; retrying is futile
	CaptchaExhausted                   // every attempt misread or failed; retry next cycle
)

func (r AuthReason) String() string {
	switch r {
	case BadCredentials:
		return "bad credentials"
	case CaptchaExhausted:
		return "captcha attempts exhausted"
	}
	return "unknown"
}

// AuthError is returned by login when no session could be established.
type AuthError struct {
	Reason   AuthReason
	Attempts int
	Err      error // last underlying cause, may be nil
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("portal: authentication failed: %s after %d attempt(s)", e.Reason, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrSessionExpired means an authenticated request came back unauthenticated.
var ErrSessionExpired = errors.New("portal: session expired")

// ParseError means a page did not have the expected structure. Retrying
// does not help; the portal layout probably changed.
type ParseError struct {
	Page   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("portal: cannot parse %s page: %s", e.Page, e.Reason)
}

// TransportError wraps network failures, timeouts and unexpected HTTP statuses.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("portal: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ErrorKind is the stable, user-visible name of a failure class.
type ErrorKind string

const (
	KindBadCredentials   ErrorKind = "bad_credentials"
	KindCaptchaExhausted ErrorKind = "captcha_exhausted"
	KindSessionExpired   ErrorKind = "session_expired"
	KindParseFailed      ErrorKind = "parse_failed"
	KindTransport        ErrorKind = "transport"
	KindInternal         ErrorKind = "internal"
)

// Classify maps any error from this package to its ErrorKind. It returns ""
// for a nil error.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		if authErr.Reason == BadCredentials {
			return KindBadCredentials
		}
		return KindCaptchaExhausted
	}
	if errors.Is(err, ErrSessionExpired) {
		return KindSessionExpired
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return KindParseFailed
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransport
	}
	return KindInternal
}
