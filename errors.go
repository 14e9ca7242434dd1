package federatedrp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrAccessDenied is returned for any identity provider rejection, state or nonce mismatch,
	// token validation failure, role assumption rejection or missing entitlement.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidRequest is returned for malformed input such as missing role fields.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUpstreamUnavailable is returned when the identity provider, the role map API or an AWS
	// endpoint could not be reached in time. It is retryable with fresh material.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrSessionInvalid is returned when a cookie is absent or fails its authenticity check.
	ErrSessionInvalid = errors.New("session invalid")
)

// Fixed messages shown to the client. Provider supplied text is never echoed.
const (
	MessageAccessDenied      = "Access denied"
	MessageInvalidRequest    = "Invalid request"
	MessageUnavailable       = "Service temporarily unavailable, please try again"
	MessageInvalidAction     = "Invalid action argument"
	MessageRebuildProcessing = "Processing rebuild..."
	MessageRebuildInitiated  = "Group Role Map rebuild initiated"
)

// accessDenied wraps a detailed cause so that errors.Is(err, ErrAccessDenied) holds.
func accessDenied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAccessDenied, fmt.Sprintf(format, args...))
}

// upstreamError is a transient failure of a named upstream. It matches ErrUpstreamUnavailable.
type upstreamError struct {
	upstream string
	err      error
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrUpstreamUnavailable, e.upstream, e.err)
}

func (e *upstreamError) Is(target error) bool { return target == ErrUpstreamUnavailable }

func (e *upstreamError) Unwrap() error { return e.err }

// unavailable marks err as a transient failure of the named upstream.
func unavailable(upstream string, err error) error {
	return &upstreamError{upstream: upstream, err: err}
}

// failedUpstream returns the upstream a transient failure was attributed to, or "" when err is
// not one.
func failedUpstream(err error) string {
	var ue *upstreamError
	if errors.As(err, &ue) {
		return ue.upstream
	}

	return ""
}

// isTransportError reports whether err is a network level failure (timeout, refused connection,
// cancelled context) rather than a semantic rejection.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// classifyStatus maps an upstream HTTP status to the error taxonomy.
func classifyStatus(upstream string, status int) error {
	if status >= http.StatusInternalServerError {
		return unavailable(upstream, fmt.Errorf("unexpected status %d", status))
	}

	return accessDenied("%s returned status %d", upstream, status)
}

// messageFor returns the fixed client message for err.
func messageFor(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		return MessageUnavailable
	case errors.Is(err, ErrInvalidRequest):
		return MessageInvalidRequest
	default:
		return MessageAccessDenied
	}
}
