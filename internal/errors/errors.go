package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error kinds
var (
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrGatewayTimeout       = errors.New("payment gateway timeout")
	ErrGatewayBadResponse   = errors.New("payment gateway bad response")
	ErrSignatureInvalid     = errors.New("webhook signature invalid")
	ErrIdentityUnresolvable = errors.New("identity unresolvable")
	ErrStoreUnavailable     = errors.New("entitlement store unavailable")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrInvalidInput         = errors.New("invalid input")
)

// Kind represents the category of error
type Kind string

const (
	KindGatewayUnavailable   Kind = "gateway_unavailable"
	KindGatewayTimeout       Kind = "gateway_timeout"
	KindGatewayBadResponse   Kind = "gateway_bad_response"
	KindSignatureInvalid     Kind = "signature_invalid"
	KindIdentityUnresolvable Kind = "identity_unresolvable"
	KindStoreUnavailable     Kind = "store_unavailable"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindInvalidInput         Kind = "invalid_input"
)

var sentinels = map[Kind]error{
	KindGatewayUnavailable:   ErrGatewayUnavailable,
	KindGatewayTimeout:       ErrGatewayTimeout,
	KindGatewayBadResponse:   ErrGatewayBadResponse,
	KindSignatureInvalid:     ErrSignatureInvalid,
	KindIdentityUnresolvable: ErrIdentityUnresolvable,
	KindStoreUnavailable:     ErrStoreUnavailable,
	KindQuotaExceeded:        ErrQuotaExceeded,
	KindInvalidInput:         ErrInvalidInput,
}

// Error is a structured error for billing operations
type Error struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "create_order", "load_entitlement")
	Subject    string // User or order the operation concerned, if any
	Err        error  // Underlying error
	StatusCode int    // Upstream HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Subject != "" {
		return fmt.Sprintf("%s failed for %s: %s", e.Op, e.Subject, msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := sentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a new Error
func New(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

// WithSubject adds the user or order identifier to the error
func (e *Error) WithSubject(subject string) *Error {
	e.Subject = subject
	return e
}

// WithStatusCode adds the upstream HTTP status code to the error
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(kind Kind) bool {
	switch kind {
	case KindGatewayUnavailable, KindGatewayTimeout, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var billingErr *Error
	if errors.As(err, &billingErr) {
		return billingErr.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// IsRetryable checks if the caller should offer a retry
func IsRetryable(err error) bool {
	var billingErr *Error
	if errors.As(err, &billingErr) {
		return billingErr.Retryable
	}
	return isRetryable(KindOf(err))
}

// HTTPStatus maps an error to the status code returned by the API surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindSignatureInvalid:
		return http.StatusBadRequest
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindIdentityUnresolvable:
		return http.StatusNotFound
	case KindGatewayTimeout:
		return http.StatusGatewayTimeout
	case KindGatewayUnavailable, KindGatewayBadResponse:
		return http.StatusBadGateway
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions

// WrapStoreError wraps a store failure with context
func WrapStoreError(op, subject string, err error) error {
	return New(KindStoreUnavailable, op, err).WithSubject(subject)
}

// WrapGatewayError wraps a gateway failure with context
func WrapGatewayError(kind Kind, op string, err error, statusCode int) error {
	e := New(kind, op, err)
	if statusCode > 0 {
		e.WithStatusCode(statusCode)
	}
	return e
}

// InvalidInput reports a caller error
func InvalidInput(op, format string, args ...any) error {
	return New(KindInvalidInput, op, fmt.Errorf(format, args...))
}
