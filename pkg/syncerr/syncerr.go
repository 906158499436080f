package syncerr

import (
	"errors"
	"fmt"
)

// Kind is a stable error code from the taxonomy in the spec's error
// handling design.
type Kind string

const (
	KindSyncInProgress            Kind = "SYNC_IN_PROGRESS"
	KindSyncNotFound               Kind = "SYNC_NOT_FOUND"
	KindInventoryItemNotFound      Kind = "INVENTORY_ITEM_NOT_FOUND"
	KindNotFound                   Kind = "NOT_FOUND"
	KindInventoryItemMissingExtID  Kind = "INVENTORY_ITEM_MISSING_EXTERNAL_ID"
	KindValidation                 Kind = "VALIDATION_ERROR"
	KindRateLimitExceeded          Kind = "RATE_LIMIT_EXCEEDED"
	KindMarketplaceUnavailable     Kind = "MARKETPLACE_SERVICE_UNAVAILABLE"
	KindMarketplaceAPIError        Kind = "MARKETPLACE_API_ERROR"
	KindDatabaseError              Kind = "DATABASE_ERROR"
	KindConfigurationError         Kind = "CONFIGURATION_ERROR"
	KindWebhookValidationError     Kind = "WEBHOOK_VALIDATION_ERROR"
)

// httpStatus maps each Kind to the HTTP status the (out-of-scope) boundary
// layer should surface. WebhookValidationError is intentionally mapped to
// 401 here even though the webhook ingress always *responds* 2xx — the
// status is informational, recorded for logs/alerts, not sent on the wire.
var httpStatus = map[Kind]int{
	KindSyncInProgress:           409,
	KindSyncNotFound:             404,
	KindInventoryItemNotFound:    404,
	KindNotFound:                 404,
	KindInventoryItemMissingExtID: 400,
	KindValidation:               422,
	KindRateLimitExceeded:        429,
	KindMarketplaceUnavailable:   503,
	KindMarketplaceAPIError:      502,
	KindDatabaseError:            500,
	KindConfigurationError:       500,
	KindWebhookValidationError:   401,
}

// Error is the concrete error type every syncd component returns for
// conditions that the boundary layer needs to classify.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; only meaningful for KindRateLimitExceeded
	Context    map[string]any
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code the boundary layer should surface
// for this error's Kind.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// New builds an *Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given Kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithContext attaches a context bag to the error and returns it.
func (e *Error) WithContext(ctx map[string]any) *Error {
	e.Context = ctx
	return e
}

// As reports whether err is (or wraps, at any depth) a *syncerr.Error of
// the given Kind.
func As(err error, kind Kind) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == kind
}
