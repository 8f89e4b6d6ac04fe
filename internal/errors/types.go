package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error at a component API boundary. Every component maps
// its internal failures onto one of these kinds; the HTTP layer maps kinds
// onto status codes.
type Kind int

const (
	// Internal is any unhandled failure.
	Internal Kind = iota
	// Unauthenticated - PIN wrong, token missing, token expired, source mismatch.
	Unauthenticated
	// RateLimited - token bucket exhausted.
	RateLimited
	// Forbidden - source blocked or global lockdown.
	Forbidden
	// Validation - request body missing fields, invalid values.
	Validation
	// NotFound - id does not resolve.
	NotFound
	// Conflict - duplicate template id, cyclic inheritance, immutable system entity.
	Conflict
	// Unavailable - external adapter cannot connect.
	Unavailable
	// Timeout - deadline expired for an external call or worker.
	Timeout
	// ParseFailed - response parser could not recover JSON.
	ParseFailed
	// DependencyCycle - orchestrator task graph invalid.
	DependencyCycle
	// NoStrategyAvailable - injection exhausted all fallbacks.
	NoStrategyAvailable
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case RateLimited:
		return "rate_limited"
	case Forbidden:
		return "forbidden"
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	case ParseFailed:
		return "parse_failed"
	case DependencyCycle:
		return "dependency_cycle"
	case NoStrategyAvailable:
		return "no_strategy_available"
	default:
		return "internal"
	}
}

// E is a classified error. Use New/Wrap to construct and KindOf to inspect.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *E) Unwrap() error {
	return e.Err
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it reachable via errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the classification of err, or Internal when it carries none.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind onto the status code the API layer returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Unauthenticated:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case Forbidden:
		return http.StatusForbidden
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Unavailable:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusServiceUnavailable
	case ParseFailed, DependencyCycle, NoStrategyAvailable:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
