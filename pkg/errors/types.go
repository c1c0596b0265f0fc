// Package errors provides structured error handling for the router.
// Every failure surfaced by the client carries a Kind from the routing
// taxonomy, a JSON-RPC compatible code, and context describing where it
// happened.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// Kind is the position of an error in the router's failure taxonomy.
type Kind string

const (
	KindConnect           Kind = "ConnectError"
	KindNoRouteFound      Kind = "NoRouteFound"
	KindNoAvailableServer Kind = "NoAvailableServer"
	KindServerUnavailable Kind = "ServerUnavailable"
	KindTransport         Kind = "TransportError"
	KindTimeout           Kind = "Timeout"
	KindMalformedResponse Kind = "MalformedResponse"
	KindNotInitialized    Kind = "NotInitialized"
	KindInvalidParams     Kind = "InvalidParams"
	KindRemote            Kind = "RemoteError"
	KindInternal          Kind = "InternalError"
)

// Category groups kinds for coarse handling decisions
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryRouting    Category = "routing"
	CategoryTransport  Category = "transport"
	CategoryTimeout    Category = "timeout"
	CategoryRemote     Category = "remote"
	CategoryInternal   Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context provides additional context about where and when an error occurred
type Context struct {
	RequestID string    `json:"request_id,omitempty"`
	Method    string    `json:"method,omitempty"`
	ServerID  string    `json:"server_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
}

// RouterError is implemented by every error the router produces.
type RouterError interface {
	error

	// Code returns the JSON-RPC error code
	Code() int

	// Kind returns the taxonomy kind
	Kind() Kind

	// Message returns a human-readable error message
	Message() string

	// Details returns detailed technical description for debugging
	Details() string

	// Data returns structured error data for programmatic handling
	Data() interface{}

	Category() Category
	Severity() Severity
	Context() *Context

	// WithContext returns a copy of the error with the provided context
	WithContext(ctx *Context) RouterError

	// WithDetail returns a copy of the error with additional detail
	WithDetail(detail string) RouterError

	// WithData returns a copy of the error with structured data
	WithData(data interface{}) RouterError

	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map
	ToJSON() map[string]interface{}
}

type baseError struct {
	code     int
	kind     Kind
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

func (e *baseError) Code() int          { return e.code }
func (e *baseError) Kind() Kind         { return e.kind }
func (e *baseError) Message() string    { return e.message }
func (e *baseError) Details() string    { return e.details }
func (e *baseError) Data() interface{}  { return e.data }
func (e *baseError) Category() Category { return e.category }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) Context() *Context  { return e.context }
func (e *baseError) Unwrap() error      { return e.cause }

// WithContext returns a new error with the provided context. A zero
// timestamp is filled in with the original error's timestamp.
func (e *baseError) WithContext(ctx *Context) RouterError {
	newErr := *e
	if ctx != nil && ctx.Timestamp.IsZero() && e.context != nil {
		c := *ctx
		c.Timestamp = e.context.Timestamp
		ctx = &c
	}
	newErr.context = ctx
	return &newErr
}

// WithDetail returns a new error with additional detail
func (e *baseError) WithDetail(detail string) RouterError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

// WithData returns a new error with structured data
func (e *baseError) WithData(data interface{}) RouterError {
	newErr := *e
	newErr.data = data
	return &newErr
}

// Is reports whether target is a RouterError of the same kind, so callers
// can write errors.Is(err, errors.Sentinel(errors.KindTimeout)).
func (e *baseError) Is(target error) bool {
	t, ok := target.(*baseError)
	if !ok {
		return false
	}
	return t.kind == e.kind
}

// ToJSON returns the error as a JSON-serializable map
func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     e.code,
		"kind":     string(e.kind),
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}

	if e.details != "" {
		result["details"] = e.details
	}
	if e.data != nil {
		result["data"] = e.data
	}
	if e.context != nil {
		result["context"] = e.context
	}
	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}

	return result
}

// MarshalJSON implements json.Marshaler
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// New creates a RouterError of the given kind. Code, category and severity
// come from the kind registry.
func New(kind Kind, message string) RouterError {
	info := lookupKind(kind)
	return &baseError{
		code:     info.Code,
		kind:     kind,
		message:  message,
		category: info.Category,
		severity: info.Severity,
		context:  &Context{Timestamp: time.Now()},
	}
}

// Newf creates a RouterError with a formatted message
func Newf(kind Kind, format string, args ...interface{}) RouterError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error as a RouterError of the given kind
func Wrap(err error, kind Kind, message string) RouterError {
	e := New(kind, message).(*baseError)
	e.cause = err
	return e
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, kind Kind, format string, args ...interface{}) RouterError {
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// Sentinel returns a bare error of the given kind for use with errors.Is.
func Sentinel(kind Kind) error {
	return &baseError{kind: kind, message: string(kind)}
}

// AsRouterError finds the first RouterError in err's chain.
func AsRouterError(err error) (RouterError, bool) {
	if err == nil {
		return nil, false
	}
	var re RouterError
	if stderrors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// KindOf returns the kind of the first RouterError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	if re, ok := AsRouterError(err); ok {
		return re.Kind()
	}
	return KindInternal
}

// IsKind checks whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	re, ok := AsRouterError(err)
	return ok && re.Kind() == kind
}

// IsCategory checks if an error is of a specific category
func IsCategory(err error, category Category) bool {
	re, ok := AsRouterError(err)
	return ok && re.Category() == category
}

// IsRetryable reports whether another attempt may succeed. Only transient
// availability failures qualify; configuration gaps and remote errors never do.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout, KindNoAvailableServer, KindConnect:
		return true
	default:
		return false
	}
}
