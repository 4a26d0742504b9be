package errors

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
)

// ClassifiedError is an error tagged with the subsystem that produced it, how
// bad it is and whether repeating the operation can help. Build them through
// NewError, WrapError or one of the category constructors.
type ClassifiedError struct {
	category ErrorCategory
	severity ErrorSeverity
	retry    RetryStrategy
	message  string
	cause    error
	context  ErrorContext
}

func (e *ClassifiedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.category, e.severity, e.message, e.cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.category, e.severity, e.message)
}

func (e *ClassifiedError) Unwrap() error { return e.cause }

func (e *ClassifiedError) Category() ErrorCategory      { return e.category }
func (e *ClassifiedError) Severity() ErrorSeverity      { return e.severity }
func (e *ClassifiedError) RetryStrategy() RetryStrategy { return e.retry }
func (e *ClassifiedError) Message() string              { return e.message }
func (e *ClassifiedError) Cause() error                 { return e.cause }
func (e *ClassifiedError) Context() ErrorContext        { return e.context }

// Is matches another ClassifiedError with the same category and message, so
// package-level sentinels built with NewError work with errors.Is.
func (e *ClassifiedError) Is(target error) bool {
	other, ok := target.(*ClassifiedError)
	return ok && e.category == other.category && e.message == other.message
}

// CanRetry reports whether repeating the operation without user
// intervention can succeed.
func (e *ClassifiedError) CanRetry() bool {
	return e.retry != RetryNever && e.retry != RetryUserAction
}

func (e *ClassifiedError) IsFatal() bool { return e.severity == SeverityFatal }

// Attrs returns the category and context as log attributes, sorted by key.
func (e *ClassifiedError) Attrs() []slog.Attr {
	keys := make([]string, 0, len(e.context))
	for k := range e.context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys)+2)
	attrs = append(attrs, slog.String("category", string(e.category)))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, e.context[k]))
	}
	if e.CanRetry() {
		attrs = append(attrs, slog.String("retry", string(e.retry)))
	}
	return attrs
}

// LogValue implements slog.LogValuer.
func (e *ClassifiedError) LogValue() slog.Value {
	attrs := append([]slog.Attr{slog.String("msg", e.message)}, e.Attrs()...)
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	return slog.GroupValue(attrs...)
}

// AsClassified finds the first ClassifiedError in err's chain.
func AsClassified(err error) (*ClassifiedError, bool) {
	var classified *ClassifiedError
	if stderrors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

// IsClassified reports whether err or any error it wraps is a ClassifiedError.
func IsClassified(err error) bool {
	_, ok := AsClassified(err)
	return ok
}

// HasCategory reports whether the first ClassifiedError in err's chain has
// the given category.
func HasCategory(err error, category ErrorCategory) bool {
	c, ok := AsClassified(err)
	return ok && c.category == category
}

// HasSeverity reports whether the first ClassifiedError in err's chain has
// the given severity.
func HasSeverity(err error, severity ErrorSeverity) bool {
	c, ok := AsClassified(err)
	return ok && c.severity == severity
}

// GetRetryStrategy returns the retry hint of err, RetryNever when unclassified.
func GetRetryStrategy(err error) RetryStrategy {
	if c, ok := AsClassified(err); ok {
		return c.retry
	}
	return RetryNever
}

// NextPass reports whether err is resolved by simply trying again on the
// next scheduling pass, like a failed upstream fetch.
func NextPass(err error) bool {
	return GetRetryStrategy(err) == RetryNextPass
}
