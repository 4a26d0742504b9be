package errors

// ErrorCategory groups errors by the subsystem that produced them.
type ErrorCategory string

const (
	// User input and configuration.
	CategoryConfig        ErrorCategory = "config"
	CategoryValidation    ErrorCategory = "validation"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryAlreadyExists ErrorCategory = "already_exists"
	CategoryConflict      ErrorCategory = "conflict"

	// External systems: upstream git remotes, remote builders, mirrors.
	CategoryNetwork ErrorCategory = "network"
	CategoryGit     ErrorCategory = "git"

	// Build pipeline.
	CategoryBuild      ErrorCategory = "build"
	CategoryLedger     ErrorCategory = "ledger"
	CategoryPublish    ErrorCategory = "publish"
	CategoryPurge      ErrorCategory = "purge"
	CategoryLock       ErrorCategory = "lock"
	CategoryFileSystem ErrorCategory = "filesystem"

	// Process level.
	CategoryRuntime  ErrorCategory = "runtime"
	CategoryDaemon   ErrorCategory = "daemon"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates the impact level of an error.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // aborts the run
	SeverityError   ErrorSeverity = "error"   // fails the current commit or request
	SeverityWarning ErrorSeverity = "warning" // run continues
	SeverityInfo    ErrorSeverity = "info"
)

// RetryStrategy hints how a caller should react to the error.
type RetryStrategy string

const (
	RetryNever      RetryStrategy = "never"
	RetryBackoff    RetryStrategy = "backoff"
	RetryNextPass   RetryStrategy = "next_pass" // picked up again by the next scheduling pass
	RetryUserAction RetryStrategy = "user"
)

// ErrorContext carries structured key/value details attached to an error.
type ErrorContext map[string]any

// Set adds or updates a context value.
func (c ErrorContext) Set(key string, value any) ErrorContext {
	if c == nil {
		c = make(ErrorContext)
	}
	c[key] = value
	return c
}

// Get retrieves a context value.
func (c ErrorContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	value, exists := c[key]
	return value, exists
}

// GetString retrieves a string context value.
func (c ErrorContext) GetString(key string) (string, bool) {
	if value, exists := c.Get(key); exists {
		if str, ok := value.(string); ok {
			return str, true
		}
	}
	return "", false
}
