package refill

import (
	"errors"
	"runtime/debug"
)

// ErrLimiterNotFound no limiter registered under the given name
var ErrLimiterNotFound = errors.New("limiter not found")

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "refill config validation failed for field '" + e.Field + "': " + e.Message
}

// NotPermittedError is returned by Execute when a permission could not be
// acquired. The stack is captured only when the limiter's configuration
// has WritableStackTrace enabled.
type NotPermittedError struct {
	LimiterName string
	Stack       []byte
}

func (e *NotPermittedError) Error() string {
	return "limiter '" + e.LimiterName + "' does not permit further calls"
}

func newNotPermittedError(name string, writableStackTrace bool) *NotPermittedError {
	err := &NotPermittedError{LimiterName: name}
	if writableStackTrace {
		err.Stack = debug.Stack()
	}
	return err
}
