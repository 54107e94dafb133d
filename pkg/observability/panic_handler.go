package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with the stack trace.
// It must be deferred directly:
//
//	defer observability.RecoverPanic(logger, "purge rate buckets")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithField("panic", fmt.Sprint(r)).
			WithField("stack", string(debug.Stack())).
			WithField("context", where).
			Error("PANIC recovered")
	}
}

// PanicError converts a recovered value into an error, nil when r is nil
func PanicError(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
