package reconcile

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation marks a programming error: the classifier handed the
// engine an id it cannot resolve. It is never expected with well-formed input.
var ErrInvariantViolation = errors.New("classification invariant violation")

// ErrInvalidConfig is wrapped by runtimes that reject a container config
// before talking to the daemon. The engine turns it into a ConfigError.
var ErrInvalidConfig = errors.New("invalid container config")

// FetchError aborts a cycle: the desired state could not be obtained.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetch desired state: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// ObserveError aborts a cycle: the managed containers could not be listed.
type ObserveError struct {
	Err error
}

func (e *ObserveError) Error() string { return "observe running state: " + e.Err.Error() }
func (e *ObserveError) Unwrap() error { return e.Err }

// RuntimeError is a runtime call that failed for one container.
type RuntimeError struct {
	ID  string
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("container %s: %s: %v", e.ID, e.Op, e.Err)
}
func (e *RuntimeError) Unwrap() error { return e.Err }

// ConfigError is a spec that cannot be turned into a container, e.g.
// incomplete registry credentials. It only affects that container.
type ConfigError struct {
	ID  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("container %s: invalid configuration: %v", e.ID, e.Err)
}
func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
