package condition

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidName is returned when a condition name fails validation.
	ErrInvalidName = errors.New("condition: name not allowed or too long")
	// ErrResourceExhausted is returned when a variable or its control node cannot be created.
	ErrResourceExhausted = errors.New("condition: resource exhausted")
	// ErrNamespaceUnavailable is returned when the registry has no root directory.
	ErrNamespaceUnavailable = errors.New("condition: namespace unavailable")
	// ErrHandleReleased is returned when a handle is detached a second time.
	ErrHandleReleased = errors.New("condition: handle already released")
	// ErrStaleConditions is returned by Teardown when variables were still attached.
	ErrStaleConditions = errors.New("condition: variables still attached at teardown")
)

// StaleError lists the variables Teardown had to force-release.
type StaleError struct {
	Namespace string
	Names     []string
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("%v: namespace %q: %s", ErrStaleConditions, e.Namespace, strings.Join(e.Names, ", "))
}

func (e *StaleError) Unwrap() error {
	return ErrStaleConditions
}
