package condition

import (
	"fmt"
	"strings"
)

// MaxNameLen is the longest accepted condition name, in bytes.
const MaxNameLen = 31

// ValidateName checks that name can be used as a condition and as the name
// of its control node: non-empty, at most MaxNameLen bytes, no path
// separator, and not a relative directory reference.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidName, name, MaxNameLen)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}
