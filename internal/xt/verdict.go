package xt

import (
	"fmt"
	"strings"
)

// Verdict is the outcome of a rule or a table policy.
type Verdict int

const (
	Accept Verdict = iota
	Drop
	Reject
)

var verdictNames = map[Verdict]string{
	Accept: "ACCEPT",
	Drop:   "DROP",
	Reject: "REJECT",
}

func (v Verdict) String() string {
	if name, ok := verdictNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// ParseVerdict parses a verdict name, case-insensitively.
func ParseVerdict(s string) (Verdict, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for v, name := range verdictNames {
		if name == want {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidVerdict, s)
}

// MarshalText implements encoding.TextMarshaler.
func (v Verdict) MarshalText() ([]byte, error) {
	if _, ok := verdictNames[v]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVerdict, int(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(text []byte) error {
	parsed, err := ParseVerdict(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
