// Package xt is a small in-process rule framework built on condition
// variables. A Table holds an ordered rule list per namespace; each rule
// carries a condition match that attaches to the namespace registry when
// the rule is installed and detaches exactly once when it is removed.
package xt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bolasblack/nfcond/internal/condition"
)

// MatchName is the extension name of the condition match.
const MatchName = "condition"

var (
	// ErrInvalidVerdict is returned for unknown verdict names.
	ErrInvalidVerdict = errors.New("xt: invalid verdict")
	// ErrRuleNotFound is returned when a rule id is not in the table.
	ErrRuleNotFound = errors.New("xt: rule not found")
)

// MatchInfo is the user-supplied part of a condition match.
type MatchInfo struct {
	Name   string `json:"name"`
	Invert bool   `json:"invert,omitempty"`
}

// ParseMatch parses "name" or "!name".
func ParseMatch(s string) (MatchInfo, error) {
	s = strings.TrimSpace(s)
	var m MatchInfo
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		m.Invert = true
		s = strings.TrimSpace(rest)
	}
	if err := condition.ValidateName(s); err != nil {
		return MatchInfo{}, err
	}
	m.Name = s
	return m, nil
}

func (m MatchInfo) String() string {
	if m.Invert {
		return "!" + m.Name
	}
	return m.Name
}

// CheckEntry validates m and attaches it to reg, returning the bound matcher.
func (m MatchInfo) CheckEntry(reg *condition.Registry) (*Matcher, error) {
	h, err := reg.Attach(m.Name)
	if err != nil {
		return nil, fmt.Errorf("%s match %q: %w", MatchName, m.String(), err)
	}
	return &Matcher{info: m, reg: reg, h: h}, nil
}

// Matcher is a condition match bound to a variable.
type Matcher struct {
	info MatchInfo
	reg  *condition.Registry
	h    *condition.Handle
}

// Name returns the extension name.
func (*Matcher) Name() string {
	return MatchName
}

// Info returns the match parameters.
func (m *Matcher) Info() MatchInfo {
	return m.info
}

// Match reports whether the rule matches under the current variable value.
func (m *Matcher) Match() bool {
	return condition.Evaluate(m.h, m.info.Invert)
}

// Destroy detaches the matcher from its variable. Calling it twice returns
// condition.ErrHandleReleased.
func (m *Matcher) Destroy() error {
	return m.reg.Detach(m.h)
}
