package xt

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bolasblack/nfcond/internal/condition"
)

// Rule is an installed rule.
type Rule struct {
	ID      uuid.UUID `json:"id"`
	Match   MatchInfo `json:"match"`
	Verdict Verdict   `json:"verdict"`
}

// Result is the outcome of evaluating a table. Rule is nil when no rule
// matched and the policy applied.
type Result struct {
	Verdict Verdict    `json:"verdict"`
	Rule    *uuid.UUID `json:"rule,omitempty"`
}

type tableRule struct {
	id      uuid.UUID
	matcher *Matcher
	verdict Verdict
}

func (r *tableRule) rule() Rule {
	return Rule{ID: r.id, Match: r.matcher.Info(), Verdict: r.verdict}
}

// Table is the ordered rule list of one namespace.
type Table struct {
	mu     sync.RWMutex
	rules  []*tableRule
	policy Verdict
	closed bool

	reg *condition.Registry
	log *logrus.Entry
}

// NewTable creates an empty table with an ACCEPT policy whose rules attach
// to reg.
func NewTable(reg *condition.Registry, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Table{
		reg:    reg,
		policy: Accept,
		log:    log.WithField("namespace", reg.Namespace()),
	}
}

// Policy returns the verdict used when no rule matches.
func (t *Table) Policy() Verdict {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.policy
}

// SetPolicy sets the verdict used when no rule matches.
func (t *Table) SetPolicy(v Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy = v
}

// Append installs a rule at the end of the table.
func (t *Table) Append(m MatchInfo, verdict Verdict) (Rule, error) {
	if _, ok := verdictNames[verdict]; !ok {
		return Rule{}, fmt.Errorf("%w: %d", ErrInvalidVerdict, int(verdict))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Rule{}, fmt.Errorf("%w: %q", condition.ErrNamespaceUnavailable, t.reg.Namespace())
	}
	matcher, err := m.CheckEntry(t.reg)
	if err != nil {
		return Rule{}, err
	}
	r := &tableRule{id: uuid.New(), matcher: matcher, verdict: verdict}
	t.rules = append(t.rules, r)

	t.log.WithFields(logrus.Fields{"rule": r.id, "match": m.String(), "verdict": verdict}).Info("rule installed")
	return r.rule(), nil
}

// Delete removes the rule with the given id.
func (t *Table) Delete(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := slices.IndexFunc(t.rules, func(r *tableRule) bool { return r.id == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	r := t.rules[i]
	t.rules = slices.Delete(t.rules, i, i+1)

	if err := r.matcher.Destroy(); err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	t.log.WithField("rule", id).Info("rule deleted")
	return nil
}

// Close removes every rule and rejects every later Append, so no rule can
// attach between the flush and the namespace teardown.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	var errs []error
	for _, r := range t.rules {
		if err := r.matcher.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("flush rule %s: %w", r.id, err))
		}
	}
	if n := len(t.rules); n > 0 {
		t.log.WithField("count", n).Info("rules flushed")
	}
	t.rules = nil
	return errors.Join(errs...)
}

// Rules returns the installed rules in evaluation order.
func (t *Table) Rules() []Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rules := make([]Rule, 0, len(t.rules))
	for _, r := range t.rules {
		rules = append(rules, r.rule())
	}
	return rules
}

// Len returns the number of rules.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// Evaluate walks the rules in order and returns the verdict of the first
// one whose match holds, or the policy.
func (t *Table) Evaluate() Result {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.rules {
		if r.matcher.Match() {
			id := r.id
			return Result{Verdict: r.verdict, Rule: &id}
		}
	}
	return Result{Verdict: t.policy}
}
