// Package daemon owns the control filesystem, the namespace subsystem and
// the per-namespace rule tables, and exposes the operations the API and CLI
// perform on them.
package daemon

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bolasblack/nfcond/internal/condition"
	"github.com/bolasblack/nfcond/internal/config"
	"github.com/bolasblack/nfcond/internal/controlfs"
	"github.com/bolasblack/nfcond/internal/metrics"
	"github.com/bolasblack/nfcond/internal/netns"
	"github.com/bolasblack/nfcond/internal/xt"
)

// RuleSpec describes a rule to install.
type RuleSpec struct {
	Condition string `json:"condition"`
	Invert    bool   `json:"invert,omitempty"`
	Verdict   string `json:"verdict"`
}

// Daemon is the in-process host for condition namespaces.
type Daemon struct {
	mu     sync.Mutex
	tables map[string]*xt.Table

	fs      *controlfs.Fs
	ns      *netns.Subsystem
	log     *logrus.Entry
	metrics *metrics.Metrics
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Daemon) {
		d.log = log
	}
}

// WithMetrics makes every registry report to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Daemon) {
		d.metrics = m
	}
}

// New creates a daemon using the control settings of cfg. Namespaces and
// rules from cfg are not created until Apply.
func New(control config.Control, opts ...Option) (*Daemon, error) {
	mode, err := control.Mode()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		tables: make(map[string]*xt.Table),
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.fs = controlfs.New(controlfs.WithMaxNodes(control.MaxNodes))
	nsOpts := []netns.Option{
		netns.WithNodeAttr(controlfs.Attr{Mode: mode, UID: control.UID, GID: control.GID}),
		netns.WithLogger(d.log.WithField("component", "condition")),
	}
	if d.metrics != nil {
		nsOpts = append(nsOpts, netns.WithObserver(d.metrics))
	}
	d.ns = netns.New(d.fs, nsOpts...)
	return d, nil
}

// Fs returns the control filesystem.
func (d *Daemon) Fs() *controlfs.Fs {
	return d.fs
}

// Apply creates the namespaces of cfg and installs its rules. Namespaces
// that already exist are reused.
func (d *Daemon) Apply(cfg config.Config) error {
	for _, ns := range cfg.AllNamespaces() {
		if err := d.CreateNamespace(ns); err != nil && !errors.Is(err, os.ErrExist) {
			return err
		}
	}
	for _, ns := range slices.Sorted(maps.Keys(cfg.Policies)) {
		if err := d.SetPolicy(ns, cfg.Policies[ns]); err != nil {
			return fmt.Errorf("policies.%s: %w", ns, err)
		}
	}
	for i, r := range cfg.Rules {
		spec := RuleSpec{Condition: r.Condition, Invert: r.Invert, Verdict: r.Verdict}
		if _, err := d.InstallRule(r.Namespace, spec); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}

// CreateNamespace initializes ns with an empty rule table.
func (d *Daemon) CreateNamespace(ns string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, err := d.ns.Init(ns)
	if err != nil {
		return err
	}
	d.tables[ns] = xt.NewTable(reg, d.log.WithField("component", "xt"))
	return nil
}

// DestroyNamespace closes the table of ns and then tears the namespace
// down, so no condition is left attached at teardown.
func (d *Daemon) DestroyNamespace(ns string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tables[ns]
	if !ok {
		return fmt.Errorf("%w: %q", condition.ErrNamespaceUnavailable, ns)
	}
	delete(d.tables, ns)

	var errs []error
	if err := t.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.ns.Exit(ns); err != nil {
		errs = append(errs, err)
	}
	if d.metrics != nil {
		d.metrics.Forget(ns)
	}
	return errors.Join(errs...)
}

// Namespaces returns the existing namespaces, sorted.
func (d *Daemon) Namespaces() []string {
	return d.ns.Namespaces()
}

func (d *Daemon) table(ns string) (*xt.Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tables[ns]
	if !ok {
		return nil, fmt.Errorf("%w: %q", condition.ErrNamespaceUnavailable, ns)
	}
	return t, nil
}

// InstallRule appends a rule to the table of ns.
func (d *Daemon) InstallRule(ns string, spec RuleSpec) (xt.Rule, error) {
	verdict, err := xt.ParseVerdict(spec.Verdict)
	if err != nil {
		return xt.Rule{}, err
	}
	t, err := d.table(ns)
	if err != nil {
		return xt.Rule{}, err
	}
	return t.Append(xt.MatchInfo{Name: spec.Condition, Invert: spec.Invert}, verdict)
}

// Policy returns the verdict ns applies when no rule matches.
func (d *Daemon) Policy(ns string) (xt.Verdict, error) {
	t, err := d.table(ns)
	if err != nil {
		return 0, err
	}
	return t.Policy(), nil
}

// SetPolicy sets the verdict ns applies when no rule matches.
func (d *Daemon) SetPolicy(ns, verdict string) error {
	v, err := xt.ParseVerdict(verdict)
	if err != nil {
		return err
	}
	t, err := d.table(ns)
	if err != nil {
		return err
	}
	t.SetPolicy(v)
	d.log.WithFields(logrus.Fields{"namespace": ns, "policy": v}).Info("policy set")
	return nil
}

// RemoveRule deletes the rule with the given id from ns.
func (d *Daemon) RemoveRule(ns, id string) error {
	ruleID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %q", xt.ErrRuleNotFound, id)
	}
	t, err := d.table(ns)
	if err != nil {
		return err
	}
	return t.Delete(ruleID)
}

// Rules lists the rules of ns in evaluation order.
func (d *Daemon) Rules(ns string) ([]xt.Rule, error) {
	t, err := d.table(ns)
	if err != nil {
		return nil, err
	}
	return t.Rules(), nil
}

// Evaluate runs the rule table of ns against the current condition values.
func (d *Daemon) Evaluate(ns string) (xt.Result, error) {
	t, err := d.table(ns)
	if err != nil {
		return xt.Result{}, err
	}
	return t.Evaluate(), nil
}

// Conditions lists the condition variables of ns.
func (d *Daemon) Conditions(ns string) ([]condition.Info, error) {
	reg, err := d.ns.Registry(ns)
	if err != nil {
		return nil, err
	}
	return reg.Variables(), nil
}

func (d *Daemon) nodePath(ns, name string) (string, error) {
	if err := condition.ValidateName(name); err != nil {
		return "", err
	}
	reg, err := d.ns.Registry(ns)
	if err != nil {
		return "", err
	}
	p := reg.NodePath(name)
	if p == "" {
		return "", fmt.Errorf("%w: %q", condition.ErrNamespaceUnavailable, ns)
	}
	return p, nil
}

// ReadCondition reads the control node of ns/name as cred.
func (d *Daemon) ReadCondition(cred controlfs.Cred, ns, name string) ([]byte, error) {
	p, err := d.nodePath(ns, name)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(d.fs.As(cred), p)
}

// WriteCondition writes data to the control node of ns/name as cred, in a
// single write call.
func (d *Daemon) WriteCondition(cred controlfs.Cred, ns, name string, data []byte) error {
	p, err := d.nodePath(ns, name)
	if err != nil {
		return err
	}
	f, err := d.fs.As(cred).OpenFile(p, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close destroys every namespace.
func (d *Daemon) Close() error {
	var errs []error
	for _, ns := range d.Namespaces() {
		if err := d.DestroyNamespace(ns); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
