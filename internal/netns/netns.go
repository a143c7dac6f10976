// Package netns hosts one condition registry per network namespace and
// manages their control directories on the shared control filesystem.
package netns

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bolasblack/nfcond/internal/condition"
	"github.com/bolasblack/nfcond/internal/controlfs"
)

// MaxNameLen is the longest accepted namespace name.
const MaxNameLen = 64

// ErrInvalidNamespace is returned for namespace names that cannot be used as
// a directory on the control filesystem.
var ErrInvalidNamespace = errors.New("netns: invalid namespace name")

// ValidateName checks a namespace name.
func ValidateName(ns string) error {
	switch {
	case ns == "":
		return fmt.Errorf("%w: empty name", ErrInvalidNamespace)
	case len(ns) > MaxNameLen:
		return fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidNamespace, ns, MaxNameLen)
	case ns == "." || ns == "..":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidNamespace, ns)
	case strings.ContainsAny(ns, "/\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidNamespace, ns)
	}
	return nil
}

// Root returns the condition directory of ns.
func Root(ns string) string {
	return path.Join("/", ns, condition.DirName)
}

// Subsystem creates and tears down per-namespace registries.
type Subsystem struct {
	mu   sync.Mutex
	regs map[string]*condition.Registry

	fs       *controlfs.Fs
	attr     controlfs.Attr
	log      *logrus.Entry
	observer condition.Observer
}

// Option configures a Subsystem.
type Option func(*Subsystem)

// WithNodeAttr sets the mode and ownership of control nodes.
func WithNodeAttr(attr controlfs.Attr) Option {
	return func(s *Subsystem) {
		s.attr = attr
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Subsystem) {
		s.log = log
	}
}

// WithObserver sets the observer handed to every registry.
func WithObserver(o condition.Observer) Option {
	return func(s *Subsystem) {
		s.observer = o
	}
}

// New creates a subsystem publishing control nodes on fs.
func New(fs *controlfs.Fs, opts ...Option) *Subsystem {
	s := &Subsystem{
		regs: make(map[string]*condition.Registry),
		fs:   fs,
		attr: controlfs.Attr{Mode: condition.DefaultNodeMode},
		log:  logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the registry of ns and its control directory.
func (s *Subsystem) Init(ns string) (*condition.Registry, error) {
	if err := ValidateName(ns); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.regs[ns]; ok {
		return nil, fmt.Errorf("namespace %q: %w", ns, os.ErrExist)
	}

	opts := []condition.Option{
		condition.WithNamespace(ns),
		condition.WithNodeAttr(s.attr),
		condition.WithLogger(s.log),
	}
	if s.observer != nil {
		opts = append(opts, condition.WithObserver(s.observer))
	}
	reg, err := condition.New(s.fs, Root(ns), opts...)
	if err != nil {
		// Drop any partially created parent.
		_ = s.fs.RemoveAll(path.Join("/", ns))
		return nil, fmt.Errorf("namespace %q: %w", ns, err)
	}
	s.regs[ns] = reg

	s.log.WithField("namespace", ns).Info("namespace initialized")
	return reg, nil
}

// Exit tears down the registry of ns and removes its directory. A
// *condition.StaleError is returned, after cleanup has completed, when
// variables were still attached.
func (s *Subsystem) Exit(ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.regs[ns]
	if !ok {
		return fmt.Errorf("%w: %q", condition.ErrNamespaceUnavailable, ns)
	}
	delete(s.regs, ns)

	var errs []error
	if err := reg.Teardown(); err != nil {
		errs = append(errs, err)
	}
	if err := s.fs.RemoveAll(path.Join("/", ns)); err != nil {
		errs = append(errs, fmt.Errorf("remove namespace %q: %w", ns, err))
	}

	s.log.WithField("namespace", ns).Info("namespace exited")
	return errors.Join(errs...)
}

// Registry returns the registry of ns.
func (s *Subsystem) Registry(ns string) (*condition.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.regs[ns]
	if !ok {
		return nil, fmt.Errorf("%w: %q", condition.ErrNamespaceUnavailable, ns)
	}
	return reg, nil
}

// Namespaces returns the initialized namespaces, sorted.
func (s *Subsystem) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.regs))
	for ns := range s.regs {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// Close exits every namespace.
func (s *Subsystem) Close() error {
	var errs []error
	for _, ns := range s.Namespaces() {
		if err := s.Exit(ns); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
