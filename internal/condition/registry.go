// Package condition implements condition variables: named boolean flags that
// firewall rules match against and administrators toggle at runtime.
//
// Each namespace owns one Registry. Rules attach to a variable by name when
// they are installed and detach when they are removed; the variable and its
// control node live exactly as long as at least one rule holds it.
package condition

import (
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bolasblack/nfcond/internal/controlfs"
)

// DirName is the name of the per-namespace control directory.
const DirName = "nf_condition"

// DefaultNodeMode is the permission applied to control nodes unless configured.
const DefaultNodeMode os.FileMode = 0644

var errForeignHandle = errors.New("condition: handle belongs to another registry")

// Surface creates and destroys control nodes. *controlfs.Fs implements it.
type Surface interface {
	MkdirAll(path string, perm os.FileMode) error
	Mount(path string, node controlfs.Node, attr controlfs.Attr) error
	Unmount(path string) error
	RemoveAll(path string) error
}

// Observer is notified of registry activity. Calls are made while the
// registry lock is held (except Written), so implementations must not block.
type Observer interface {
	Attached(namespace, name string, created bool)
	Detached(namespace, name string, destroyed bool)
	AttachFailed(namespace string, err error)
	Written(namespace, name string, enabled bool)
}

// Info is a point-in-time view of a variable.
type Info struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Refcount uint   `json:"refcount"`
}

// Registry holds the condition variables of one namespace.
type Registry struct {
	mu   sync.Mutex
	vars []*Variable
	// root is the control directory; empty once torn down.
	root string

	namespace string
	surface   Surface
	attr      controlfs.Attr
	log       *logrus.Entry
	observer  Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithNamespace sets the namespace name used in logs, errors and metrics.
func WithNamespace(ns string) Option {
	return func(r *Registry) {
		r.namespace = ns
	}
}

// WithNodeAttr sets the mode and ownership of control nodes created from now on.
func WithNodeAttr(attr controlfs.Attr) Option {
	return func(r *Registry) {
		r.attr = attr
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// New creates an empty registry whose control nodes live under root.
// It fails with ErrResourceExhausted if root cannot be created.
func New(surface Surface, root string, opts ...Option) (*Registry, error) {
	r := &Registry{
		surface: surface,
		attr:    controlfs.Attr{Mode: DefaultNodeMode},
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("namespace", r.namespace)

	if err := surface.MkdirAll(root, 0555); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrResourceExhausted, root, err)
	}
	r.root = root
	return r, nil
}

// Namespace returns the namespace name.
func (r *Registry) Namespace() string {
	return r.namespace
}

// Root returns the control directory, or "" after Teardown.
func (r *Registry) Root() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// NodePath returns the control node path for name.
func (r *Registry) NodePath(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root == "" {
		return ""
	}
	return path.Join(r.root, name)
}

// Attach returns a handle to the variable called name, creating the variable
// and its control node if this is the first reference.
func (r *Registry) Attach(name string) (*Handle, error) {
	if err := ValidateName(name); err != nil {
		r.attachFailed(err)
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.root == "" {
		err := fmt.Errorf("%w: %q", ErrNamespaceUnavailable, r.namespace)
		r.attachFailed(err)
		return nil, err
	}

	if v := r.lookupLocked(name); v != nil {
		v.refcount++
		h := newHandle(r, v)
		r.log.WithFields(logrus.Fields{"condition": name, "handle": h.ID(), "refcount": v.refcount}).Debug("condition attached")
		if r.observer != nil {
			r.observer.Attached(r.namespace, name, false)
		}
		return h, nil
	}

	v := &Variable{
		name:     name,
		refcount: 1,
		node:     path.Join(r.root, name),
	}
	if r.observer != nil {
		ns, o := r.namespace, r.observer
		v.onWrite = func(name string, enabled bool) {
			o.Written(ns, name, enabled)
		}
	}
	if err := r.surface.Mount(v.node, v, r.attr); err != nil {
		err = fmt.Errorf("%w: create %s: %w", ErrResourceExhausted, v.node, err)
		r.attachFailed(err)
		return nil, err
	}
	r.vars = append(r.vars, v)

	h := newHandle(r, v)
	r.log.WithFields(logrus.Fields{"condition": name, "handle": h.ID()}).Debug("condition created")
	if r.observer != nil {
		r.observer.Attached(r.namespace, name, true)
	}
	return h, nil
}

// Detach releases h. When the last handle to a variable is released, the
// variable is removed and its control node destroyed; destruction waits for
// reads and writes already in progress on the node.
func (r *Registry) Detach(h *Handle) error {
	if h == nil || h.v == nil {
		return fmt.Errorf("%w: nil handle", ErrHandleReleased)
	}
	if h.reg != r {
		return errForeignHandle
	}
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrHandleReleased, h.v.name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v := h.v
	log := r.log.WithFields(logrus.Fields{"condition": v.name, "handle": h.ID()})
	if v.refcount > 0 {
		v.refcount--
	}
	if v.orphaned {
		log.Debug("released handle to force-detached condition")
		return nil
	}
	if v.refcount > 0 {
		log.WithField("refcount", v.refcount).Debug("condition detached")
		if r.observer != nil {
			r.observer.Detached(r.namespace, v.name, false)
		}
		return nil
	}

	r.vars = slices.DeleteFunc(r.vars, func(o *Variable) bool { return o == v })
	if err := r.surface.Unmount(v.node); err != nil {
		r.log.WithError(err).WithField("condition", v.name).Warn("control node already gone")
	}

	log.Debug("condition destroyed")
	if r.observer != nil {
		r.observer.Detached(r.namespace, v.name, true)
	}
	return nil
}

// Teardown removes the control directory and every node in it. Variables
// that are still attached are force-released: each is logged, marked
// orphaned so later Detach calls only release their handle, and reported in
// the returned *StaleError. Teardown is idempotent.
func (r *Registry) Teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.root == "" {
		return nil
	}

	var stale []string
	for _, v := range r.vars {
		r.log.WithFields(logrus.Fields{"condition": v.name, "refcount": v.refcount}).
			Warn("condition still attached at namespace teardown, force-releasing")
		v.orphaned = true
		stale = append(stale, v.name)
		if r.observer != nil {
			r.observer.Detached(r.namespace, v.name, true)
		}
	}
	r.vars = nil

	var errs []error
	if err := r.surface.RemoveAll(r.root); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", r.root, err))
	}
	r.root = ""

	if len(stale) > 0 {
		sort.Strings(stale)
		errs = append(errs, &StaleError{Namespace: r.namespace, Names: stale})
	}
	return errors.Join(errs...)
}

// Lookup returns the state of the variable called name.
func (r *Registry) Lookup(name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.lookupLocked(name)
	if v == nil {
		return Info{}, false
	}
	return infoOf(v), true
}

// Variables returns the state of every variable, sorted by name.
func (r *Registry) Variables() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.vars))
	for _, v := range r.vars {
		infos = append(infos, infoOf(v))
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Len returns the number of variables.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vars)
}

// lookupLocked scans for name. Caller must hold r.mu.
func (r *Registry) lookupLocked(name string) *Variable {
	for _, v := range r.vars {
		if v.name == name {
			return v
		}
	}
	return nil
}

func (r *Registry) attachFailed(err error) {
	r.log.WithError(err).Info("condition attach failed")
	if r.observer != nil {
		r.observer.AttachFailed(r.namespace, err)
	}
}

func infoOf(v *Variable) Info {
	return Info{Name: v.name, Enabled: v.enabled.Load(), Refcount: v.refcount}
}
