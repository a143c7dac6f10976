package condition

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle is a rule's reference to an attached variable. It stays valid until
// it is passed to Registry.Detach, which must happen exactly once.
type Handle struct {
	id       uuid.UUID
	reg      *Registry
	v        *Variable
	released atomic.Bool
}

func newHandle(r *Registry, v *Variable) *Handle {
	return &Handle{id: uuid.New(), reg: r, v: v}
}

// ID returns a unique identifier for this attachment.
func (h *Handle) ID() string {
	return h.id.String()
}

// Name returns the name of the referenced variable.
func (h *Handle) Name() string {
	return h.v.name
}

// Namespace returns the namespace of the registry the handle came from.
func (h *Handle) Namespace() string {
	return h.reg.namespace
}

// Released reports whether the handle has been detached.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// Evaluate reports whether a rule holding h with the given invert flag
// matches: the variable's value XOR invert. It takes no lock and does not
// allocate, so it is safe on the packet path.
func Evaluate(h *Handle, invert bool) bool {
	return h.v.enabled.Load() != invert
}
