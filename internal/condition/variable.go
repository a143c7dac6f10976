package condition

import (
	"sync/atomic"

	"github.com/bolasblack/nfcond/internal/controlfs"
)

// Compile-time check: Variable is mountable on a control filesystem
var _ controlfs.Node = (*Variable)(nil)

// Variable is a named boolean cell shared by every rule that references it.
//
// enabled is read and written without the registry lock. refcount, orphaned
// and node are guarded by the owning Registry's mutex.
type Variable struct {
	name    string
	enabled atomic.Bool

	refcount uint
	orphaned bool
	node     string

	// onWrite, if set, is called after every write through the control node.
	onWrite func(name string, enabled bool)
}

// Name returns the variable's name.
func (v *Variable) Name() string {
	return v.name
}

// Enabled returns the current value.
func (v *Variable) Enabled() bool {
	return v.enabled.Load()
}

// SetEnabled stores a new value.
func (v *Variable) SetEnabled(enabled bool) {
	v.enabled.Store(enabled)
}
