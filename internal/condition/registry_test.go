package condition

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bolasblack/nfcond/internal/controlfs"
)

const testRoot = "/init/nf_condition"

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestRegistry(t *testing.T, fsOpts ...controlfs.Option) (*Registry, *controlfs.Fs) {
	t.Helper()
	fs := controlfs.New(fsOpts...)
	r, err := New(fs, testRoot, WithNamespace("init"), WithLogger(quietLogger()))
	require.NoError(t, err)
	return r, fs
}

// recordingObserver collects observer callbacks.
type recordingObserver struct {
	mu       sync.Mutex
	created  []string
	attached []string
	detached []string
	removed  []string
	failed   []error
	written  map[string]bool
}

func (o *recordingObserver) Attached(_ string, name string, created bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attached = append(o.attached, name)
	if created {
		o.created = append(o.created, name)
	}
}

func (o *recordingObserver) Detached(_ string, name string, destroyed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detached = append(o.detached, name)
	if destroyed {
		o.removed = append(o.removed, name)
	}
}

func (o *recordingObserver) AttachFailed(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *recordingObserver) Written(_ string, name string, enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.written == nil {
		o.written = make(map[string]bool)
	}
	o.written[name] = enabled
}

// failingSurface refuses every mount.
type failingSurface struct {
	*controlfs.Fs
	mkdirErr error
}

func (s *failingSurface) MkdirAll(p string, perm os.FileMode) error {
	if s.mkdirErr != nil {
		return s.mkdirErr
	}
	return s.Fs.MkdirAll(p, perm)
}

func (s *failingSurface) Mount(string, controlfs.Node, controlfs.Attr) error {
	return errors.New("out of memory")
}

// =============================================================================
// Attach / Detach
// =============================================================================

func TestRegistry_AttachCreatesVariableAndNode(t *testing.T) {
	r, fs := newTestRegistry(t)

	h, err := r.Attach("maint")
	require.NoError(t, err)
	assert.Equal(t, "maint", h.Name())
	assert.Equal(t, "init", h.Namespace())
	assert.NotEmpty(t, h.ID())

	info, ok := r.Lookup("maint")
	require.True(t, ok)
	assert.Equal(t, Info{Name: "maint", Enabled: false, Refcount: 1}, info)

	data, err := afero.ReadFile(fs, testRoot+"/maint")
	require.NoError(t, err)
	assert.Equal(t, "0\n", string(data))

	stat, err := fs.Stat(testRoot + "/maint")
	require.NoError(t, err)
	assert.Equal(t, DefaultNodeMode, stat.Mode().Perm())
}

func TestRegistry_LogsCarryHandleID(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	r, err := New(controlfs.New(), testRoot, WithNamespace("init"), WithLogger(logrus.NewEntry(logger)))
	require.NoError(t, err)

	h1, err := r.Attach("maint")
	require.NoError(t, err)
	assert.Equal(t, h1.ID(), hook.LastEntry().Data["handle"])

	h2, err := r.Attach("maint")
	require.NoError(t, err)
	assert.Equal(t, h2.ID(), hook.LastEntry().Data["handle"])

	require.NoError(t, r.Detach(h1))
	assert.Equal(t, "condition detached", hook.LastEntry().Message)
	assert.Equal(t, h1.ID(), hook.LastEntry().Data["handle"])

	require.NoError(t, r.Detach(h2))
	assert.Equal(t, "condition destroyed", hook.LastEntry().Message)
	assert.Equal(t, h2.ID(), hook.LastEntry().Data["handle"])
}

func TestRegistry_AttachSameNameSharesVariable(t *testing.T) {
	r, fs := newTestRegistry(t)

	h1, err := r.Attach("maint")
	require.NoError(t, err)
	h2, err := r.Attach("maint")
	require.NoError(t, err)

	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.Same(t, h1.v, h2.v)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, fs.NodeCount())

	info, _ := r.Lookup("maint")
	assert.Equal(t, uint(2), info.Refcount)

	h1.v.SetEnabled(true)
	assert.True(t, Evaluate(h2, false))
}

func TestRegistry_DetachDestroysOnLastReference(t *testing.T) {
	r, fs := newTestRegistry(t)

	h1, err := r.Attach("maint")
	require.NoError(t, err)
	h2, err := r.Attach("maint")
	require.NoError(t, err)

	require.NoError(t, r.Detach(h1))
	info, ok := r.Lookup("maint")
	require.True(t, ok)
	assert.Equal(t, uint(1), info.Refcount)
	assert.Equal(t, 1, fs.NodeCount())

	require.NoError(t, r.Detach(h2))
	_, ok = r.Lookup("maint")
	assert.False(t, ok)
	assert.Equal(t, 0, fs.NodeCount())

	_, err = fs.Stat(testRoot + "/maint")
	assert.True(t, os.IsNotExist(err))
}

func TestRegistry_ReattachStartsDisabled(t *testing.T) {
	r, _ := newTestRegistry(t)

	h, err := r.Attach("maint")
	require.NoError(t, err)
	h.v.SetEnabled(true)
	require.NoError(t, r.Detach(h))

	h, err = r.Attach("maint")
	require.NoError(t, err)
	assert.False(t, Evaluate(h, false))
}

func TestRegistry_DetachTwice(t *testing.T) {
	r, _ := newTestRegistry(t)

	h, err := r.Attach("maint")
	require.NoError(t, err)
	keep, err := r.Attach("maint")
	require.NoError(t, err)

	require.NoError(t, r.Detach(h))
	assert.True(t, h.Released())

	err = r.Detach(h)
	assert.ErrorIs(t, err, ErrHandleReleased)

	// The second detach must not steal keep's reference.
	info, ok := r.Lookup("maint")
	require.True(t, ok)
	assert.Equal(t, uint(1), info.Refcount)
	assert.False(t, keep.Released())
}

func TestRegistry_DetachForeignHandle(t *testing.T) {
	r1, _ := newTestRegistry(t)
	r2, _ := newTestRegistry(t)

	h, err := r1.Attach("maint")
	require.NoError(t, err)

	assert.Error(t, r2.Detach(h))
	assert.False(t, h.Released())
	assert.NoError(t, r1.Detach(h))
}

func TestRegistry_DetachNil(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.ErrorIs(t, r.Detach(nil), ErrHandleReleased)
}

func TestRegistry_AttachInvalidName(t *testing.T) {
	r, fs := newTestRegistry(t)
	obs := &recordingObserver{}
	r.observer = obs

	tests := []string{"", "a/b", "..", "this-name-is-way-too-long-for-a-condition"}
	for _, name := range tests {
		t.Run(fmt.Sprintf("%q", name), func(t *testing.T) {
			_, err := r.Attach(name)
			assert.ErrorIs(t, err, ErrInvalidName)
		})
	}

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, fs.NodeCount())
	assert.Len(t, obs.failed, len(tests))
}

func TestRegistry_AttachMaxLengthName(t *testing.T) {
	r, _ := newTestRegistry(t)

	name := "abcdefghijklmnopqrstuvwxyz01234"
	require.Len(t, name, MaxNameLen)

	h, err := r.Attach(name)
	require.NoError(t, err)
	assert.Equal(t, name, h.Name())
}

func TestRegistry_AttachNodeCreationFails(t *testing.T) {
	surface := &failingSurface{Fs: controlfs.New()}
	r, err := New(surface, testRoot, WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = r.Attach("maint")
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, 0, r.Len())
	_, ok := r.Lookup("maint")
	assert.False(t, ok)
}

func TestRegistry_AttachNodeLimit(t *testing.T) {
	r, fs := newTestRegistry(t, controlfs.WithMaxNodes(1))

	_, err := r.Attach("a")
	require.NoError(t, err)

	_, err = r.Attach("b")
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.ErrorIs(t, err, controlfs.ErrNoSpace)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, fs.NodeCount())

	// Existing names do not need a new node.
	_, err = r.Attach("a")
	assert.NoError(t, err)
}

func TestNew_RootCreationFails(t *testing.T) {
	surface := &failingSurface{Fs: controlfs.New(), mkdirErr: errors.New("no memory")}
	_, err := New(surface, testRoot)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestNew_NodeAttr(t *testing.T) {
	fs := controlfs.New()
	r, err := New(fs, testRoot,
		WithLogger(quietLogger()),
		WithNodeAttr(controlfs.Attr{Mode: 0600, UID: 1000, GID: 100}))
	require.NoError(t, err)

	_, err = r.Attach("maint")
	require.NoError(t, err)

	stat, err := fs.Stat(testRoot + "/maint")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), stat.Mode().Perm())
	owner := stat.Sys().(*controlfs.Owner)
	assert.Equal(t, 1000, owner.UID)
	assert.Equal(t, 100, owner.GID)
}

// =============================================================================
// Listing
// =============================================================================

func TestRegistry_VariablesSorted(t *testing.T) {
	r, _ := newTestRegistry(t)

	for _, name := range []string{"zulu", "alpha", "mike", "alpha"} {
		_, err := r.Attach(name)
		require.NoError(t, err)
	}
	h, _ := r.Lookup("mike")
	assert.Equal(t, "mike", h.Name)

	vars := r.Variables()
	require.Len(t, vars, 3)
	assert.Equal(t, "alpha", vars[0].Name)
	assert.Equal(t, uint(2), vars[0].Refcount)
	assert.Equal(t, "mike", vars[1].Name)
	assert.Equal(t, "zulu", vars[2].Name)
}

// =============================================================================
// Teardown
// =============================================================================

func TestRegistry_TeardownEmpty(t *testing.T) {
	r, fs := newTestRegistry(t)

	require.NoError(t, r.Teardown())
	assert.Equal(t, "", r.Root())
	assert.Equal(t, "", r.NodePath("x"))

	_, err := fs.Stat(testRoot)
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	assert.NoError(t, r.Teardown())
}

func TestRegistry_AttachAfterTeardown(t *testing.T) {
	r, fs := newTestRegistry(t)
	require.NoError(t, r.Teardown())

	_, err := r.Attach("maint")
	assert.ErrorIs(t, err, ErrNamespaceUnavailable)
	assert.Equal(t, 0, fs.NodeCount())
}

func TestRegistry_TeardownForceReleasesStale(t *testing.T) {
	r, fs := newTestRegistry(t)
	obs := &recordingObserver{}
	r.observer = obs

	hb, err := r.Attach("bravo")
	require.NoError(t, err)
	ha, err := r.Attach("alpha")
	require.NoError(t, err)

	err = r.Teardown()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleConditions)

	var stale *StaleError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, "init", stale.Namespace)
	assert.Equal(t, []string{"alpha", "bravo"}, stale.Names)

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, fs.NodeCount())
	assert.ElementsMatch(t, []string{"alpha", "bravo"}, obs.removed)

	// Handles still evaluate and can be released afterwards.
	assert.False(t, Evaluate(ha, false))
	assert.NoError(t, r.Detach(ha))
	assert.NoError(t, r.Detach(hb))
	assert.ErrorIs(t, r.Detach(hb), ErrHandleReleased)
}

func TestRegistry_TeardownInvalidatesOpenNodes(t *testing.T) {
	r, fs := newTestRegistry(t)

	_, err := r.Attach("maint")
	require.NoError(t, err)

	f, err := fs.OpenFile(testRoot+"/maint", os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	_ = r.Teardown()

	_, err = f.Write([]byte("1"))
	assert.ErrorIs(t, err, controlfs.ErrNodeRemoved)
}

// =============================================================================
// Observer
// =============================================================================

func TestRegistry_Observer(t *testing.T) {
	r, fs := newTestRegistry(t)
	obs := &recordingObserver{}
	r.observer = obs

	h1, err := r.Attach("maint")
	require.NoError(t, err)
	h2, err := r.Attach("maint")
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, testRoot+"/maint", []byte("1\n"), 0644))

	require.NoError(t, r.Detach(h1))
	require.NoError(t, r.Detach(h2))

	assert.Equal(t, []string{"maint", "maint"}, obs.attached)
	assert.Equal(t, []string{"maint"}, obs.created)
	assert.Equal(t, []string{"maint", "maint"}, obs.detached)
	assert.Equal(t, []string{"maint"}, obs.removed)
	assert.Equal(t, map[string]bool{"maint": true}, obs.written)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestRegistry_ConcurrentAttachDetach(t *testing.T) {
	r, fs := newTestRegistry(t)

	names := []string{"a", "b", "c", "d"}
	const workers = 16
	const rounds = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				name := names[(w+i)%len(names)]
				h, err := r.Attach(name)
				if !assert.NoError(t, err) {
					return
				}
				_ = Evaluate(h, i%2 == 0)
				assert.NoError(t, r.Detach(h))
			}
		}(w)
	}

	// Toggle through the control surface while rules churn.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			for _, name := range names {
				_ = afero.WriteFile(fs, testRoot+"/"+name, []byte{'0' + byte(i%2)}, 0644)
			}
		}
	}()

	wg.Wait()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, fs.NodeCount())
}

func TestRegistry_ConcurrentAttachSameName(t *testing.T) {
	r, fs := newTestRegistry(t)

	const workers = 32
	handles := make([]*Handle, workers)

	var wg sync.WaitGroup
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Attach("shared")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fs.NodeCount())
	info, ok := r.Lookup("shared")
	require.True(t, ok)
	assert.Equal(t, uint(workers), info.Refcount)

	for _, h := range handles {
		require.NoError(t, r.Detach(h))
	}
	assert.Equal(t, 0, fs.NodeCount())
}
