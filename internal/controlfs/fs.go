// Package controlfs provides a synthetic filesystem whose files are mounted
// nodes backed by live state instead of stored content.
//
// It plays the role procfs plays for kernel extensions: every node answers
// reads by generating its current value and hands writes straight to its
// owner. The filesystem implements afero.Fs, so any afero helper (ReadFile,
// ReadDir, Walk) works against it.
package controlfs

import (
	"bytes"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

// =============================================================================
// Node Types
// =============================================================================

// Node is the live state behind a mounted file.
type Node interface {
	// Generate writes the node's current contents to buf.
	Generate(buf *bytes.Buffer) error
	// Write hands a write payload to the node and reports how much of it was consumed.
	Write(p []byte) (int, error)
}

// Attr holds the permission bits and ownership applied to a node at mount time.
type Attr struct {
	Mode os.FileMode
	UID  int
	GID  int
}

// Owner is returned by FileInfo.Sys for entries of this filesystem.
type Owner struct {
	UID int
	GID int
}

var (
	// ErrNodeRemoved is returned by I/O on a handle whose node was unmounted.
	ErrNodeRemoved = errors.New("controlfs: node removed")
	// ErrNoSpace is returned by Mount when the node limit is reached.
	ErrNoSpace = errors.New("controlfs: node limit reached")
)

// entry is a directory or a mounted node.
type entry struct {
	name string
	dir  bool
	node Node

	// Guarded by Fs.mu.
	mode    os.FileMode
	uid     int
	gid     int
	modTime time.Time

	// active is read-held by in-flight node I/O and write-held while the
	// node is retired, so retire waits for readers and writers to drain.
	active  sync.RWMutex
	removed bool // guarded by active
}

// retire marks the node removed once every in-flight operation has finished.
func (e *entry) retire() {
	e.active.Lock()
	e.removed = true
	e.active.Unlock()
}

// =============================================================================
// Fs
// =============================================================================

// Compile-time check: Fs implements afero.Fs
var _ afero.Fs = (*Fs)(nil)

// Fs is an in-memory tree of directories and mounted nodes.
//
// Semantics:
//   - Directories are created with Mkdir/MkdirAll
//   - Files exist only through Mount; O_CREATE of a missing file is refused
//   - Reads snapshot Node.Generate on first read, writes go to Node.Write
//   - Unmount/RemoveAll wait for in-flight I/O before returning
type Fs struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	nodes    int
	maxNodes int
	now      func() time.Time
}

// Option configures an Fs.
type Option func(*Fs)

// WithMaxNodes bounds the number of mounted nodes (0 means unlimited).
func WithMaxNodes(n int) Option {
	return func(f *Fs) {
		f.maxNodes = n
	}
}

// New creates an Fs containing only the root directory.
func New(opts ...Option) *Fs {
	f := &Fs{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.entries["/"] = &entry{name: "/", dir: true, mode: os.ModeDir | 0555, modTime: f.now()}
	return f
}

// cleanPath normalizes name to an absolute slash-separated path.
func cleanPath(name string) string {
	return path.Clean("/" + filepath.ToSlash(name))
}

func pathErr(op, name string, err error) error {
	return &os.PathError{Op: op, Path: name, Err: err}
}

// -----------------------------------------------------------------------------
// Fs: afero.Fs interface methods
// -----------------------------------------------------------------------------

// Name returns the name of this filesystem.
func (f *Fs) Name() string {
	return "ControlFs"
}

// Create refuses to create files; nodes only appear through Mount.
func (f *Fs) Create(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// Mkdir creates a single directory whose parent must already exist.
func (f *Fs) Mkdir(name string, perm os.FileMode) error {
	p := cleanPath(name)

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mkdirLocked("mkdir", p, perm)
}

// MkdirAll creates a directory and any missing parents.
func (f *Fs) MkdirAll(name string, perm os.FileMode) error {
	p := cleanPath(name)

	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[p]; ok {
		if !e.dir {
			return pathErr("mkdir", name, syscall.ENOTDIR)
		}
		return nil
	}

	cur := ""
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		cur += "/" + part
		if e, ok := f.entries[cur]; ok {
			if !e.dir {
				return pathErr("mkdir", cur, syscall.ENOTDIR)
			}
			continue
		}
		if err := f.mkdirLocked("mkdir", cur, perm); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fs) mkdirLocked(op, p string, perm os.FileMode) error {
	if _, ok := f.entries[p]; ok {
		return pathErr(op, p, os.ErrExist)
	}
	parent, ok := f.entries[path.Dir(p)]
	if !ok {
		return pathErr(op, p, os.ErrNotExist)
	}
	if !parent.dir {
		return pathErr(op, p, syscall.ENOTDIR)
	}
	f.entries[p] = &entry{
		name:    path.Base(p),
		dir:     true,
		mode:    os.ModeDir | perm.Perm(),
		modTime: f.now(),
	}
	parent.modTime = f.now()
	return nil
}

// Open opens a node or directory for reading.
func (f *Fs) Open(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile opens an existing node or directory. O_TRUNC is accepted and
// ignored on nodes, so shell redirection (echo 1 > node) works.
func (f *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	p := cleanPath(name)

	f.mu.RLock()
	e, ok := f.entries[p]
	f.mu.RUnlock()

	if !ok {
		if flag&os.O_CREATE != 0 {
			return nil, pathErr("open", name, os.ErrPermission)
		}
		return nil, pathErr("open", name, os.ErrNotExist)
	}
	if flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
		return nil, pathErr("open", name, os.ErrExist)
	}

	if e.dir {
		if isWriteFlag(flag) {
			return nil, pathErr("open", name, syscall.EISDIR)
		}
		return &dirFile{fs: f, path: p}, nil
	}
	return &nodeFile{fs: f, e: e, path: p, flag: flag}, nil
}

// Remove deletes an empty directory. Mounted nodes cannot be removed this way.
func (f *Fs) Remove(name string) error {
	p := cleanPath(name)

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[p]
	if !ok {
		return pathErr("remove", name, os.ErrNotExist)
	}
	if p == "/" || !e.dir {
		return pathErr("remove", name, os.ErrPermission)
	}
	if len(f.childrenLocked(p)) > 0 {
		return pathErr("remove", name, syscall.ENOTEMPTY)
	}
	delete(f.entries, p)
	return nil
}

// RemoveAll removes a directory subtree, unmounting every node below it.
// A missing path is not an error.
func (f *Fs) RemoveAll(name string) error {
	p := cleanPath(name)
	if p == "/" {
		return pathErr("removeall", name, os.ErrPermission)
	}

	f.mu.Lock()
	var retired []*entry
	prefix := p + "/"
	for key, e := range f.entries {
		if key != p && !strings.HasPrefix(key, prefix) {
			continue
		}
		delete(f.entries, key)
		if !e.dir {
			f.nodes--
			retired = append(retired, e)
		}
	}
	f.mu.Unlock()

	for _, e := range retired {
		e.retire()
	}
	return nil
}

// Rename is not supported.
func (f *Fs) Rename(oldname, newname string) error {
	return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: os.ErrPermission}
}

// Stat returns file info for a node or directory.
func (f *Fs) Stat(name string) (os.FileInfo, error) {
	p := cleanPath(name)

	f.mu.RLock()
	defer f.mu.RUnlock()

	e, ok := f.entries[p]
	if !ok {
		return nil, pathErr("stat", name, os.ErrNotExist)
	}
	return infoLocked(e), nil
}

// Chmod changes the permission bits of an entry.
func (f *Fs) Chmod(name string, mode os.FileMode) error {
	return f.update("chmod", name, func(e *entry) {
		e.mode = (e.mode &^ os.ModePerm) | mode.Perm()
	})
}

// Chown changes the owner of an entry.
func (f *Fs) Chown(name string, uid, gid int) error {
	return f.update("chown", name, func(e *entry) {
		e.uid, e.gid = uid, gid
	})
}

// Chtimes changes the modification time of an entry.
func (f *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return f.update("chtimes", name, func(e *entry) {
		e.modTime = mtime
	})
}

func (f *Fs) update(op, name string, fn func(*entry)) error {
	p := cleanPath(name)

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[p]
	if !ok {
		return pathErr(op, name, os.ErrNotExist)
	}
	fn(e)
	return nil
}

// -----------------------------------------------------------------------------
// Fs: Extension methods (not part of afero.Fs)
// -----------------------------------------------------------------------------

// Mount attaches node at name. The parent directory must exist and name must
// not be taken.
func (f *Fs) Mount(name string, node Node, attr Attr) error {
	p := cleanPath(name)
	base := path.Base(p)
	if p == "/" || base == "." || base == ".." {
		return pathErr("mount", name, os.ErrInvalid)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[p]; ok {
		return pathErr("mount", name, os.ErrExist)
	}
	parent, ok := f.entries[path.Dir(p)]
	if !ok {
		return pathErr("mount", name, os.ErrNotExist)
	}
	if !parent.dir {
		return pathErr("mount", name, syscall.ENOTDIR)
	}
	if f.maxNodes > 0 && f.nodes >= f.maxNodes {
		return pathErr("mount", name, ErrNoSpace)
	}

	f.entries[p] = &entry{
		name:    base,
		node:    node,
		mode:    attr.Mode.Perm(),
		uid:     attr.UID,
		gid:     attr.GID,
		modTime: f.now(),
	}
	f.nodes++
	parent.modTime = f.now()
	return nil
}

// Unmount detaches the node at name and waits for in-flight reads and writes
// on it to finish. Handles still open afterwards fail with ErrNodeRemoved.
func (f *Fs) Unmount(name string) error {
	p := cleanPath(name)

	f.mu.Lock()
	e, ok := f.entries[p]
	if !ok {
		f.mu.Unlock()
		return pathErr("unmount", name, os.ErrNotExist)
	}
	if e.dir {
		f.mu.Unlock()
		return pathErr("unmount", name, syscall.EISDIR)
	}
	delete(f.entries, p)
	f.nodes--
	if parent, ok := f.entries[path.Dir(p)]; ok {
		parent.modTime = f.now()
	}
	f.mu.Unlock()

	e.retire()
	return nil
}

// NodeCount returns the number of mounted nodes.
func (f *Fs) NodeCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nodes
}

// childrenLocked returns the entries directly below dir, sorted by name.
// Caller must hold f.mu.
func (f *Fs) childrenLocked(dir string) []*entry {
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	var out []*entry
	for key, e := range f.entries {
		if key == dir || !strings.HasPrefix(key, prefix) {
			continue
		}
		if strings.Contains(key[len(prefix):], "/") {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func isWriteFlag(flag int) bool {
	return flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_TRUNC) != 0
}

func isReadFlag(flag int) bool {
	return flag&os.O_WRONLY == 0
}

// =============================================================================
// FileInfo
// =============================================================================

type fileInfo struct {
	name    string
	mode    os.FileMode
	modTime time.Time
	owner   Owner
}

// infoLocked snapshots e. Caller must hold Fs.mu.
func infoLocked(e *entry) *fileInfo {
	return &fileInfo{
		name:    e.name,
		mode:    e.mode,
		modTime: e.modTime,
		owner:   Owner{UID: e.uid, GID: e.gid},
	}
}

func (i *fileInfo) Name() string       { return i.name }
func (i *fileInfo) Size() int64        { return 0 }
func (i *fileInfo) Mode() os.FileMode  { return i.mode }
func (i *fileInfo) ModTime() time.Time { return i.modTime }
func (i *fileInfo) IsDir() bool        { return i.mode.IsDir() }
func (i *fileInfo) Sys() any           { return &i.owner }
