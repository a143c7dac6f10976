package controlfs

import (
	"os"
	"path"
	"time"

	"github.com/spf13/afero"
)

// Cred identifies the caller an access check is made for.
type Cred struct {
	UID int
	GID int
}

var (
	// Root bypasses permission checks.
	Root = Cred{UID: 0, GID: 0}
	// Nobody is used for callers whose identity is unknown.
	Nobody = Cred{UID: 65534, GID: 65534}
)

const (
	mayExec  os.FileMode = 1
	mayWrite os.FileMode = 2
	mayRead  os.FileMode = 4
)

// may reports whether c is granted want on an entry with the given mode and owner.
func (c Cred) may(mode os.FileMode, uid, gid int, want os.FileMode) bool {
	if c.UID == 0 {
		return true
	}
	perm := mode.Perm()
	switch {
	case c.UID == uid:
		perm >>= 6
	case c.GID == gid:
		perm >>= 3
	}
	return perm&want == want
}

// As returns a view of f that checks permission bits against cred before
// opening entries, the way a filesystem checks the calling process: every
// ancestor directory needs search (x) permission and the entry itself the
// access the open flags ask for. Structural changes (mkdir, removal,
// ownership) are reserved for root.
func (f *Fs) As(cred Cred) afero.Fs {
	return &credFs{fs: f, cred: cred}
}

// Compile-time check: credFs implements afero.Fs
var _ afero.Fs = (*credFs)(nil)

type credFs struct {
	fs   *Fs
	cred Cred
}

func (c *credFs) access(op, name string, want os.FileMode) error {
	p := cleanPath(name)

	c.fs.mu.RLock()
	defer c.fs.mu.RUnlock()

	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		if d, ok := c.fs.entries[dir]; ok && !c.cred.may(d.mode, d.uid, d.gid, mayExec) {
			return pathErr(op, name, os.ErrPermission)
		}
		if dir == "/" {
			break
		}
	}

	e, ok := c.fs.entries[p]
	if !ok {
		return pathErr(op, name, os.ErrNotExist)
	}
	if !c.cred.may(e.mode, e.uid, e.gid, want) {
		return pathErr(op, name, os.ErrPermission)
	}
	return nil
}

func (c *credFs) rootOnly(op, name string) error {
	if c.cred.UID != 0 {
		return pathErr(op, name, os.ErrPermission)
	}
	return nil
}

func (c *credFs) Name() string {
	return c.fs.Name()
}

func (c *credFs) Create(name string) (afero.File, error) {
	return c.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (c *credFs) Mkdir(name string, perm os.FileMode) error {
	if err := c.rootOnly("mkdir", name); err != nil {
		return err
	}
	return c.fs.Mkdir(name, perm)
}

func (c *credFs) MkdirAll(name string, perm os.FileMode) error {
	if err := c.rootOnly("mkdir", name); err != nil {
		return err
	}
	return c.fs.MkdirAll(name, perm)
}

func (c *credFs) Open(name string) (afero.File, error) {
	return c.OpenFile(name, os.O_RDONLY, 0)
}

func (c *credFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	var want os.FileMode
	if isReadFlag(flag) {
		want |= mayRead
	}
	if isWriteFlag(flag) {
		want |= mayWrite
	}
	if err := c.access("open", name, want); err != nil {
		// Missing files keep the error the underlying fs would report.
		if os.IsNotExist(err) {
			return c.fs.OpenFile(name, flag, perm)
		}
		return nil, err
	}
	return c.fs.OpenFile(name, flag, perm)
}

func (c *credFs) Remove(name string) error {
	if err := c.rootOnly("remove", name); err != nil {
		return err
	}
	return c.fs.Remove(name)
}

func (c *credFs) RemoveAll(name string) error {
	if err := c.rootOnly("removeall", name); err != nil {
		return err
	}
	return c.fs.RemoveAll(name)
}

func (c *credFs) Rename(oldname, newname string) error {
	return c.fs.Rename(oldname, newname)
}

func (c *credFs) Stat(name string) (os.FileInfo, error) {
	return c.fs.Stat(name)
}

func (c *credFs) Chmod(name string, mode os.FileMode) error {
	if err := c.ownerOnly("chmod", name); err != nil {
		return err
	}
	return c.fs.Chmod(name, mode)
}

func (c *credFs) Chown(name string, uid, gid int) error {
	if err := c.rootOnly("chown", name); err != nil {
		return err
	}
	return c.fs.Chown(name, uid, gid)
}

func (c *credFs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	if err := c.ownerOnly("chtimes", name); err != nil {
		return err
	}
	return c.fs.Chtimes(name, atime, mtime)
}

func (c *credFs) ownerOnly(op, name string) error {
	if c.cred.UID == 0 {
		return nil
	}
	info, err := c.fs.Stat(name)
	if err != nil {
		return err
	}
	if owner, ok := info.Sys().(*Owner); !ok || owner.UID != c.cred.UID {
		return pathErr(op, name, os.ErrPermission)
	}
	return nil
}
