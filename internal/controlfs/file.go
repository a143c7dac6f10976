package controlfs

import (
	"bytes"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/spf13/afero"
)

// Compile-time checks: both handle types implement afero.File
var (
	_ afero.File = (*nodeFile)(nil)
	_ afero.File = (*dirFile)(nil)
)

// =============================================================================
// nodeFile
// =============================================================================

// nodeFile is an open handle on a mounted node. The first read snapshots the
// node's contents; later reads page through that snapshot until the handle
// is rewound to offset zero.
type nodeFile struct {
	fs   *Fs
	e    *entry
	path string
	flag int

	mu     sync.Mutex
	buf    []byte
	loaded bool
	pos    int64
	closed bool
}

// loadLocked generates the snapshot if there is none. Caller must hold f.mu.
func (f *nodeFile) loadLocked() error {
	if f.loaded {
		return nil
	}

	f.e.active.RLock()
	defer f.e.active.RUnlock()
	if f.e.removed {
		return pathErr("read", f.path, ErrNodeRemoved)
	}

	var b bytes.Buffer
	if err := f.e.node.Generate(&b); err != nil {
		return pathErr("read", f.path, err)
	}
	f.buf = b.Bytes()
	f.loaded = true
	return nil
}

func (f *nodeFile) checkRead(op string) error {
	if f.closed {
		return pathErr(op, f.path, os.ErrClosed)
	}
	if !isReadFlag(f.flag) {
		return pathErr(op, f.path, syscall.EBADF)
	}
	return nil
}

func (f *nodeFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return pathErr("close", f.path, os.ErrClosed)
	}
	f.closed = true
	f.buf = nil
	return nil
}

func (f *nodeFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkRead("read"); err != nil {
		return 0, err
	}
	if err := f.loadLocked(); err != nil {
		return 0, err
	}
	if f.pos >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *nodeFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkRead("read"); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, pathErr("readat", f.path, os.ErrInvalid)
	}
	if err := f.loadLocked(); err != nil {
		return 0, err
	}
	if off >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Seek moves within the snapshot. Seeking to the start drops the snapshot so
// the next read observes the node's current value.
func (f *nodeFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, pathErr("seek", f.path, os.ErrClosed)
	}

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = f.pos + offset
	case io.SeekEnd:
		if isReadFlag(f.flag) {
			if err := f.loadLocked(); err != nil {
				return 0, err
			}
		}
		newPos = int64(len(f.buf)) + offset
	default:
		return 0, pathErr("seek", f.path, os.ErrInvalid)
	}

	if newPos < 0 {
		return 0, pathErr("seek", f.path, os.ErrInvalid)
	}
	if newPos == 0 {
		f.buf, f.loaded = nil, false
	}
	f.pos = newPos
	return newPos, nil
}

// Write passes p to the node. The file offset is neither used nor advanced.
func (f *nodeFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()

	if closed {
		return 0, pathErr("write", f.path, os.ErrClosed)
	}
	if !isWriteFlag(f.flag) {
		return 0, pathErr("write", f.path, syscall.EBADF)
	}

	f.e.active.RLock()
	defer f.e.active.RUnlock()
	if f.e.removed {
		return 0, pathErr("write", f.path, ErrNodeRemoved)
	}
	return f.e.node.Write(p)
}

func (f *nodeFile) WriteAt(p []byte, off int64) (int, error) {
	return f.Write(p)
}

func (f *nodeFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *nodeFile) Name() string {
	return f.path
}

func (f *nodeFile) Readdir(count int) ([]os.FileInfo, error) {
	return nil, pathErr("readdir", f.path, syscall.ENOTDIR)
}

func (f *nodeFile) Readdirnames(n int) ([]string, error) {
	return nil, pathErr("readdirnames", f.path, syscall.ENOTDIR)
}

func (f *nodeFile) Stat() (os.FileInfo, error) {
	f.e.active.RLock()
	removed := f.e.removed
	f.e.active.RUnlock()
	if removed {
		return nil, pathErr("stat", f.path, ErrNodeRemoved)
	}

	f.fs.mu.RLock()
	defer f.fs.mu.RUnlock()
	return infoLocked(f.e), nil
}

func (f *nodeFile) Sync() error {
	return nil
}

// Truncate is a no-op: nodes have no stored content to shorten.
func (f *nodeFile) Truncate(size int64) error {
	return nil
}

// =============================================================================
// dirFile
// =============================================================================

// dirFile is an open handle on a directory.
type dirFile struct {
	fs     *Fs
	path   string
	mu     sync.Mutex
	offset int
}

func (d *dirFile) Close() error {
	return nil
}

func (d *dirFile) Read(p []byte) (int, error) {
	return 0, pathErr("read", d.path, syscall.EISDIR)
}

func (d *dirFile) ReadAt(p []byte, off int64) (int, error) {
	return 0, pathErr("read", d.path, syscall.EISDIR)
}

func (d *dirFile) Seek(offset int64, whence int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset == 0 && whence == io.SeekStart {
		d.offset = 0
	}
	return 0, nil
}

func (d *dirFile) Write(p []byte) (int, error) {
	return 0, pathErr("write", d.path, syscall.EISDIR)
}

func (d *dirFile) WriteAt(p []byte, off int64) (int, error) {
	return 0, pathErr("write", d.path, syscall.EISDIR)
}

func (d *dirFile) WriteString(s string) (int, error) {
	return 0, pathErr("write", d.path, syscall.EISDIR)
}

func (d *dirFile) Name() string {
	return d.path
}

// Readdir follows os.File.Readdir: count <= 0 returns everything remaining,
// count > 0 returns at most count entries and io.EOF once exhausted.
func (d *dirFile) Readdir(count int) ([]os.FileInfo, error) {
	d.fs.mu.RLock()
	if _, ok := d.fs.entries[d.path]; !ok {
		d.fs.mu.RUnlock()
		return nil, pathErr("readdir", d.path, os.ErrNotExist)
	}
	children := d.fs.childrenLocked(d.path)
	infos := make([]os.FileInfo, 0, len(children))
	for _, e := range children {
		infos = append(infos, infoLocked(e))
	}
	d.fs.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.offset > len(infos) {
		d.offset = len(infos)
	}
	rest := infos[d.offset:]
	if count <= 0 {
		d.offset = len(infos)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if count > len(rest) {
		count = len(rest)
	}
	d.offset += count
	return rest[:count], nil
}

func (d *dirFile) Readdirnames(n int) ([]string, error) {
	infos, err := d.Readdir(n)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, err
}

func (d *dirFile) Stat() (os.FileInfo, error) {
	return d.fs.Stat(d.path)
}

func (d *dirFile) Sync() error {
	return nil
}

func (d *dirFile) Truncate(size int64) error {
	return pathErr("truncate", d.path, syscall.EISDIR)
}
