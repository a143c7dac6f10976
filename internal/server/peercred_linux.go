//go:build linux

package server

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/bolasblack/nfcond/internal/controlfs"
)

// peerCred returns the credentials of the process on the other end of a
// Unix socket connection.
func peerCred(c net.Conn) (controlfs.Cred, bool) {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return controlfs.Nobody, false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return controlfs.Nobody, false
	}

	var ucred *unix.Ucred
	var serr error
	if err := raw.Control(func(fd uintptr) {
		ucred, serr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || serr != nil {
		return controlfs.Nobody, false
	}
	return controlfs.Cred{UID: int(ucred.Uid), GID: int(ucred.Gid)}, true
}
