//go:build !linux

package server

import (
	"net"

	"github.com/bolasblack/nfcond/internal/controlfs"
)

// peerCred is only implemented on Linux; other platforms treat every caller
// as nobody.
func peerCred(net.Conn) (controlfs.Cred, bool) {
	return controlfs.Nobody, false
}
