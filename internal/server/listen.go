package server

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/coreos/go-systemd/v22/activation"
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"
)

// ErrSocketInUse is returned by Listen when another daemon holds the socket.
var ErrSocketInUse = errors.New("socket is in use by another nfcond")

// lockedListener releases the socket lock when closed.
type lockedListener struct {
	net.Listener
	lock *flock.Flock
}

func (l *lockedListener) Close() error {
	err := l.Listener.Close()
	if uerr := l.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Listen opens the API listener. For Unix sockets a lock file next to the
// socket guards against a second daemon; a stale socket left by a previous
// run is then removed and the new one made connectable by every user, since
// access control happens per control node.
func Listen(network, address string) (net.Listener, error) {
	if network != "unix" {
		return net.Listen(network, address)
	}

	lock := flock.NewFlock(address + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrSocketInUse, address)
	}

	ln, err := listenUnix(address)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &lockedListener{Listener: ln, lock: lock}, nil
}

func listenUnix(address string) (net.Listener, error) {
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", address)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(address, 0666); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// ActivationListener returns the first socket passed by systemd socket
// activation, or nil when the process was not socket-activated.
func ActivationListener() (net.Listener, error) {
	lns, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}
	for i, ln := range lns {
		if ln == nil {
			continue
		}
		for _, extra := range lns[i+1:] {
			if extra != nil {
				_ = extra.Close()
			}
		}
		return ln, nil
	}
	return nil, nil
}

// NotifyReady tells systemd the daemon is serving. It is a no-op outside
// systemd.
func NotifyReady() error {
	_, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady)
	return err
}

// NotifyStopping tells systemd the daemon is shutting down.
func NotifyStopping() error {
	_, err := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
	return err
}
