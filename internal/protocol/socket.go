package protocol

import (
	"fmt"
	"net"
	"os"
)

// maxSunPath is the Linux sun_path capacity (including the terminating
// NUL net/unix takes care of internally).
const maxSunPath = 108

// Listen creates the control-channel listening socket at path: a
// SOCK_SEQPACKET UNIX socket, mode 0666 (explicitly chmod'd, since the
// listening umask would otherwise narrow it). The listen backlog is the
// one net.ListenUnix picks (the system default), not 5.
func Listen(path string) (*net.UnixListener, error) {
	if len(path) >= maxSunPath {
		return nil, fmt.Errorf("protocol: socket path %q exceeds sun_path capacity (%d)", path, maxSunPath-1)
	}

	addr := &net.UnixAddr{Name: path, Net: "unixpacket"}

	l, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return nil, fmt.Errorf("protocol: listen %s: %w", path, err)
	}

	if err := os.Chmod(path, 0666); err != nil {
		_ = l.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("protocol: chmod %s: %w", path, err)
	}

	return l, nil
}

// Dial connects to an existing control-channel socket.
func Dial(path string) (*Conn, error) {
	addr := &net.UnixAddr{Name: path, Net: "unixpacket"}

	uc, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("protocol: dial %s: %w", path, err)
	}

	return NewConn(uc), nil
}
