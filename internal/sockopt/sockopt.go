// Package sockopt sets the raw socket options the controller's UDP
// listener needs: SO_REUSEADDR, so a restarted controller can rebind its
// port immediately instead of waiting out a lingering TIME_WAIT state left
// by the previous process.
package sockopt

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SetReuseAddr enables SO_REUSEADDR on conn's underlying file descriptor.
func SetReuseAddr(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("sockopt: get raw conn: %w", err)
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return fmt.Errorf("sockopt: control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("sockopt: set SO_REUSEADDR: %w", sockErr)
	}
	return nil
}
