//go:build !windows

package ports

import "syscall"

// disableReuseAddr clears SO_REUSEADDR, which the runtime sets by default,
// so the probe bind fails while the OS still holds the port.
func disableReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 0)
	}); err != nil {
		return err
	}
	return sockErr
}
