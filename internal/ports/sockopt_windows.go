//go:build windows

package ports

import "syscall"

// disableReuseAddr is a no-op: the runtime does not set SO_REUSEADDR on
// Windows, so an exclusive bind is already the default.
func disableReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
