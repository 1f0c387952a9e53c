//go:build linux

package sockopt

import (
	"golang.org/x/sys/unix"
)

// setSocketOptions sets SO_REUSEADDR and the 4 MiB send/receive buffer
// sizes on fd. Buffer size failures are non-fatal: the kernel may clamp
// the request (net.core.rmem_max/wmem_max), which is acceptable as long
// as SO_REUSEADDR itself succeeds.
func setSocketOptions(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}

	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, BufferSize)
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, BufferSize)

	return nil
}
