//go:build windows

package sockopt

import (
	"golang.org/x/sys/windows"
)

// setSocketOptions sets SO_REUSEADDR and the 4 MiB buffer sizes on
// Windows. Windows' SO_REUSEADDR predates POSIX semantics (it permits
// multiple binds to the same address) rather than just reuse of a
// TIME_WAIT socket, which is harmless for a single forwarder process.
func setSocketOptions(fd uintptr) error {
	h := windows.Handle(fd)

	if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
		return err
	}

	_ = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, BufferSize)
	_ = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, BufferSize)

	return nil
}
