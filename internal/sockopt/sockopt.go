// Package sockopt configures the socket-level options the specification
// requires on every UDP socket the forwarder owns: SO_REUSEADDR and 4 MiB
// send/receive buffers (§4.2, §4.3). Platform-specific files supply
// setSocketOptions; this file wires it into a net.ListenConfig.Control
// callback so the standard library's ListenUDP path applies the options
// before the socket is handed back to the caller.
package sockopt

import (
	"context"
	"net"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
)

// BufferSize is the send/receive socket buffer size mandated by §4.2/§4.3.
const BufferSize = 4 * 1024 * 1024

// Control is passed as net.ListenConfig.Control to apply SO_REUSEADDR and
// the 4 MiB buffer sizes to a UDP socket at creation time, before bind.
func Control(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = setSocketOptions(fd)
	})
	if err != nil {
		return errors.Annotate(err, "raw conn control: %w")
	}
	return sockErr
}

// ListenUDP binds a UDP socket at address with SO_REUSEADDR and 4 MiB
// buffers applied, per §4.2's server contract. The server's listen socket
// is created here; upstream sockets get the same options by passing
// Control to a net.Dialer.
func ListenUDP(ctx context.Context, network, address string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: Control}
	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, err
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, errors.Error("sockopt: listen config did not return a udp connection")
	}
	return udpConn, nil
}
