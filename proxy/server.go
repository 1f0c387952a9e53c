package proxy

import (
	"context"
	"net"
	"sync"

	"github.com/AdguardTeam/golibs/log"

	"github.com/rafalfr/dnsveto/internal/sockopt"
)

// maxDatagramSize is sized for Ethernet-MTU DNS responses (§6: "typically
// <=1500 bytes on receive").
const maxDatagramSize = 1500

// requestEvent is what Server hands the proxy loop for every client
// datagram it accepts.
type requestEvent struct {
	clientAddr *net.UDPAddr
	data       []byte
}

// Server owns the UDP listen socket described in §4.2: it never
// interprets a payload beyond the minimal length check, it only shuttles
// bytes to the proxy loop and writes bytes back out.
type Server struct {
	conn *net.UDPConn
	pool sync.Pool

	requests chan<- requestEvent
}

// NewServer binds a UDP socket at addr (with SO_REUSEADDR and 4 MiB
// buffers via internal/sockopt) and returns a Server that will deliver
// decoded client datagrams on requests.
func NewServer(addr *net.UDPAddr, requests chan<- requestEvent) (*Server, error) {
	conn, err := sockopt.ListenUDP(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, err
	}

	return &Server{
		conn: conn,
		pool: sync.Pool{
			New: func() any { return make([]byte, maxDatagramSize) },
		},
		requests: requests,
	}, nil
}

// Serve reads datagrams until the socket is closed by Close. Each
// datagram shorter than 2 bytes is silently dropped (§4.2); everything
// else is forwarded to the proxy loop as a requestEvent. Serve never
// interprets the payload itself.
func (s *Server) Serve() {
	for {
		buf := s.pool.Get().([]byte)

		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.pool.Put(buf)
			if isClosedOrTemporary(err) {
				return
			}
			log.Error("server: recvfrom: %s", err)
			continue
		}

		if n < 2 {
			s.pool.Put(buf)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.pool.Put(buf)

		s.requests <- requestEvent{clientAddr: addr, data: data}
	}
}

// SendResponse writes bytes to addr. Errors are logged and non-fatal, per
// §4.2's sendto failure semantics.
func (s *Server) SendResponse(addr *net.UDPAddr, data []byte) {
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		log.Error("server: sendto %s: %s", addr, err)
	}
}

// Close deregisters and closes the listen socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Addr returns the socket's bound local address, including the port
// chosen by the kernel when addr.Port was 0.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// isClosedOrTemporary reports whether err should stop the read loop
// entirely (true) versus being a transient condition worth retrying on
// (false, e.g. EAGAIN/EWOULDBLOCK surfaced as a temporary net.Error).
func isClosedOrTemporary(err error) bool {
	ne, ok := err.(net.Error)
	if !ok {
		return true
	}
	return !ne.Temporary()
}
