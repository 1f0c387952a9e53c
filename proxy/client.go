package proxy

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/log"

	"github.com/rafalfr/dnsveto/internal/sockopt"
)

// upstreamReplyEvent is what Client hands the proxy loop for every
// upstream datagram it reads.
type upstreamReplyEvent struct {
	upstream *net.UDPAddr
	data     []byte
}

// upstreamHandle is a single resolved, connected upstream socket (§4.3).
type upstreamHandle struct {
	addr *net.UDPAddr
	conn *net.UDPConn
}

// Client is the upstream resolver pool: N fixed handles selected in
// round-robin order, each read independently on its own goroutine.
type Client struct {
	upstreams []*upstreamHandle
	cursor    uint64

	replies chan<- upstreamReplyEvent
}

// NewClient resolves and connects a socket to each address in upstreams,
// applying the same SO_REUSEADDR/4MiB-buffer options as the listen
// socket. Connecting implicitly targets sendto/recvfrom at that single
// remote address, matching §4.3's per-handle contract.
func NewClient(upstreams []*net.UDPAddr, replies chan<- upstreamReplyEvent) (*Client, error) {
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("client: at least one upstream is required")
	}

	c := &Client{replies: replies}

	dialer := net.Dialer{Control: sockopt.Control}
	for _, addr := range upstreams {
		conn, err := dialer.DialContext(context.Background(), "udp", addr.String())
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("client: dialing upstream %s: %w", addr, err)
		}
		c.upstreams = append(c.upstreams, &upstreamHandle{addr: addr, conn: conn.(*net.UDPConn)})
	}

	return c, nil
}

// Start launches one receive loop per upstream handle.
func (c *Client) Start() {
	for _, uh := range c.upstreams {
		go c.receiveLoop(uh)
	}
}

func (c *Client) receiveLoop(uh *upstreamHandle) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := uh.conn.Read(buf)
		if err != nil {
			if isClosedOrTemporary(err) {
				return
			}
			log.Error("client: reading from upstream %s: %s", uh.addr, err)
			continue
		}

		if n < 2 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		c.replies <- upstreamReplyEvent{upstream: uh.addr, data: data}
	}
}

// Send forwards data to the next upstream in round-robin order (§4.3: "no
// health tracking, no weighting") and returns which upstream it used.
func (c *Client) Send(data []byte) (*net.UDPAddr, error) {
	idx := atomic.AddUint64(&c.cursor, 1) - 1
	uh := c.upstreams[idx%uint64(len(c.upstreams))]

	if _, err := uh.conn.Write(data); err != nil {
		return uh.addr, err
	}
	return uh.addr, nil
}

// Close closes every upstream socket.
func (c *Client) Close() error {
	var firstErr error
	for _, uh := range c.upstreams {
		if uh.conn == nil {
			continue
		}
		if err := uh.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
