// Package proxy implements the filtering DNS forwarder's core: the
// request classifier and response router that binds the UDP server and
// the upstream client pool together through a single owning goroutine,
// per the specification's single-threaded event loop model (§5).
//
// The server's read loop and every upstream's read loop run on their own
// goroutines, but each only ever hands a decoded event to the proxy
// loop goroutine over a channel; that loop is the only goroutine that
// reads the blacklist and acts on transaction table entries. The
// blacklist is replaced wholesale by periodic reloads from another
// goroutine under its own lock, and the table relies on the locking
// patrickmn/go-cache already provides internally.
package proxy

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/rafalfr/dnsveto/internal/blacklist"
	"github.com/rafalfr/dnsveto/internal/config"
	"github.com/rafalfr/dnsveto/internal/ratelimit"
	"github.com/rafalfr/dnsveto/internal/stats"
	"github.com/rafalfr/dnsveto/internal/txtable"
	"github.com/rafalfr/dnsveto/internal/wire"
)

// Proxy wires the server's request callback and the client's response
// callback to its own methods (§4.4), replacing the source's opaque
// self-pointer with ordinary struct fields and closures per the design
// notes' suggested reimplementation.
type Proxy struct {
	cfg *config.Config

	server *Server
	client *Client

	blacklist *blacklist.Blacklist
	table     *txtable.Table
	limiter   *ratelimit.Limiter
	stats     *stats.Manager

	redirectWire []byte

	requests chan requestEvent
	replies  chan upstreamReplyEvent

	cancel context.CancelFunc
}

// New constructs a Proxy bound to cfg's listen address and upstreams, but
// does not start it; call Start to begin serving.
func New(
	cfg *config.Config,
	bl *blacklist.Blacklist,
	st *stats.Manager,
	timeout time.Duration,
) (*Proxy, error) {
	p := &Proxy{
		cfg:       cfg,
		blacklist: bl,
		stats:     st,
		table:     txtable.New(timeout),
		requests:  make(chan requestEvent, 256),
		replies:   make(chan upstreamReplyEvent, 256),
	}

	if cfg.RatelimitQPS > 0 {
		p.limiter = ratelimit.New(cfg.RatelimitQPS, cfg.RatelimitBurst)
	}

	if cfg.BlacklistAction == config.ActionRedirect {
		wireName, err := wire.EncodeName(cfg.RedirectTarget)
		if err != nil {
			return nil, err
		}
		p.redirectWire = wireName
	}

	server, err := bindWithFallback(cfg, p.requests)
	if err != nil {
		return nil, err
	}
	p.server = server

	client, err := NewClient(cfg.Upstreams, p.replies)
	if err != nil {
		server.Close()
		return nil, err
	}
	p.client = client

	return p, nil
}

// bindWithFallback binds cfg.ListenAddr, retrying on cfg.FallbackPort (same
// IP) if the primary port is privileged and the process lacks the
// capability to bind it (§6). The fallback is only attempted for
// permission errors on a sub-1024 port; any other bind failure is
// returned as-is.
func bindWithFallback(cfg *config.Config, requests chan<- requestEvent) (*Server, error) {
	server, err := NewServer(cfg.ListenAddr, requests)
	if err == nil {
		return server, nil
	}

	if cfg.ListenAddr.Port >= 1024 || cfg.FallbackPort <= 0 || !errors.Is(err, os.ErrPermission) {
		return nil, err
	}

	log.Info(
		"proxy: binding %s failed (%s); retrying on fallback port %d",
		cfg.ListenAddr, err, cfg.FallbackPort,
	)

	fallback := &net.UDPAddr{IP: cfg.ListenAddr.IP, Port: cfg.FallbackPort, Zone: cfg.ListenAddr.Zone}
	return NewServer(fallback, requests)
}

// Start launches the server and client read loops and the proxy's own
// event loop goroutine. It returns immediately; call Shutdown to stop.
func (p *Proxy) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	go p.server.Serve()
	p.client.Start()
	go p.run(ctx)

	if p.limiter != nil {
		go p.sweepLoop(ctx)
	}
}

// Addr returns the server socket's bound local address.
func (p *Proxy) Addr() *net.UDPAddr {
	return p.server.Addr()
}

// Shutdown stops the proxy loop and closes every owned socket. The
// blacklist and transaction table are not cleared; in-flight transactions
// get no reply.
func (p *Proxy) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	_ = p.server.Close()
	_ = p.client.Close()
}

func (p *Proxy) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.requests:
			p.handleRequest(req)
		case reply := <-p.replies:
			p.handleReply(reply)
		case ev := <-p.table.Timeouts():
			p.handleTimeout(ev)
		}
	}
}

func (p *Proxy) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.limiter.Sweep(5 * time.Minute)
		}
	}
}

// handleRequest implements §4.4.1's request path. Every parse failure
// fails open: drop and log, never reply.
func (p *Proxy) handleRequest(req requestEvent) {
	p.stats.Incr("queries", 1)

	if err := wire.ValidateHeader(req.data); err != nil {
		log.Debug("proxy: dropping malformed request from %s: %s", req.clientAddr, err)
		p.stats.Incr("malformed_drops", 1)
		return
	}

	if p.limiter != nil && !p.limiter.Allow(req.clientAddr.IP.String()) {
		p.stats.Incr("ratelimited_drops", 1)
		return
	}

	name, qnameLen, err := wire.ParseQName(req.data, wire.HeaderSize)
	if err != nil {
		log.Debug("proxy: dropping unparseable qname from %s: %s", req.clientAddr, err)
		p.stats.Incr("malformed_drops", 1)
		return
	}

	txID := wire.ID(req.data)

	if blocked, matched := p.blacklist.Contains(name); blocked {
		p.stats.Incr("blacklist_hits", 1)
		p.handleBlacklisted(req, txID, qnameLen, matched)
		return
	}

	p.forward(req.data, txID, req.clientAddr)
}

// handleBlacklisted implements the two blacklist actions from §4.4.1
// step 4.
func (p *Proxy) handleBlacklisted(req requestEvent, txID uint16, qnameLen int, matched string) {
	switch p.cfg.BlacklistAction {
	case config.ActionRedirect:
		redirected := wire.SynthesizeRedirect(req.data, qnameLen, p.redirectWire)
		p.forward(redirected, txID, req.clientAddr)
	default:
		resp := wire.SynthesizeRefusal(req.data, p.cfg.BlacklistedRcode)
		p.server.SendResponse(req.clientAddr, resp)
		log.Debug("proxy: refused blacklisted name %q (matched %q) from %s", req.data, matched, req.clientAddr)
	}
}

// forward allocates a transaction record and sends data upstream,
// advancing the round-robin cursor (§4.4.1 step 5, §4.3).
func (p *Proxy) forward(data []byte, txID uint16, clientAddr *net.UDPAddr) {
	upstream, err := p.client.Send(data)
	if err != nil {
		log.Error("proxy: forwarding to upstream %s: %s", upstream, err)
		return
	}

	p.table.Insert(txID, txtable.Record{
		OriginalTxID: txID,
		ClientAddr:   clientAddr,
		Timestamp:    time.Now(),
	})
	p.stats.Incr(stats.Key("forwards", upstream.String()), 1)
}

// handleReply implements §4.4.2's response path for ordinary upstream
// replies.
func (p *Proxy) handleReply(reply upstreamReplyEvent) {
	txID := wire.ID(reply.data)

	rec, ok := p.table.Take(txID)
	if !ok {
		log.Error("proxy: reply from %s for unknown transaction %#x", reply.upstream, txID)
		p.stats.Incr("unknown_tx", 1)
		return
	}

	clientAddr, ok := rec.ClientAddr.(*net.UDPAddr)
	if !ok {
		return
	}

	p.server.SendResponse(clientAddr, reply.data)
}

// handleTimeout implements §4.4.2's timeout sentinel handling: synthesize
// SERVFAIL and send it, unless the reply actually arrived concurrently
// with the eviction that produced ev (WasDelivered is the independent
// check for that race, on top of txtable's own onEvicted suppression).
func (p *Proxy) handleTimeout(ev txtable.TimeoutEvent) {
	if p.table.WasDelivered(ev.TxID) {
		return
	}

	clientAddr, ok := ev.Record.ClientAddr.(*net.UDPAddr)
	if !ok {
		return
	}

	resp := wire.SynthesizeServFail(ev.TxID)
	p.server.SendResponse(clientAddr, resp)
	p.stats.Incr("timeouts", 1)
}
