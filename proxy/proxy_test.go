package proxy

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rafalfr/dnsveto/internal/blacklist"
	"github.com/rafalfr/dnsveto/internal/config"
	"github.com/rafalfr/dnsveto/internal/stats"
	"github.com/rafalfr/dnsveto/internal/wire"
)

// buildHeader assembles a 12-byte DNS header with the given fields, mirroring
// internal/wire's own test helper since Go test helpers aren't exported
// across packages.
func buildHeader(id uint16, flags uint16, qd uint16) []byte {
	h := make([]byte, wire.HeaderSize)
	wire.SetID(h, id)
	h[2], h[3] = byte(flags>>8), byte(flags)
	h[4], h[5] = byte(qd>>8), byte(qd)
	return h
}

func encodeQuestion(t *testing.T, name string) []byte {
	t.Helper()
	enc, err := wire.EncodeName(name)
	if err != nil {
		t.Fatalf("EncodeName(%q): %v", name, err)
	}
	out := append([]byte{}, enc...)
	out = append(out, 0, 1, 0, 1) // A/IN
	return out
}

func query(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	msg := buildHeader(id, wire.FlagRD, 1)
	return append(msg, encodeQuestion(t, name)...)
}

// fakeUpstream is a bare UDP listener standing in for a real resolver; the
// handler decides what (if anything) to write back for each datagram.
type fakeUpstream struct {
	conn *net.UDPConn
}

func newFakeUpstream(t *testing.T, handle func(data []byte, from *net.UDPAddr, conn *net.UDPConn)) *fakeUpstream {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listening fake upstream: %v", err)
	}
	u := &fakeUpstream{conn: conn}
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			data := append([]byte{}, buf[:n]...)
			if handle != nil {
				handle(data, from, conn)
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return u
}

func (u *fakeUpstream) addr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// echoUpstream replies with the same transaction id and a minimal NOERROR
// answer-less response, enough to exercise the response path.
func echoUpstream(t *testing.T) *fakeUpstream {
	return newFakeUpstream(t, func(data []byte, from *net.UDPAddr, conn *net.UDPConn) {
		resp := append([]byte{}, data...)
		flags := wire.Flags(resp)
		flags |= wire.FlagQR
		resp[2], resp[3] = byte(flags>>8), byte(flags)
		conn.WriteToUDP(resp, from)
	})
}

func silentUpstream(t *testing.T) *fakeUpstream {
	return newFakeUpstream(t, nil)
}

func newTestProxy(t *testing.T, cfg *config.Config, bl *blacklist.Blacklist) *Proxy {
	t.Helper()
	if bl == nil {
		bl = blacklist.New()
	}
	p, err := New(cfg, bl, stats.New(), 150*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	t.Cleanup(p.Shutdown)
	return p
}

func baseConfig(upstreams ...*net.UDPAddr) *config.Config {
	return &config.Config{
		ListenAddr:       &net.UDPAddr{IP: net.ParseIP("127.0.0.1")},
		Upstreams:        upstreams,
		BlacklistAction:  config.ActionRefusal,
		BlacklistedRcode: wire.RcodeRefused,
	}
}

func writeBlacklist(t *testing.T, lines ...string) *blacklist.Blacklist {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blacklist.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing blacklist: %v", err)
	}
	bl := blacklist.New()
	if err := bl.Load(path, "test"); err != nil {
		t.Fatalf("loading blacklist: %v", err)
	}
	return bl
}

// exchange sends req to the proxy's listen address and waits up to timeout
// for a reply, failing the test if none arrives.
func exchange(t *testing.T, client *net.UDPConn, p *Proxy, req []byte, timeout time.Duration) []byte {
	t.Helper()
	if _, err := client.WriteToUDP(req, p.Addr()); err != nil {
		t.Fatalf("sending query: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1500)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return buf[:n]
}

func newTestClient(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listening test client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// S2: a query for a name that isn't blacklisted is forwarded verbatim and
// the upstream's reply is relayed back to the original client untouched.
func TestPassThrough(t *testing.T) {
	up := echoUpstream(t)
	cfg := baseConfig(up.addr())
	p := newTestProxy(t, cfg, nil)
	client := newTestClient(t)

	req := query(t, 0x1234, "example.com")
	resp := exchange(t, client, p, req, time.Second)

	if wire.ID(resp) != 0x1234 {
		t.Fatalf("id mismatch: got %#x", wire.ID(resp))
	}
	if wire.Flags(resp)&wire.FlagQR == 0 {
		t.Fatal("expected QR bit set in response")
	}
}

// Testable property: transaction ids correlate a reply back to the client
// that sent the matching request, even when two clients query concurrently.
func TestTransactionCorrelation(t *testing.T) {
	up := echoUpstream(t)
	cfg := baseConfig(up.addr())
	p := newTestProxy(t, cfg, nil)

	clientA := newTestClient(t)
	clientB := newTestClient(t)

	reqA := query(t, 0xAAAA, "a.example")
	reqB := query(t, 0xBBBB, "b.example")

	respA := exchange(t, clientA, p, reqA, time.Second)
	respB := exchange(t, clientB, p, reqB, time.Second)

	if wire.ID(respA) != 0xAAAA {
		t.Fatalf("client A got id %#x", wire.ID(respA))
	}
	if wire.ID(respB) != 0xBBBB {
		t.Fatalf("client B got id %#x", wire.ID(respB))
	}
}

// S1: a blacklisted name in refusal mode gets an immediate synthesized
// refusal and is never forwarded upstream.
func TestBlacklistRefusal(t *testing.T) {
	up := newFakeUpstream(t, func(data []byte, from *net.UDPAddr, conn *net.UDPConn) {
		t.Error("blacklisted query must not reach upstream")
	})
	bl := writeBlacklist(t, "blocked.example")
	cfg := baseConfig(up.addr())
	p := newTestProxy(t, cfg, bl)
	client := newTestClient(t)

	req := query(t, 0x4242, "blocked.example")
	resp := exchange(t, client, p, req, time.Second)

	if wire.ID(resp) != 0x4242 {
		t.Fatalf("id mismatch: got %#x", wire.ID(resp))
	}
	if got := wire.Rcode(wire.Flags(resp)); got != wire.RcodeRefused {
		t.Fatalf("rcode = %d, want %d", got, wire.RcodeRefused)
	}
	if wire.Flags(resp)&wire.FlagQR == 0 {
		t.Fatal("expected QR bit set")
	}

	time.Sleep(50 * time.Millisecond)
}

// Testable property: blacklist matching is case-insensitive.
func TestBlacklistCaseInsensitive(t *testing.T) {
	bl := writeBlacklist(t, "Blocked.Example")
	up := echoUpstream(t)
	cfg := baseConfig(up.addr())
	p := newTestProxy(t, cfg, bl)
	client := newTestClient(t)

	req := query(t, 0x7777, "BLOCKED.EXAMPLE")
	resp := exchange(t, client, p, req, time.Second)

	if got := wire.Rcode(wire.Flags(resp)); got != wire.RcodeRefused {
		t.Fatalf("rcode = %d, want refused", got)
	}
}

// S6: a blacklisted name in redirect mode is rewritten to the configured
// target and forwarded, not refused locally.
func TestBlacklistRedirect(t *testing.T) {
	var seenName string
	up := newFakeUpstream(t, func(data []byte, from *net.UDPAddr, conn *net.UDPConn) {
		name, _, err := wire.ParseQName(data, wire.HeaderSize)
		if err == nil {
			seenName = name
		}
		resp := append([]byte{}, data...)
		flags := wire.Flags(resp) | wire.FlagQR
		resp[2], resp[3] = byte(flags>>8), byte(flags)
		conn.WriteToUDP(resp, from)
	})
	bl := writeBlacklist(t, "blocked.example")
	cfg := baseConfig(up.addr())
	cfg.BlacklistAction = config.ActionRedirect
	cfg.RedirectTarget = "sinkhole.internal"
	p := newTestProxy(t, cfg, bl)
	client := newTestClient(t)

	req := query(t, 0x5151, "blocked.example")
	resp := exchange(t, client, p, req, time.Second)

	if wire.ID(resp) != 0x5151 {
		t.Fatalf("id mismatch: got %#x", wire.ID(resp))
	}
	if seenName != "sinkhole.internal" {
		t.Fatalf("upstream saw qname %q, want sinkhole.internal", seenName)
	}
}

// S3: when no upstream reply arrives before the transaction timeout, the
// proxy synthesizes a SERVFAIL for the original client.
func TestTimeoutSynthesizesServFail(t *testing.T) {
	up := silentUpstream(t)
	cfg := baseConfig(up.addr())
	p := newTestProxy(t, cfg, nil)
	client := newTestClient(t)

	req := query(t, 0x9999, "slow.example")
	resp := exchange(t, client, p, req, 2*time.Second)

	if wire.ID(resp) != 0x9999 {
		t.Fatalf("id mismatch: got %#x", wire.ID(resp))
	}
	if got := wire.Rcode(wire.Flags(resp)); got != wire.RcodeServFail {
		t.Fatalf("rcode = %d, want SERVFAIL", got)
	}
}

// Regression test: a delivered reply must not also produce a second,
// spurious SERVFAIL once the transaction's timeout elapses. This used to
// happen because Table.Take's own cache.Delete fired the same OnEvicted
// callback the janitor uses for real timeouts.
func TestDeliveredReplyProducesNoLateServFail(t *testing.T) {
	up := echoUpstream(t)
	cfg := baseConfig(up.addr())
	p := newTestProxy(t, cfg, nil)
	client := newTestClient(t)

	resp := exchange(t, client, p, query(t, 0x8181, "no-late-servfail.example"), time.Second)
	if wire.ID(resp) != 0x8181 {
		t.Fatalf("id mismatch: got %#x", wire.ID(resp))
	}
	if wire.Rcode(wire.Flags(resp)) == wire.RcodeServFail {
		t.Fatal("first reply should not be a SERVFAIL")
	}

	// Wait well past the 150ms transaction timeout configured by
	// newTestProxy; no further datagram should ever arrive for this id.
	client.SetReadDeadline(time.Now().Add(400 * time.Millisecond))
	buf := make([]byte, 512)
	if n, err := client.Read(buf); err == nil {
		t.Fatalf("unexpected extra datagram after a delivered reply: % x", buf[:n])
	}
}

// S4: requests are distributed round-robin across every configured
// upstream with no health tracking or weighting.
func TestRoundRobinDistribution(t *testing.T) {
	hits := make(chan *net.UDPAddr, 16)
	makeUp := func() *fakeUpstream {
		return newFakeUpstream(t, func(data []byte, from *net.UDPAddr, conn *net.UDPConn) {
			resp := append([]byte{}, data...)
			flags := wire.Flags(resp) | wire.FlagQR
			resp[2], resp[3] = byte(flags>>8), byte(flags)
			conn.WriteToUDP(resp, from)
			hits <- conn.LocalAddr().(*net.UDPAddr)
		})
	}
	up1, up2 := makeUp(), makeUp()
	cfg := baseConfig(up1.addr(), up2.addr())
	p := newTestProxy(t, cfg, nil)
	client := newTestClient(t)

	for i := 0; i < 4; i++ {
		exchange(t, client, p, query(t, uint16(i+1), "rr.example"), time.Second)
	}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		select {
		case addr := <-hits:
			seen[addr.String()]++
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for upstream hit")
		}
	}
	if len(seen) != 2 {
		t.Fatalf("expected both upstreams to be used, got %v", seen)
	}
}

// S5: a request whose qname encoding contains a pointer loop is dropped
// without a reply and without crashing the proxy loop.
func TestMalformedPointerLoopDropped(t *testing.T) {
	up := newFakeUpstream(t, func(data []byte, from *net.UDPAddr, conn *net.UDPConn) {
		if wire.ID(data) == 0x2222 {
			t.Error("malformed query must not reach upstream")
			return
		}
		resp := append([]byte{}, data...)
		flags := wire.Flags(resp) | wire.FlagQR
		resp[2], resp[3] = byte(flags>>8), byte(flags)
		conn.WriteToUDP(resp, from)
	})
	cfg := baseConfig(up.addr())
	p := newTestProxy(t, cfg, nil)
	client := newTestClient(t)

	msg := buildHeader(0x2222, wire.FlagRD, 1)
	// Label at offset 12 points at itself: a pointer byte pair (0xC0, 0x0C).
	msg = append(msg, 0xC0, 0x0C, 0, 1, 0, 1)

	if _, err := client.WriteToUDP(msg, p.Addr()); err != nil {
		t.Fatalf("sending malformed query: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 512)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected no reply for a malformed request")
	}

	// The loop must still be alive for subsequent well-formed queries.
	echoResp := exchange(t, client, p, query(t, 0x2223, "still.alive"), time.Second)
	if wire.ID(echoResp) != 0x2223 {
		t.Fatalf("proxy loop did not recover: got id %#x", wire.ID(echoResp))
	}
}

// Testable property 9: two distinct clients submitting requests that
// happen to carry the same transaction id must not panic the proxy loop,
// and at least one of the two clients receives a response. Since the
// transaction table is keyed by id alone, the second insert legitimately
// overwrites the first's client address (§4.4.3's documented tie-break);
// only the client whose record was live when the upstream replied is
// guaranteed an answer.
func TestDuplicateIDFromTwoClientsDoesNotPanic(t *testing.T) {
	up := echoUpstream(t)
	cfg := baseConfig(up.addr())
	p := newTestProxy(t, cfg, nil)

	clientA := newTestClient(t)
	clientB := newTestClient(t)

	const sharedID = 0x3030
	if _, err := clientA.WriteToUDP(query(t, sharedID, "dup-a.example"), p.Addr()); err != nil {
		t.Fatalf("client A send: %v", err)
	}
	if _, err := clientB.WriteToUDP(query(t, sharedID, "dup-b.example"), p.Addr()); err != nil {
		t.Fatalf("client B send: %v", err)
	}

	clientA.SetReadDeadline(time.Now().Add(time.Second))
	clientB.SetReadDeadline(time.Now().Add(time.Second))

	bufA := make([]byte, 512)
	nA, errA := clientA.Read(bufA)

	bufB := make([]byte, 512)
	nB, errB := clientB.Read(bufB)

	if errA != nil && errB != nil {
		t.Fatal("expected at least one of the two clients to receive a response")
	}
	if errA == nil && wire.ID(bufA[:nA]) != sharedID {
		t.Fatalf("client A response id mismatch: got %#x", wire.ID(bufA[:nA]))
	}
	if errB == nil && wire.ID(bufB[:nB]) != sharedID {
		t.Fatalf("client B response id mismatch: got %#x", wire.ID(bufB[:nB]))
	}

	// The loop must still be alive afterward.
	resp := exchange(t, clientA, p, query(t, 0x3031, "still.alive"), time.Second)
	if wire.ID(resp) != 0x3031 {
		t.Fatalf("proxy loop did not recover: got id %#x", wire.ID(resp))
	}
}

// Testable property: a reply whose transaction id was never inserted (or
// was already consumed) is dropped rather than forwarded to a stale or
// wrong client. Here the upstream answers the same query twice; only the
// first reply finds a live transaction record.
func TestDuplicateReplyIgnored(t *testing.T) {
	up := newFakeUpstream(t, func(data []byte, from *net.UDPAddr, conn *net.UDPConn) {
		resp := append([]byte{}, data...)
		flags := wire.Flags(resp) | wire.FlagQR
		resp[2], resp[3] = byte(flags>>8), byte(flags)
		conn.WriteToUDP(resp, from)
		conn.WriteToUDP(resp, from)
	})
	cfg := baseConfig(up.addr())
	p := newTestProxy(t, cfg, nil)
	client := newTestClient(t)

	resp := exchange(t, client, p, query(t, 0x6464, "once.example"), time.Second)
	if wire.ID(resp) != 0x6464 {
		t.Fatalf("id mismatch: got %#x", wire.ID(resp))
	}

	// The first reply already consumed the transaction record via
	// table.Take; the duplicate must not produce a second datagram.
	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 512)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected no second reply")
	}
}
