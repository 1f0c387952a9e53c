// Package ratelimit provides optional per-client-IP throttling for the
// server's request path. It is purely a resiliency measure against a
// misbehaving or abusive client flooding the process; it is not a form of
// client authentication and has no bearing on the blacklist or
// forwarding logic.
package ratelimit

import (
	"sync"
	"time"

	rate "github.com/beefsack/go-rate"
)

// Limiter enforces a per-IP queries-per-second budget. A Limiter
// constructed with qps <= 0 is a permanent no-op, so callers can wire it
// unconditionally and simply leave the feature disabled in config.
type Limiter struct {
	qps   int
	burst int

	mu       sync.Mutex
	perHost  map[string]*rate.RateLimiter
	lastSeen map[string]time.Time
}

// New returns a Limiter allowing, per source IP, up to burst queries in
// any one-second window. qps <= 0 disables limiting entirely; otherwise
// qps only supplies burst when burst <= 0 and does not set a separate
// sustained rate.
func New(qps, burst int) *Limiter {
	if burst <= 0 {
		burst = qps
	}
	return &Limiter{
		qps:      qps,
		burst:    burst,
		perHost:  make(map[string]*rate.RateLimiter),
		lastSeen: make(map[string]time.Time),
	}
}

// Allow reports whether a query from host should be processed. Hosts
// that exceed their budget are silently counted against like a malformed
// request: no response is sent, since replying would let an attacker use
// the forwarder as a reflection amplifier.
func (l *Limiter) Allow(host string) bool {
	if l == nil || l.qps <= 0 {
		return true
	}

	l.mu.Lock()
	rl, ok := l.perHost[host]
	if !ok {
		rl = rate.New(l.burst, time.Second)
		l.perHost[host] = rl
	}
	l.lastSeen[host] = time.Now()
	l.mu.Unlock()

	ok, _ = rl.Try()
	return ok
}

// Sweep removes per-host limiters that have been idle for longer than
// maxIdle, bounding the map's size under a sustained spread of distinct
// source IPs. Callers should invoke this periodically (e.g. alongside the
// transaction table's own timeout sweep).
func (l *Limiter) Sweep(maxIdle time.Duration) {
	if l == nil || l.qps <= 0 {
		return
	}

	cutoff := time.Now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	for host, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.lastSeen, host)
			delete(l.perHost, host)
		}
	}
}
