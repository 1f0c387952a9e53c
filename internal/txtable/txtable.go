// Package txtable implements the transaction table: the map from a
// forwarded query's 16-bit id back to the client that asked for it.
//
// The table is built on patrickmn/go-cache, whose per-entry TTL and
// janitor goroutine are used as the "periodic timer sweeping the table"
// watchdog the specification's design notes call for (see the design
// notes on timeout implementation), rather than hand-rolling a second
// ticker. go-cache synchronizes its own internal map, so concurrent use
// from the janitor goroutine and the proxy loop goroutine is safe even
// though, by design, the proxy loop is the only goroutine that ever acts
// on a table entry's contents.
//
// go-cache's OnEvicted callback fires on a manual Delete exactly as it
// does on janitor expiry, so Take (the manual-removal path) and a real
// timeout would otherwise be indistinguishable; Table tracks which id is
// currently being taken to tell the two apart, see onEvicted and Take.
package txtable

import (
	"net"
	"strconv"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Record is the per-transaction state kept between forwarding a query
// upstream and delivering (or timing out) its reply.
type Record struct {
	OriginalTxID uint16
	ClientAddr   net.Addr
	Timestamp    time.Time
}

// TimeoutEvent is delivered on the Table's Timeouts channel when a
// transaction ages out without a matching upstream reply.
type TimeoutEvent struct {
	TxID   uint16
	Record Record
}

// Table correlates in-flight upstream queries to their originating
// client. INVARIANT: at most one record is live per id; inserting over a
// live id replaces it (§4.4.3 tie-break: the implementer may choose
// replace-on-collision, which is what Insert does here).
type Table struct {
	cache     *cache.Cache
	delivered *cache.Cache
	timeout   time.Duration
	timeouts  chan TimeoutEvent

	mu     sync.Mutex
	taking map[string]struct{}
}

// New returns a Table whose entries expire after timeout. Timeouts
// channel capacity is sized generously so the janitor goroutine never
// blocks waiting for the proxy loop to drain it; callers should still
// read from Timeouts continuously.
func New(timeout time.Duration) *Table {
	t := &Table{
		timeout:  timeout,
		timeouts: make(chan TimeoutEvent, 256),
		taking:   make(map[string]struct{}),
	}

	// cleanupInterval shorter than timeout keeps expiry latency bounded;
	// go-cache runs its janitor on its own goroutine regardless.
	sweep := timeout / 4
	if sweep <= 0 {
		sweep = time.Second
	}
	t.cache = cache.New(timeout, sweep)
	t.cache.OnEvicted(t.onEvicted)

	// delivered has no OnEvicted of its own; it only remembers which ids
	// Take recently removed, so WasDelivered can tell a timeout event that
	// raced with a delivery apart from a real one.
	t.delivered = cache.New(timeout, sweep)

	return t
}

// onEvicted fires on every removal from cache, go-cache's own OnEvicted
// callback does not distinguish janitor-driven expiry from a manual
// Delete. Take marks a key in t.taking for the duration of its own
// Delete call so that case is recognized here and suppressed, leaving
// onEvicted to only ever report a genuine PENDING -> TIMED_OUT transition.
func (t *Table) onEvicted(key string, value interface{}) {
	t.mu.Lock()
	_, manual := t.taking[key]
	t.mu.Unlock()
	if manual {
		return
	}

	id, err := strconv.ParseUint(key, 10, 16)
	if err != nil {
		return
	}
	rec, ok := value.(Record)
	if !ok {
		return
	}
	select {
	case t.timeouts <- TimeoutEvent{TxID: uint16(id), Record: rec}:
	default:
		// Channel full: the proxy loop is badly backed up. The entry is
		// already gone from the table, so dropping the notification here
		// means its client never receives a SERVFAIL for it.
	}
}

func key(txID uint16) string {
	return strconv.FormatUint(uint64(txID), 10)
}

// Insert records a new PENDING transaction, replacing any existing entry
// for the same id (ABSENT/PENDING -> PENDING).
func (t *Table) Insert(txID uint16, rec Record) {
	// A delivery mark left by an earlier transaction with this id must not
	// suppress the timeout of the new one.
	t.delivered.Delete(key(txID))
	t.cache.Set(key(txID), rec, t.timeout)
}

// Take looks up and atomically removes the transaction for txID
// (PENDING -> DELIVERED, in spec terms), used on the response path once
// a matching upstream reply arrives. k is marked in t.taking before the
// lookup and only unmarked after the Delete call returns, so a janitor
// eviction of the same id racing with this call always observes the
// mark (whichever of the two actually performs the physical removal)
// and onEvicted suppresses the spurious timeout.
func (t *Table) Take(txID uint16) (Record, bool) {
	k := key(txID)

	t.mu.Lock()
	t.taking[k] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.taking, k)
		t.mu.Unlock()
	}()

	v, ok := t.cache.Get(k)
	if !ok {
		return Record{}, false
	}
	t.cache.Delete(k)

	rec, ok := v.(Record)
	if ok {
		t.delivered.Set(k, struct{}{}, t.timeout)
	}
	return rec, ok
}

// WasDelivered reports whether txID was successfully Take-n recently. It
// is a second, independent guard the proxy checks before synthesizing a
// timeout reply, in case a TimeoutEvent was already in flight when the
// real reply arrived.
func (t *Table) WasDelivered(txID uint16) bool {
	_, ok := t.delivered.Get(key(txID))
	return ok
}

// Timeouts returns the channel on which PENDING -> TIMED_OUT transitions
// are delivered. The proxy loop is the sole reader.
func (t *Table) Timeouts() <-chan TimeoutEvent {
	return t.timeouts
}

// Len reports the number of currently PENDING transactions.
func (t *Table) Len() int {
	return t.cache.ItemCount()
}
