// Package blacklist holds the set of domain names the proxy refuses or
// redirects instead of forwarding upstream. Entries are bucketed by their
// final label, mirroring how a hosts-file-style list is naturally grouped
// by TLD/suffix, and each bucket is a golang-collections/collections/set
// for O(1) expected membership tests.
package blacklist

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/barweiss/go-tuple"
	"github.com/golang-collections/collections/set"
)

// Blacklist is a set of domain names loaded from a newline-delimited file;
// its contents change only as a whole, through Load or Reload. Lookups are
// case-insensitive and tolerate a trailing dot. An entry written as
// "*.example.com" matches any subdomain of example.com but not
// example.com itself.
type Blacklist struct {
	mu      sync.RWMutex
	buckets map[string]*set.Set
	sources map[string]string
	count   int
}

// New returns an empty Blacklist. Use Load or Reload to populate it.
func New() *Blacklist {
	return &Blacklist{
		buckets: make(map[string]*set.Set),
		sources: make(map[string]string),
	}
}

// lastLabel returns the final dot-separated label of domain (the whole
// string if it has no dot), used only to decide the bucket key.
func lastLabel(domain string) string {
	idx := strings.LastIndexByte(domain, '.')
	if idx < 0 {
		return domain
	}
	return domain[idx+1:]
}

func normalize(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimSuffix(domain, ".")
	return domain
}

// add inserts a single (domain, source) pair. domain must already be
// normalized.
func (b *Blacklist) add(entry tuple.T2[string, string]) {
	domain := entry.V1
	bucketKey := lastLabel(strings.TrimPrefix(domain, "*."))

	if _, ok := b.buckets[bucketKey]; !ok {
		b.buckets[bucketKey] = set.New()
	}
	if !b.buckets[bucketKey].Has(domain) {
		b.count++
	}
	b.buckets[bucketKey].Insert(domain)
	b.sources[domain] = entry.V2
}

// Load replaces the blacklist's contents with entries parsed from path.
// Blank lines and lines beginning with '#' are skipped. source is recorded
// per-entry for diagnostics (e.g. the file path or list name).
func (b *Blacklist) Load(path, source string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries := make([]tuple.T2[string, string], 0, 1024)

	rd := bufio.NewReader(f)
	for {
		line, err := rd.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			entries = append(entries, tuple.New2(normalize(trimmed), source))
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.buckets = make(map[string]*set.Set)
	b.sources = make(map[string]string)
	b.count = 0
	for _, e := range entries {
		b.add(e)
	}

	return nil
}

// Reload is an alias for Load kept separate so callers expressing a
// periodic hot-reload read as "reloading" rather than "loading".
func (b *Blacklist) Reload(path, source string) error {
	return b.Load(path, source)
}

// Contains reports whether domain (or a wildcard ancestor of it) is
// blacklisted, and if so which literal entry matched. domain need not be
// normalized; Contains normalizes it internally.
func (b *Blacklist) Contains(domain string) (blocked bool, matched string) {
	domain = normalize(domain)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.buckets) == 0 {
		return false, domain
	}

	bucket, ok := b.buckets[lastLabel(domain)]
	if !ok {
		return false, domain
	}

	if bucket.Has(domain) {
		return true, domain
	}

	// Start at 1: a "*." entry covers strict subdomains only, never the
	// domain it is written for.
	labels := strings.Split(domain, ".")
	for i := 1; i < len(labels); i++ {
		candidate := "*." + strings.Join(labels[i:], ".")
		if bucket.Has(candidate) {
			return true, candidate
		}
	}

	return false, domain
}

// Source returns the list name an entry was loaded from, or "unknown" if
// the entry is not present.
func (b *Blacklist) Source(entry string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.sources[entry]; ok {
		return s
	}
	return "unknown"
}

// Len returns the number of distinct entries currently loaded.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
