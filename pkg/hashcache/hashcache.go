// Package hashcache implements component D of the pattern intelligence core:
// a TTL-governed cache of content hashes with at-most-one-concurrent-
// verification-per-address, built on golang.org/x/sync/singleflight — the
// idiomatic Go answer to the "thundering herd" invariant spec.md §4.D
// describes, and already present transitively in the teacher's dependency
// graph (golang.org/x/sync).
package hashcache

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/patterncore/intel/pkg/errs"
)

// DefaultTTL matches spec.md's default freshness window.
const DefaultTTL = 300 * time.Second

// LookupResult is the tri-state outcome of Check: Fresh-and-matching,
// Fresh-and-differing, or Missing/expired.
type LookupResult int

const (
	// Missing means no fresh cached entry exists for the address.
	Missing LookupResult = iota
	// Matched means the cached hash equals the queried hash and is fresh.
	Matched
	// Differs means the cached hash is fresh but does not equal the queried hash.
	Differs
)

type entry struct {
	hash       string
	verifiedAt time.Time
}

// Cache is the Hash Cache's sole implementation.
type Cache struct {
	ttl   time.Duration
	mu    sync.RWMutex
	table map[string]entry
	group singleflight.Group
}

// New constructs a Cache with the given freshness TTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, table: make(map[string]entry)}
}

// Check is a lookup-only operation: it never triggers recomputation itself.
func (c *Cache) Check(address, storedHash string) LookupResult {
	c.mu.RLock()
	e, ok := c.table[address]
	c.mu.RUnlock()
	if !ok || time.Since(e.verifiedAt) >= c.ttl {
		return Missing
	}
	if e.hash == storedHash {
		return Matched
	}
	return Differs
}

// Store records a freshly-verified hash for address.
func (c *Cache) Store(address, hash string) error {
	if address == "" || hash == "" {
		return errs.New("hashcache.store", errs.Validation, fmt.Errorf("address and hash must be non-empty"))
	}
	c.mu.Lock()
	c.table[address] = entry{hash: hash, verifiedAt: time.Now()}
	c.mu.Unlock()
	return nil
}

// Clear wipes every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.table = make(map[string]entry)
	c.mu.Unlock()
}

// Stats reports (fresh_count, total_count).
func (c *Cache) Stats() (fresh, total int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total = len(c.table)
	for _, e := range c.table {
		if time.Since(e.verifiedAt) < c.ttl {
			fresh++
		}
	}
	return fresh, total
}

// VerifyFunc computes the current hash of an address's content, typically by
// re-reading and re-hashing the source.
type VerifyFunc func(address string) (string, error)

// Verify performs a Check, and on Missing, calls fn to recompute and Stores
// the result — all behind a per-address singleflight group, so concurrent
// callers for the same address collapse into one recomputation and all
// observe the same outcome, satisfying spec.md §4.D's invariant.
func (c *Cache) Verify(address, storedHash string, fn VerifyFunc) (LookupResult, error) {
	if r := c.Check(address, storedHash); r != Missing {
		return r, nil
	}

	v, err, _ := c.group.Do(address, func() (interface{}, error) {
		hash, err := fn(address)
		if err != nil {
			return nil, errs.New("hashcache.verify", errs.Transient, err)
		}
		if err := c.Store(address, hash); err != nil {
			return nil, err
		}
		return hash, nil
	})
	if err != nil {
		return Missing, err
	}

	if v.(string) == storedHash {
		return Matched, nil
	}
	return Differs, nil
}
