// Package cache provides the resolver's TTL-indexed answer cache: a
// mutex-protected map with absolute per-entry expiry and lazy eviction on
// lookup. There is no LRU, no negative caching, no TTL capping, and no
// bound on size.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jroosing/resolvd/internal/dns"
)

// ErrCache is the sentinel for cache-layer failures (TTL + now overflow).
var ErrCache = errors.New("cache error")

// Question identifies a cached answer the same way the wire question does:
// name, type, and class. Insert and Lookup fold the name with
// dns.NormalizeName, so keys differing only in case match.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// cacheableTypes are the only RR types cache_answers will insert.
var cacheableTypes = map[uint16]struct{}{
	uint16(dns.TypeA):     {},
	uint16(dns.TypeNS):    {},
	uint16(dns.TypeCNAME): {},
	uint16(dns.TypeMX):    {},
	uint16(dns.TypeAAAA):  {},
}

type entry struct {
	record dns.Record
	expiry time.Time
}

// Cache is a TTL-indexed store of the most recently learned answer for a
// given question. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[Question]entry
	now     func() time.Time
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[Question]entry),
		now:     time.Now,
	}
}

// Lookup returns the cached record for q if present and not expired. An
// expired entry is evicted as part of the lookup.
func (c *Cache) Lookup(q Question) (dns.Record, bool) {
	q.Name = dns.NormalizeName(q.Name)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[q]
	if !ok {
		return dns.Record{}, false
	}
	if !e.expiry.After(c.now()) {
		delete(c.entries, q)
		return dns.Record{}, false
	}
	return e.record, true
}

// Insert stores rr, keyed by the question it answers, overwriting any
// existing entry. The expiry is computed from now + TTL; an overflowing
// TTL is a cache error and the record is not inserted.
func (c *Cache) Insert(rr dns.Record) error {
	expiry, err := addTTL(c.now(), rr.TTL)
	if err != nil {
		return err
	}

	q := Question{Name: dns.NormalizeName(rr.Name), Type: rr.Type, Class: rr.Class}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[q] = entry{record: rr, expiry: expiry}
	return nil
}

// CacheAnswers inserts every cacheable record (A, NS, CNAME, MX, AAAA) from
// the given records. Other types, including SOA, are ignored without error.
func (c *Cache) CacheAnswers(records []dns.Record) error {
	for _, rr := range records {
		if _, ok := cacheableTypes[rr.Type]; !ok {
			continue
		}
		if err := c.Insert(rr); err != nil {
			return err
		}
	}
	return nil
}

// addTTL adds ttl seconds to base, returning a cache error if the result
// overflows time.Time's representable range.
func addTTL(base time.Time, ttl uint32) (time.Time, error) {
	d := time.Duration(ttl) * time.Second
	expiry := base.Add(d)
	// time.Time.Add saturates instead of wrapping, so an overflow shows up
	// as an expiry that lies less than ttl seconds after base.
	if expiry.Sub(base) != d {
		return time.Time{}, fmt.Errorf("%w: ttl %d overflows expiry", ErrCache, ttl)
	}
	return expiry, nil
}
