// Package dedup tracks recently relayed message fingerprints so a message is
// forwarded to a destination at most once while its fingerprint is resident.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Fingerprint identifies a message for duplicate detection.
type Fingerprint string

// FromIDs derives a fingerprint from the source channel and message ids.
func FromIDs(source, message int64) Fingerprint {
	return Fingerprint("id:" + strconv.FormatInt(source, 10) + ":" + strconv.FormatInt(message, 10))
}

// FromContent derives a fingerprint from the message payload. Used when the
// message carries no stable id.
func FromContent(content []byte) Fingerprint {
	sum := sha256.Sum256(content)
	return Fingerprint("sha:" + hex.EncodeToString(sum[:]))
}

// Config controls cache bounds.
type Config struct {
	// Capacity is the maximum number of resident fingerprints. Zero means
	// unbounded. Default: 10000.
	Capacity int

	// TTL is how long a fingerprint stays resident. Zero disables expiry.
	TTL time.Duration
}

// Cache is a bounded fingerprint store keyed by destination. Eviction is by
// insertion order once Capacity is reached, or by TTL.
type Cache struct {
	// lru is created without its own TTL: expiry is evaluated against the
	// stored insertion time so the TTL can change at runtime.
	lru *expirable.LRU[string, time.Time]
	ttl atomic.Int64

	mu       sync.Mutex
	inflight map[string]struct{}

	now func() time.Time
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	c := &Cache{
		lru:      expirable.NewLRU[string, time.Time](cfg.Capacity, nil, 0),
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}
	c.ttl.Store(int64(cfg.TTL))
	return c
}

func key(destination int64, fp Fingerprint) string {
	return strconv.FormatInt(destination, 10) + "/" + string(fp)
}

// Reserve claims fp for destination. It returns false if the fingerprint is
// resident or another sender currently holds it. A successful reservation
// must be followed by Commit or Release.
func (c *Cache) Reserve(destination int64, fp Fingerprint) bool {
	k := key(destination, fp)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.residentLocked(k) {
		return false
	}
	if _, busy := c.inflight[k]; busy {
		return false
	}
	c.inflight[k] = struct{}{}
	return true
}

// Commit records fp as relayed and drops the reservation.
func (c *Cache) Commit(destination int64, fp Fingerprint) {
	k := key(destination, fp)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, k)
	c.lru.Add(k, c.now())
}

// Release drops a reservation without recording the fingerprint.
func (c *Cache) Release(destination int64, fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key(destination, fp))
}

// Len returns the number of stored fingerprints, including expired entries
// not yet purged.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// SetTTL changes the residency window. It applies to existing entries.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.ttl.Store(int64(ttl))
}

// TTL returns the current residency window.
func (c *Cache) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// PurgeExpired removes expired entries and returns how many were dropped.
// Entries are stored in insertion order, so the scan stops at the first
// live entry.
func (c *Cache) PurgeExpired() int {
	ttl := c.TTL()
	if ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-ttl)
	n := 0
	for {
		_, seenAt, ok := c.lru.GetOldest()
		if !ok || seenAt.After(cutoff) {
			return n
		}
		c.lru.RemoveOldest()
		n++
	}
}

// residentLocked must be called with mu held.
func (c *Cache) residentLocked(k string) bool {
	seenAt, ok := c.lru.Peek(k)
	if !ok {
		return false
	}
	ttl := c.TTL()
	if ttl > 0 && c.now().Sub(seenAt) >= ttl {
		c.lru.Remove(k)
		return false
	}
	return true
}
