// Package cache implements a bounded, byte-budgeted mapping from request
// lines to response bytes.
//
// Objects live on a doubly linked list ordered by insertion: the head is
// the most recently added (MRA), the tail the least recently added (LRA).
// Insertion evicts from the tail until the budget fits; a lookup hit does
// not promote, which makes the policy a least-recently-added approximation
// of LRU.
//
// The cache itself does no locking. The owner guards it with a single
// readers-writer lock: lookups under the read lock, inserts and removals
// under the write lock. Response bytes must be copied out before the read
// lock is released, because a later writer may evict the object.
package cache

import (
	"bytes"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/util/xxhash3"
	"go.uber.org/atomic"
)

const (
	// MaxCacheSize is the default byte budget of a proxy cache.
	MaxCacheSize = 1049000
	// MaxObjectSize is the largest response admitted to the cache.
	// Callers filter larger objects before Insert.
	MaxObjectSize = 102400
)

// Object holds one cached response. Request is the exact request-line
// bytes, including the HTTP version and trailing CRLF; semantically
// different clients with identical request lines intentionally collide.
type Object struct {
	Request  []byte
	Response []byte
	Size     int

	digest     uint64
	prev, next *Object
}

// NewObject builds an object owning copies of the request line and the
// response bytes.
func NewObject(request, response []byte) *Object {
	req := dirtmake.Bytes(len(request), len(request))
	copy(req, request)
	resp := dirtmake.Bytes(len(response), len(response))
	copy(resp, response)
	return &Object{
		Request:  req,
		Response: resp,
		Size:     len(resp),
		digest:   xxhash3.Hash(req),
	}
}

// CopyResponse returns a fresh copy of the response bytes. Callers holding
// the owner's read lock use this to carry the bytes past the unlock.
func (o *Object) CopyResponse() []byte {
	p := dirtmake.Bytes(len(o.Response), len(o.Response))
	copy(p, o.Response)
	return p
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is the bounded response cache.
type Cache struct {
	maxBytes  int
	bytesLeft int
	mra, lra  *Object

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New returns an empty cache with the given byte budget.
func New(maxBytes int) *Cache {
	return &Cache{maxBytes: maxBytes, bytesLeft: maxBytes}
}

// Find scans from the MRA end for an object whose request line equals req
// and returns it, or nil. The hit does not change the object's position.
func (c *Cache) Find(req []byte) *Object {
	digest := xxhash3.Hash(req)
	for scan := c.mra; scan != nil; scan = scan.next {
		if scan.digest == digest && bytes.Equal(scan.Request, req) {
			c.hits.Inc()
			return scan
		}
	}
	c.misses.Inc()
	return nil
}

// Insert evicts from the LRA end until the object fits, then prepends it at
// the MRA end. Inserting an object larger than the whole budget is a
// caller error: the eviction loop drains the cache and the budget goes
// negative.
func (c *Cache) Insert(obj *Object) {
	c.evict(obj.Size)
	c.bytesLeft -= obj.Size

	if c.mra == nil {
		c.mra = obj
		c.lra = obj
		return
	}
	head := c.mra
	c.mra = obj
	obj.prev = nil
	obj.next = head
	head.prev = obj
}

// Remove unlinks obj from the list, returns its size to the budget and
// releases the object's buffers.
func (c *Cache) Remove(obj *Object) {
	c.bytesLeft += obj.Size
	switch {
	case obj.prev == nil && obj.next == nil:
		c.mra = nil
		c.lra = nil
	case obj.prev == nil:
		c.mra = obj.next
		c.mra.prev = nil
	case obj.next == nil:
		c.lra = obj.prev
		c.lra.next = nil
	default:
		obj.prev.next = obj.next
		obj.next.prev = obj.prev
	}
	obj.prev = nil
	obj.next = nil
	obj.Request = nil
	obj.Response = nil
}

// Free releases every object and empties the cache.
func (c *Cache) Free() {
	for c.mra != nil {
		c.Remove(c.mra)
	}
}

// BytesLeft returns the remaining budget.
func (c *Cache) BytesLeft() int { return c.bytesLeft }

// MaxBytes returns the configured budget.
func (c *Cache) MaxBytes() int { return c.maxBytes }

// Len returns the number of resident objects.
func (c *Cache) Len() int {
	n := 0
	for scan := c.mra; scan != nil; scan = scan.next {
		n++
	}
	return n
}

// Stats returns a snapshot of the hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// evict drops LRA objects until the budget can take size more bytes.
func (c *Cache) evict(size int) {
	for c.bytesLeft < size && c.lra != nil {
		c.Remove(c.lra)
		c.evictions.Inc()
	}
}
