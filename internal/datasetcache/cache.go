// Package datasetcache keeps a bounded set of open source datasets so that
// build logic running in many workers does not exhaust file descriptors by
// reopening the same files.
package datasetcache

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Dataset is an open source file.
type Dataset interface {
	Close() error
}

// Opener opens the dataset stored at path.
type Opener func(path string) (Dataset, error)

// OpenFile is the default Opener: a plain read-only file handle.
func OpenFile(path string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Policy selects which unused datasets are trimmed first.
type Policy int

const (
	// TrimOldest removes the least recently accessed datasets.
	TrimOldest Policy = iota
	// TrimNewest removes the most recently accessed datasets.
	TrimNewest
)

// ParsePolicy maps "oldest" (any case) to TrimOldest and anything else to
// TrimNewest.
func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), "oldest") {
		return TrimOldest
	}
	return TrimNewest
}

func (p Policy) String() string {
	if p == TrimOldest {
		return "oldest"
	}
	return "newest"
}

// ErrCapacityExhausted is returned when no unused dataset can be evicted to
// make room for a new one.
var ErrCapacityExhausted = errors.New("dataset cache capacity exhausted")

// Observer is notified of cache activity.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheEvicted(n int)
	CacheSize(n int)
}

// Handle is a reference-counted open dataset. The cache holds one reference
// while the handle is registered; every successful Open hands the caller one
// more, to be returned with Release.
type Handle struct {
	path  string
	refs  atomic.Int32
	ready chan struct{}

	dataset Dataset
	err     error

	// guarded by Cache.mu
	lastAccess time.Time
	seq        uint64
}

// Path returns the file the dataset was opened from.
func (h *Handle) Path() string { return h.path }

// Dataset returns the open dataset.
func (h *Handle) Dataset() Dataset { return h.dataset }

// Release returns the caller's reference. Call it exactly once per Open.
func (h *Handle) Release() {
	h.unref()
}

func (h *Handle) unref() {
	if h.refs.Add(-1) == 0 && h.dataset != nil {
		if err := h.dataset.Close(); err != nil {
			log.Warn().Err(err).Str("path", h.path).Msg("close dataset")
		}
	}
}

// Cache is a bounded registry of open datasets keyed by path.
type Cache struct {
	open     Opener
	capacity int
	trim     int
	policy   Policy
	now      func() time.Time
	observer Observer

	mu      sync.Mutex
	entries map[string]*Handle
	seq     uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity bounds the number of registered datasets.
func WithCapacity(n int) Option { return func(c *Cache) { c.capacity = n } }

// WithTrimCount sets how many unused datasets one eviction pass removes.
func WithTrimCount(n int) Option { return func(c *Cache) { c.trim = n } }

// WithPolicy sets the eviction order.
func WithPolicy(p Policy) Option { return func(c *Cache) { c.policy = p } }

// WithClock overrides the access-time source.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithObserver reports cache activity to o.
func WithObserver(o Observer) Option { return func(c *Cache) { c.observer = o } }

// DefaultTrimCount is the number of datasets trimmed per eviction pass.
const DefaultTrimCount = 10

// New creates a cache that opens datasets with open.
func New(open Opener, opts ...Option) *Cache {
	if open == nil {
		open = OpenFile
	}
	c := &Cache{
		open:     open,
		capacity: DefaultCapacity(),
		trim:     DefaultTrimCount,
		policy:   TrimOldest,
		now:      time.Now,
		entries:  map[string]*Handle{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.capacity < 1 {
		c.capacity = 1
	}
	return c
}

// Capacity returns the maximum number of registered datasets.
func (c *Cache) Capacity() int { return c.capacity }

// Len returns the number of registered datasets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Open returns the dataset for path, opening it when it is not yet
// registered. At capacity, unused datasets are trimmed first; if that frees
// nothing, ErrCapacityExhausted is returned. Concurrent opens of the same
// path share one underlying open.
func (c *Cache) Open(path string) (*Handle, error) {
	c.mu.Lock()
	if h, ok := c.entries[path]; ok {
		h.refs.Add(1)
		h.lastAccess = c.now()
		c.mu.Unlock()

		<-h.ready
		if h.err != nil {
			h.unref()
			return nil, h.err
		}
		c.notify(func(o Observer) { o.CacheHit() })
		return h, nil
	}

	var evicted []*Handle
	if len(c.entries) >= c.capacity {
		evicted = c.evictLocked(c.trim)
	}
	if len(c.entries) >= c.capacity {
		size := len(c.entries)
		c.mu.Unlock()
		c.drop(evicted)
		log.Warn().Str("path", path).Int("open", size).Msg("unable to open dataset, insufficient file handles available")
		return nil, fmt.Errorf("open %s: %w", path, ErrCapacityExhausted)
	}

	c.seq++
	h := &Handle{path: path, ready: make(chan struct{}), lastAccess: c.now(), seq: c.seq}
	h.refs.Store(2)
	c.entries[path] = h
	size := len(c.entries)
	c.mu.Unlock()

	c.drop(evicted)
	c.notify(func(o Observer) {
		o.CacheMiss()
		o.CacheSize(size)
	})

	ds, err := c.open(path)
	if err != nil {
		c.mu.Lock()
		if c.entries[path] == h {
			delete(c.entries, path)
		}
		c.mu.Unlock()
		h.err = fmt.Errorf("open dataset %s: %w", path, err)
		close(h.ready)
		h.refs.Add(-2)
		return nil, h.err
	}
	h.dataset = ds
	close(h.ready)
	return h, nil
}

// evictLocked unregisters up to n datasets held only by the cache, ordered by
// the configured policy.
func (c *Cache) evictLocked(n int) []*Handle {
	if n <= 0 {
		return nil
	}
	var candidates []*Handle
	for _, h := range c.entries {
		if h.refs.Load() == 1 {
			candidates = append(candidates, h)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.lastAccess.Equal(b.lastAccess) {
			if c.policy == TrimOldest {
				return a.lastAccess.Before(b.lastAccess)
			}
			return a.lastAccess.After(b.lastAccess)
		}
		return a.seq < b.seq
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	for _, h := range candidates {
		delete(c.entries, h.path)
	}
	if len(candidates) > 0 {
		log.Debug().Int("evicted", len(candidates)).Str("policy", c.policy.String()).Msg("trimmed unused datasets")
	}
	return candidates
}

// drop returns the cache's reference on handles it no longer registers.
func (c *Cache) drop(handles []*Handle) {
	if len(handles) == 0 {
		return
	}
	for _, h := range handles {
		h.unref()
	}
	c.notify(func(o Observer) { o.CacheEvicted(len(handles)) })
}

// Clear unregisters every dataset. Datasets still held by callers are closed
// on their final Release.
func (c *Cache) Clear() {
	c.mu.Lock()
	all := make([]*Handle, 0, len(c.entries))
	for _, h := range c.entries {
		all = append(all, h)
	}
	c.entries = map[string]*Handle{}
	c.mu.Unlock()

	for _, h := range all {
		<-h.ready
		h.unref()
	}
	c.notify(func(o Observer) { o.CacheSize(0) })
}

func (c *Cache) notify(fn func(Observer)) {
	if c.observer != nil {
		fn(c.observer)
	}
}
