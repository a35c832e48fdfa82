// Package variant maintains the registry of derived files (reprojections,
// resamplings) of original source files and picks the best existing variant
// for a requested spatial profile.
package variant

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Lookup modes reported to an Observer.
const (
	LookupCoordinateSystem = "cs"
	LookupProfile          = "profile"
)

// Observer is notified of every lookup.
type Observer interface {
	VariantLookup(mode string, found bool)
}

// Cache is the variant registry: original path to its ordered variants, and
// derived path to its details.
type Cache struct {
	host        string
	observer    Observer
	parallelism int

	mu       sync.Mutex
	path     string
	dirty    bool
	variants map[string][]FileDetails
	files    map[string]FileDetails
}

// Option configures a Cache.
type Option func(*Cache)

// WithObserver reports lookups to o.
func WithObserver(o Observer) Option { return func(c *Cache) { c.observer = o } }

// WithMirrorParallelism bounds the concurrent pushes of Mirror.
func WithMirrorParallelism(n int) Option { return func(c *Cache) { c.parallelism = n } }

// New creates an empty registry. localHost is preferred when two variants
// are otherwise equally good.
func New(localHost string, opts ...Option) *Cache {
	c := &Cache{
		host:        localHost,
		parallelism: DefaultMirrorParallelism,
		variants:    map[string][]FileDetails{},
		files:       map[string]FileDetails{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.parallelism < 1 {
		c.parallelism = 1
	}
	return c
}

// LocalHost returns the host the registry was created on.
func (c *Cache) LocalHost() string { return c.host }

// Path returns the file the registry was last read from or written to.
func (c *Cache) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Dirty reports whether the registry has changes not yet written.
func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Len returns the number of registered variants.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, vs := range c.variants {
		n += len(vs)
	}
	return n
}

// Variants returns a copy of the variants registered for original.
func (c *Cache) Variants(original string) []FileDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FileDetails(nil), c.variants[original]...)
}

// Add registers fd as a variant of fd.Original. It returns false when an
// equal record is already registered.
func (c *Cache) Add(fd FileDetails) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range c.variants[fd.Original] {
		if v.Equal(fd) {
			log.Info().Str("file", fd.File).Msg("file details already in cache")
			return false
		}
	}
	c.dirty = true
	c.files[fd.File] = fd
	c.variants[fd.Original] = append(c.variants[fd.Original], fd)
	log.Debug().Str("file", fd.File).Str("original", fd.Original).Msg("file details added")
	return true
}

// Remove unregisters fd. It returns false when fd was not a registered
// variant.
func (c *Cache) Remove(fd FileDetails) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	vs := c.variants[fd.Original]
	for i, v := range vs {
		if v.Equal(fd) {
			c.dirty = true
			if cur, ok := c.files[fd.File]; ok && cur.Equal(fd) {
				delete(c.files, fd.File)
			}
			vs = append(vs[:i:i], vs[i+1:]...)
			if len(vs) == 0 {
				delete(c.variants, fd.Original)
			} else {
				c.variants[fd.Original] = vs
			}
			return true
		}
	}
	return false
}

// SpatialProperties returns the recorded properties of a derived file.
func (c *Cache) SpatialProperties(file string) (SpatialProperties, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fd, ok := c.files[file]
	return fd.Spatial, ok
}

// BestForCoordinateSystem returns the finest variant of original in an
// equivalent coordinate system. When nothing matches, the original path is
// returned so the caller reads the source directly.
func (c *Cache) BestForCoordinateSystem(original, cs string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		best  *FileDetails
		bestR = math.MaxFloat64
	)
	vs := c.variants[original]
	for i := range vs {
		fd := &vs[i]
		if !EquivalentCoordinateSystems(fd.Spatial.CoordinateSystem, cs) {
			continue
		}
		r := fd.Spatial.Resolution()
		if best == nil || r < bestR || (r == bestR && fd.Host == c.host) {
			best, bestR = fd, r
		}
	}

	c.observe(LookupCoordinateSystem, best != nil)
	if best == nil {
		return original
	}
	return best.File
}

// BestForProfile returns the compatible variant of original whose
// resolution is closest to sp: the closest equal-or-coarser one if any,
// else the closest finer one. It returns false when variants exist but none
// fits, meaning the caller must derive one. An original without any
// registered variant is returned unchanged.
func (c *Cache) BestForProfile(original string, sp SpatialProperties) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vs, ok := c.variants[original]
	if !ok {
		c.observe(LookupProfile, false)
		return original, true
	}

	var (
		above, below   *FileDetails
		aboveR, belowR = math.MaxFloat64, -math.MaxFloat64
	)
	for i := range vs {
		fd := &vs[i]
		if !fd.Spatial.Compatible(sp) {
			continue
		}
		r := fd.Spatial.ResolutionRatio(sp)
		local := fd.Host == c.host
		if r < 1 {
			if below == nil || r > belowR || (r == belowR && local) {
				below, belowR = fd, r
			}
		} else {
			if above == nil || r < aboveR || (r == aboveR && local) {
				above, aboveR = fd, r
			}
		}
	}

	switch {
	case above != nil:
		c.observe(LookupProfile, true)
		return above.File, true
	case below != nil:
		c.observe(LookupProfile, true)
		return below.File, true
	}
	c.observe(LookupProfile, false)
	return "", false
}

// Clear drops every registered variant.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
	c.variants = map[string][]FileDetails{}
	c.files = map[string]FileDetails{}
	log.Info().Msg("variant cache cleared")
}

// Report writes a human-readable listing of every variant grouped by
// original.
func (c *Cache) Report(w io.Writer) {
	for _, group := range c.snapshot() {
		fmt.Fprintf(w, "Variants of %s {\n", group.original)
		for _, fd := range group.variants {
			fmt.Fprintln(w, "  FileDetails {")
			for _, f := range fields(fd, false) {
				fmt.Fprintf(w, "    %s\n", f)
			}
			fmt.Fprintln(w, "  }")
		}
		fmt.Fprintln(w, "}")
	}
}

type originalGroup struct {
	original string
	variants []FileDetails
}

// snapshot copies the registry ordered by original path.
func (c *Cache) snapshot() []originalGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() []originalGroup {
	keys := make([]string, 0, len(c.variants))
	for k := range c.variants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]originalGroup, 0, len(keys))
	for _, k := range keys {
		out = append(out, originalGroup{original: k, variants: append([]FileDetails(nil), c.variants[k]...)})
	}
	return out
}

func (c *Cache) observe(mode string, found bool) {
	if c.observer != nil {
		c.observer.VariantLookup(mode, found)
	}
}
