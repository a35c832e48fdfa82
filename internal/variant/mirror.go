package variant

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Pusher copies a local file to a remote path.
type Pusher interface {
	PushFile(ctx context.Context, localPath, remotePath string) error
}

// DefaultMirrorParallelism bounds concurrent pushes in Mirror.
const DefaultMirrorParallelism = 4

// Mirror copies every variant produced on the local host into directory on
// host and registers the copies as variants produced there. It returns the
// number of files copied.
func (c *Cache) Mirror(ctx context.Context, p Pusher, host, directory string) (int, error) {
	log.Info().Str("host", host).Str("directory", directory).Msg("mirroring variant cache")

	var local []FileDetails
	for _, g := range c.snapshot() {
		for _, fd := range g.variants {
			if fd.Host == c.host && fd.File != fd.Original {
				local = append(local, fd)
			}
		}
	}

	var copied atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, fd := range local {
		fd := fd
		g.Go(func() error {
			remote := path.Join(directory, filepath.Base(fd.File))
			if err := p.PushFile(gctx, fd.File, remote); err != nil {
				return fmt.Errorf("mirror %s to %s: %w", fd.File, host, err)
			}
			dup := fd
			dup.File = remote
			dup.Host = host
			c.Add(dup)
			copied.Add(1)
			return nil
		})
	}
	err := g.Wait()

	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
	return int(copied.Load()), err
}
