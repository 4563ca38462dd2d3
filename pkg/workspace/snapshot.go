package workspace

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/picopip/picopip/pkg/dist"
)

// fillHashes computes content hashes for manifest entries the
// installer recorded without one. Hashing runs across distributions
// concurrently; entries whose file is absent keep an empty hash.
func (w *Workspace) fillHashes(ctx context.Context, snapshot dist.Snapshot) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for _, d := range snapshot {
		d := d
		g.Go(func() error {
			for i, entry := range d.Manifest {
				if entry.Hash != "" {
					continue
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				data, err := os.ReadFile(filepath.Join(w.sitePackages, filepath.FromSlash(entry.Path)))
				if err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return err
				}
				d.Manifest[i].Hash = dist.HashContent(data)
				d.Manifest[i].Size = int64(len(data))
			}
			return nil
		})
	}
	return g.Wait()
}
