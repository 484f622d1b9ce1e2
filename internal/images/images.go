// Package images warms the local image cache with runtime images.
package images

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Repository is the registry namespace runtime images are published under.
const Repository = "openruntimes"

type Puller interface {
	Pull(ctx context.Context, ref string) error
}

type Warmer struct {
	puller Puller
	logger *slog.Logger
	limit  int
}

func NewWarmer(puller Puller, logger *slog.Logger) *Warmer {
	return &Warmer{puller: puller, logger: logger, limit: 8}
}

// Expand turns allowlist entries of the form "<runtime>-<version>" into image
// references, one per protocol version: node-18.0 with v5 becomes
// openruntimes/node:v5-18.0. Malformed entries are skipped.
func Expand(runtimes, versions []string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, protocol := range versions {
		for _, entry := range runtimes {
			i := strings.LastIndex(entry, "-")
			if i <= 0 || i == len(entry)-1 {
				continue
			}
			ref := Repository + "/" + entry[:i] + ":" + protocol + "-" + entry[i+1:]
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// PullAll pulls every image concurrently and reports how many succeeded.
// Individual failures are logged and do not stop the others.
func (w *Warmer) PullAll(ctx context.Context, refs []string) int {
	if len(refs) == 0 {
		return 0
	}
	start := time.Now()

	var pulled atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.limit)
	for _, ref := range refs {
		g.Go(func() error {
			if err := w.puller.Pull(gctx, ref); err != nil {
				w.logger.Warn("image warm-up failed", "image", ref, "error", err)
				return nil
			}
			w.logger.Debug("image warmed up", "image", ref)
			pulled.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(pulled.Load())
	w.logger.Info("image pulling finished", "pulled", n, "total", len(refs), "duration", time.Since(start))
	return n
}
