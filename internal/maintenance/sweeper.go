// Package maintenance evicts idle runtimes and cleans up what crashed or
// evicted runtimes leave on disk.
package maintenance

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/open-runtimes/executor/internal/config"
	"github.com/open-runtimes/executor/internal/events"
	"github.com/open-runtimes/executor/internal/metrics"
	"github.com/open-runtimes/executor/internal/registry"
	"github.com/open-runtimes/executor/internal/storage"
)

type Sweeper struct {
	registry   *registry.Registry
	containers SweeperContainers
	journal    SweeperJournal
	publisher  SweeperPublisher
	metrics    *metrics.Metrics
	local      storage.Device
	logger     *slog.Logger

	hostname  string
	tmpDir    string
	interval  time.Duration
	threshold time.Duration
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New(cfg *config.Config, reg *registry.Registry, containers SweeperContainers, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry:   reg,
		containers: containers,
		publisher:  events.Nop{},
		local:      storage.NewLocal(cfg.TmpDir),
		logger:     logger,
		hostname:   cfg.Hostname,
		tmpDir:     cfg.TmpDir,
		interval:   cfg.MaintenanceInterval(),
		threshold:  cfg.InactiveThreshold(),
		retention:  cfg.JournalRetention(),
		now:        time.Now,
	}
}

func (s *Sweeper) SetJournal(j SweeperJournal) {
	s.journal = j
}

func (s *Sweeper) SetPublisher(p SweeperPublisher) {
	if p == nil {
		p = events.Nop{}
	}
	s.publisher = p
}

func (s *Sweeper) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Start runs Sweep every interval until Stop is called or ctx ends. Calling
// Start on a running sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	s.logger.Info("maintenance started", "interval", s.interval, "inactive_threshold", s.threshold)

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for an in-progress sweep. It is safe to call
// more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("maintenance stopped")
}

// Sweep runs one maintenance tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.evictInactive(ctx)
	s.removeOrphans()
	s.pruneJournal(ctx)
}

// evictInactive forgets runtimes idle for longer than the threshold and then
// removes their containers. Entries leave the registry first so no new
// execution is routed to a container being removed.
func (s *Sweeper) evictInactive(ctx context.Context) {
	cutoff := s.now().Add(-s.threshold)

	var idle []registry.Runtime
	s.registry.Range(func(name string, rt registry.Runtime) bool {
		if rt.Updated.Before(cutoff) && s.registry.Delete(name) {
			idle = append(idle, rt)
		}
		return true
	})
	if len(idle) == 0 {
		return
	}
	s.metrics.Evicted(len(idle))
	s.metrics.SetActiveRuntimes(s.registry.Len())

	var removed atomic.Int64
	var g errgroup.Group
	for _, rt := range idle {
		g.Go(func() error {
			if err := s.containers.Remove(ctx, rt.Name, true); err != nil {
				s.logger.Error("remove inactive runtime failed", "runtime", rt.Name, "error", err)
				return nil
			}
			removed.Add(1)
			s.publisher.Publish(ctx, events.Event{Type: events.RuntimeEvicted, Runtime: rt.Name, Version: rt.Version, At: s.now()})
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("inactive runtimes removed", "removed", removed.Load(), "total", len(idle))
}

// removeOrphans deletes temporary directories of this host's runtimes that
// are no longer registered.
func (s *Sweeper) removeOrphans() {
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		s.logger.Warn("list temporary directory failed", "path", s.tmpDir, "error", err)
		return
	}

	prefix := s.hostname + "-"
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, prefix) || s.registry.Exists(name) {
			continue
		}
		if err := s.local.DeletePath(filepath.Join(s.tmpDir, name)); err != nil {
			s.logger.Warn("remove orphaned directory failed", "runtime", name, "error", err)
			continue
		}
		s.logger.Info("orphaned directory removed", "runtime", name)
	}
}

func (s *Sweeper) pruneJournal(ctx context.Context) {
	if s.journal == nil || s.retention <= 0 {
		return
	}
	n, err := s.journal.Prune(ctx, s.now().Add(-s.retention))
	if err != nil {
		s.logger.Error("prune journal failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("journal pruned", "rows", n)
	}
}
