// Package stats samples CPU usage of the host and of this executor's runtimes.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sync/errgroup"

	"github.com/open-runtimes/executor/internal/docker"
	"github.com/open-runtimes/executor/internal/metrics"
)

const defaultInterval = time.Second

// Source reports per-container CPU usage for containers carrying labels.
type Source interface {
	Stats(ctx context.Context, labels map[string]string) ([]docker.ContainerStat, error)
}

// Usage is a point-in-time view of the averaged samples. Host is nil until
// the first host sample lands. Values are percentages.
type Usage struct {
	Host     *float64
	Runtimes map[string]float64
}

// cpuTimes returns cumulative busy and total CPU seconds since boot.
type cpuTimes func() (busy, total float64, err error)

type Sampler struct {
	source   Source
	labels   map[string]string
	prefix   string
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
	cpu      cpuTimes

	mu       sync.RWMutex
	host     *float64
	runtimes map[string]float64
	last     [2]float64 // busy, total from the previous host sample
	primed   bool

	lifecycle sync.Mutex
	running   bool
	stopCh    chan struct{}
	done      chan struct{}
}

// New returns a sampler for containers carrying labels. Container names are
// reported without the "<hostname>-" prefix.
func New(source Source, hostname string, labels map[string]string, logger *slog.Logger) *Sampler {
	return &Sampler{
		source:   source,
		labels:   labels,
		prefix:   hostname + "-",
		logger:   logger,
		interval: defaultInterval,
		cpu:      procCPUTimes,
		runtimes: make(map[string]float64),
	}
}

func (s *Sampler) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Start samples immediately and then every interval until Stop is called or
// ctx ends. Calling Start on a running sampler does nothing.
func (s *Sampler) Start(ctx context.Context) {
	s.lifecycle.Lock()
	if s.running {
		s.lifecycle.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	stopCh, done := s.stopCh, s.done
	s.lifecycle.Unlock()

	go func() {
		defer close(done)
		s.Sample(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				s.Sample(ctx)
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.lifecycle.Lock()
	if !s.running {
		s.lifecycle.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.lifecycle.Unlock()

	<-done
}

// Sample takes one host and one container sample concurrently and folds them
// into the running averages. A failing half is logged and leaves its previous
// values in place.
func (s *Sampler) Sample(ctx context.Context) {
	var (
		host       *float64
		runtimes   map[string]float64
		containers bool
	)

	var g errgroup.Group
	g.Go(func() error {
		usage, err := s.sampleHost()
		if err != nil {
			s.logger.Warn("skipping host stats", "error", err)
			return nil
		}
		host = usage
		return nil
	})
	g.Go(func() error {
		usage, err := s.sampleContainers(ctx)
		if err != nil {
			s.logger.Warn("skipping runtime stats", "error", err)
			return nil
		}
		runtimes, containers = usage, true
		return nil
	})
	_ = g.Wait()

	s.mu.Lock()
	if host != nil {
		s.host = average(s.host, *host)
	}
	if containers {
		next := make(map[string]float64, len(runtimes))
		for name, usage := range runtimes {
			prev, ok := s.runtimes[name]
			if ok {
				usage = (prev + usage) / 2
			}
			next[name] = usage
		}
		s.runtimes = next
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if snapshot.Host != nil {
		s.metrics.SetUsage(*snapshot.Host, snapshot.Runtimes)
	}
}

// Snapshot returns a copy of the current averages.
func (s *Sampler) Snapshot() Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Sampler) snapshotLocked() Usage {
	u := Usage{Runtimes: maps.Clone(s.runtimes)}
	if s.host != nil {
		h := *s.host
		u.Host = &h
	}
	return u
}

// sampleHost reports the busy share of CPU time since the previous call. The
// first call only primes the counters and returns nil.
func (s *Sampler) sampleHost() (*float64, error) {
	busy, total, err := s.cpu()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev, primed := s.last, s.primed
	s.last, s.primed = [2]float64{busy, total}, true
	s.mu.Unlock()

	if !primed {
		return nil, nil
	}
	dt := total - prev[1]
	if dt <= 0 {
		return nil, nil
	}
	usage := (busy - prev[0]) / dt * 100
	usage = min(max(usage, 0), 100)
	return &usage, nil
}

func (s *Sampler) sampleContainers(ctx context.Context) (map[string]float64, error) {
	stats, err := s.source.Stats(ctx, s.labels)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(stats))
	for _, st := range stats {
		name, ok := strings.CutPrefix(st.Name, s.prefix)
		if !ok {
			continue
		}
		out[name] = st.CPUUsage * 100
	}
	return out, nil
}

func average(prev *float64, next float64) *float64 {
	if prev != nil {
		next = (*prev + next) / 2
	}
	return &next
}

func procCPUTimes() (float64, float64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, 0, fmt.Errorf("open procfs: %w", err)
	}
	st, err := fs.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("read cpu stat: %w", err)
	}
	c := st.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	return busy, busy + idle, nil
}
