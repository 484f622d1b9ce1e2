package runner

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// RemoveOwned force-removes every container labelled with this executor's
// hostname and forgets all registered runtimes. It runs on startup, to clear
// what a previous process left behind, and on shutdown.
func (m *Manager) RemoveOwned(ctx context.Context) error {
	containers, err := m.containers.List(ctx, m.Labels())
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	var removed atomic.Int64
	var g errgroup.Group
	g.SetLimit(16)
	for _, c := range containers {
		g.Go(func() error {
			if err := m.containers.Remove(ctx, c.Name, true); err != nil {
				m.logger.Warn("remove container failed", "container", c.Name, "error", err)
				return nil
			}
			removed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	for _, rt := range m.registry.List() {
		m.registry.Delete(rt.Name)
	}
	m.metrics.SetActiveRuntimes(m.registry.Len())

	m.logger.Info("removed owned containers", "removed", removed.Load(), "total", len(containers))
	return nil
}
