package runner

import (
	"context"
	"sort"

	"github.com/open-runtimes/executor/internal/events"
	"github.com/open-runtimes/executor/internal/registry"
)

// Delete removes a runtime. The registry entry goes first so executions stop
// routing to it while the container is being removed.
func (m *Manager) Delete(ctx context.Context, runtimeID string) error {
	name := m.Name(runtimeID)
	rt, ok := m.registry.Get(name)
	if !ok || !m.registry.Delete(name) {
		return newError(ErrNotFound, "Runtime not found")
	}
	m.metrics.SetActiveRuntimes(m.registry.Len())

	if err := m.containers.Remove(context.WithoutCancel(ctx), name, true); err != nil {
		m.logger.Error("remove container failed", "runtime", name, "error", err)
		return err
	}
	if err := m.local.DeletePath(m.tmpDir(name)); err != nil {
		m.logger.Warn("delete runtime directory failed", "runtime", name, "error", err)
	}

	m.logger.Info("runtime deleted", "runtime", name)
	m.publish(ctx, events.Event{Type: events.RuntimeDeleted, Runtime: name, Version: rt.Version})
	return nil
}

// Get returns the runtime created for runtimeID.
func (m *Manager) Get(runtimeID string) (registry.Runtime, error) {
	rt, ok := m.registry.Get(m.Name(runtimeID))
	if !ok {
		return registry.Runtime{}, newError(ErrNotFound, "Runtime not found")
	}
	return rt, nil
}

// List returns all runtimes ordered by name.
func (m *Manager) List() []registry.Runtime {
	runtimes := m.registry.List()
	sort.Slice(runtimes, func(i, j int) bool { return runtimes[i].Name < runtimes[j].Name })
	return runtimes
}
