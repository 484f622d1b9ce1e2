// Package network keeps the bridge networks shared by the executor and its
// runtimes.
package network

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/containerd/errdefs"
	"golang.org/x/sync/errgroup"

	"github.com/open-runtimes/executor/internal/docker"
)

// ExecutorImageLabel marks the executor's own container with the image it runs.
const ExecutorImageLabel = "com.openruntimes.executor.image"

// Backend is the slice of the container control plane the manager needs.
type Backend interface {
	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	NetworkConnect(ctx context.Context, name, containerID string) error
	List(ctx context.Context, labels map[string]string) ([]docker.Container, error)
}

type Manager struct {
	backend Backend
	logger  *slog.Logger

	mu        sync.Mutex
	available []string
	created   []string
}

func NewManager(backend Backend, logger *slog.Logger) *Manager {
	return &Manager{backend: backend, logger: logger}
}

// EnsureAll makes sure every named network exists. Networks that already
// exist, or that are created now, become available to runtimes. It returns
// the networks this call created; failures are logged and skipped.
func (m *Manager) EnsureAll(ctx context.Context, names []string) []string {
	type outcome struct {
		ok      bool
		created bool
	}
	results := make([]outcome, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			ok, created := m.ensure(ctx, name)
			results[i] = outcome{ok: ok, created: created}
			return nil
		})
	}
	g.Wait()

	var created []string
	m.mu.Lock()
	for i, name := range names {
		if !results[i].ok {
			continue
		}
		if !slices.Contains(m.available, name) {
			m.available = append(m.available, name)
		}
		if results[i].created {
			created = append(created, name)
			if !slices.Contains(m.created, name) {
				m.created = append(m.created, name)
			}
		}
	}
	m.mu.Unlock()
	return created
}

func (m *Manager) ensure(ctx context.Context, name string) (ok, created bool) {
	exists, err := m.backend.NetworkExists(ctx, name)
	if err != nil {
		m.logger.Error("network lookup failed", "network", name, "error", err)
		return false, false
	}
	if exists {
		m.logger.Info("network already exists", "network", name)
		return true, false
	}
	if err := m.backend.CreateNetwork(ctx, name); err != nil {
		if errdefs.IsConflict(err) || errdefs.IsAlreadyExists(err) {
			m.logger.Info("network already exists", "network", name)
			return true, false
		}
		m.logger.Error("network create failed", "network", name, "error", err)
		return false, false
	}
	m.logger.Info("network created", "network", name)
	return true, true
}

// Available returns the networks runtimes can be attached to.
func (m *Manager) Available() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.available)
}

// Created returns the networks this process created.
func (m *Manager) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.created)
}

// Pick returns a random available network, or "" when there is none.
func (m *Manager) Pick() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.available) == 0 {
		return ""
	}
	return m.available[rand.IntN(len(m.available))]
}

// ConnectAll attaches a container to every named network. Attach failures,
// including "already connected", are logged and ignored.
func (m *Manager) ConnectAll(ctx context.Context, containerID string, names []string) {
	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			if err := m.backend.NetworkConnect(ctx, name, containerID); err != nil {
				m.logger.Debug("network connect skipped", "network", name, "container", containerID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// RemoveAll tears down the named networks. Only call it with networks this
// process created.
func (m *Manager) RemoveAll(ctx context.Context, names []string) {
	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			exists, err := m.backend.NetworkExists(ctx, name)
			if err != nil || !exists {
				m.logger.Warn("network not removable", "network", name, "error", err)
				return nil
			}
			if err := m.backend.RemoveNetwork(ctx, name); err != nil {
				m.logger.Error("network remove failed", "network", name, "error", err)
				return nil
			}
			m.logger.Info("network removed", "network", name)
			return nil
		})
	}
	g.Wait()

	m.mu.Lock()
	m.available = slices.DeleteFunc(m.available, func(n string) bool { return slices.Contains(names, n) })
	m.created = slices.DeleteFunc(m.created, func(n string) bool { return slices.Contains(names, n) })
	m.mu.Unlock()
}

// AttachSelf finds the executor's own container by its image label and
// connects it to the named networks so it can reach runtimes by hostname.
// It returns false when no such container is running.
func (m *Manager) AttachSelf(ctx context.Context, image string, names []string) bool {
	if image == "" {
		m.logger.Warn("executor image not configured; connect the executor to runtime networks manually")
		return false
	}
	containers, err := m.backend.List(ctx, map[string]string{ExecutorImageLabel: image})
	if err != nil {
		m.logger.Error("executor container lookup failed", "image", image, "error", err)
		return false
	}
	if len(containers) == 0 {
		m.logger.Warn("no matching executor container found; connect it to runtime networks manually", "image", image)
		return false
	}

	self := containers[0].Name
	m.ConnectAll(ctx, self, names)
	m.logger.Info("executor attached to runtime networks", "container", self, "networks", names)
	return true
}
