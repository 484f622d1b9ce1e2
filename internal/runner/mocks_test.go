package runner

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/open-runtimes/executor/internal/config"
	"github.com/open-runtimes/executor/internal/docker"
	"github.com/open-runtimes/executor/internal/registry"
	"github.com/open-runtimes/executor/internal/store"
	"github.com/open-runtimes/executor/internal/testutil"
	"github.com/stretchr/testify/mock"
)

type MockContainerRuntime struct {
	mock.Mock
}

func (m *MockContainerRuntime) Run(ctx context.Context, opts docker.RunOptions) (string, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.Error(1)
}

func (m *MockContainerRuntime) Remove(ctx context.Context, name string, force bool) error {
	args := m.Called(ctx, name, force)
	return args.Error(0)
}

func (m *MockContainerRuntime) Exec(ctx context.Context, name string, cmd []string, env map[string]string, timeout time.Duration) (string, error) {
	args := m.Called(ctx, name, cmd, env, timeout)
	return args.String(0), args.Error(1)
}

func (m *MockContainerRuntime) Exists(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockContainerRuntime) List(ctx context.Context, labels map[string]string) ([]docker.Container, error) {
	args := m.Called(ctx, labels)
	if containers := args.Get(0); containers != nil {
		return containers.([]docker.Container), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) Record(ctx context.Context, rec store.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	cfg := testutil.Config(t)
	cfg.Listen = "127.0.0.1:1"
	return cfg
}

func newTestManager(t *testing.T) (*Manager, *MockContainerRuntime) {
	cfg := testConfig(t)
	containers := &MockContainerRuntime{}
	m := NewManager(cfg, registry.New(cfg.RegistryCapacity), containers, testLogger())
	m.pollInterval = 10 * time.Millisecond
	m.flushInterval = 20 * time.Millisecond
	m.removeDelay = 0
	m.logCaptureTimeout = time.Second
	return m, containers
}
