package api

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/open-runtimes/executor/internal/config"
	"github.com/open-runtimes/executor/internal/registry"
	"github.com/open-runtimes/executor/internal/runner"
	"github.com/open-runtimes/executor/internal/stats"
	"github.com/open-runtimes/executor/internal/testutil"
	"github.com/stretchr/testify/mock"
)

type MockRuntimeService struct {
	mock.Mock
}

func (m *MockRuntimeService) Create(ctx context.Context, spec runner.CreateSpec) (*runner.Artifact, error) {
	args := m.Called(ctx, spec)
	if a := args.Get(0); a != nil {
		return a.(*runner.Artifact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuntimeService) Get(runtimeID string) (registry.Runtime, error) {
	args := m.Called(runtimeID)
	return args.Get(0).(registry.Runtime), args.Error(1)
}

func (m *MockRuntimeService) List() []registry.Runtime {
	args := m.Called()
	return args.Get(0).([]registry.Runtime)
}

func (m *MockRuntimeService) Delete(ctx context.Context, runtimeID string) error {
	return m.Called(ctx, runtimeID).Error(0)
}

func (m *MockRuntimeService) ExecuteCommand(ctx context.Context, runtimeID, command string, timeout time.Duration) (string, error) {
	args := m.Called(ctx, runtimeID, command, timeout)
	return args.String(0), args.Error(1)
}

func (m *MockRuntimeService) StreamLogs(ctx context.Context, runtimeID string, timeout time.Duration, sink runner.Sink) error {
	args := m.Called(ctx, runtimeID, timeout, sink)
	return args.Error(0)
}

func (m *MockRuntimeService) Execute(ctx context.Context, req runner.ExecutionRequest) (*runner.Execution, error) {
	args := m.Called(ctx, req)
	if e := args.Get(0); e != nil {
		return e.(*runner.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

type fixedUsage stats.Usage

func (u fixedUsage) Snapshot() stats.Usage {
	return stats.Usage(u)
}

const testSecret = testutil.Secret

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAPIServer(svc RuntimeService) *Server {
	cfg := &config.Config{
		Secret:          testSecret,
		RuntimeVersions: []string{"v2", "v5"},
	}
	s := NewServer(cfg, svc, testLogger())
	s.SetVersion("0.0.0-test")
	return s
}
