package api

import (
	"context"
	"time"

	"github.com/open-runtimes/executor/internal/registry"
	"github.com/open-runtimes/executor/internal/runner"
	"github.com/open-runtimes/executor/internal/stats"
)

// RuntimeService abstracts the runtime operations needed by API handlers.
type RuntimeService interface {
	Create(ctx context.Context, spec runner.CreateSpec) (*runner.Artifact, error)
	Get(runtimeID string) (registry.Runtime, error)
	List() []registry.Runtime
	Delete(ctx context.Context, runtimeID string) error
	ExecuteCommand(ctx context.Context, runtimeID, command string, timeout time.Duration) (string, error)
	StreamLogs(ctx context.Context, runtimeID string, timeout time.Duration, sink runner.Sink) error
	Execute(ctx context.Context, req runner.ExecutionRequest) (*runner.Execution, error)
}

// UsageSource reports the latest averaged CPU samples.
type UsageSource interface {
	Snapshot() stats.Usage
}
