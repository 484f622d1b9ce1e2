package runner

import (
	"context"
	"errors"
	"time"

	"github.com/open-runtimes/executor/internal/docker"
)

// ExecuteCommand runs command under a shell inside the runtime container.
func (m *Manager) ExecuteCommand(ctx context.Context, runtimeID, command string, timeout time.Duration) (string, error) {
	name := m.Name(runtimeID)
	if !m.registry.Exists(name) {
		return "", newError(ErrNotFound, "Runtime not found")
	}

	out, err := m.containers.Exec(ctx, name, []string{"sh", "-c", command}, nil, timeout)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, docker.ErrExecTimeout):
		return "", newError(ErrCommandTimeout, "Operation timed out.")
	default:
		m.logger.Warn("command failed", "runtime", name, "error", err)
		message := out
		if message == "" {
			message = "Failed to execute command: " + err.Error()
		}
		return "", newError(ErrCommandFailed, message)
	}
}
