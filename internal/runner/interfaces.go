package runner

import (
	"context"
	"time"

	"github.com/open-runtimes/executor/internal/docker"
	"github.com/open-runtimes/executor/internal/events"
	"github.com/open-runtimes/executor/internal/storage"
	"github.com/open-runtimes/executor/internal/store"
)

type ContainerRuntime interface {
	Run(ctx context.Context, opts docker.RunOptions) (string, error)
	Remove(ctx context.Context, name string, force bool) error
	Exec(ctx context.Context, name string, cmd []string, env map[string]string, timeout time.Duration) (string, error)
	Exists(ctx context.Context, name string) (bool, error)
	List(ctx context.Context, labels map[string]string) ([]docker.Container, error)
}

// Networks picks the network a new runtime container joins.
type Networks interface {
	Pick() string
}

type Journal interface {
	Record(ctx context.Context, rec store.Record) error
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// DeviceFactory opens the artifact store rooted at root.
type DeviceFactory func(root string) (storage.Device, error)
