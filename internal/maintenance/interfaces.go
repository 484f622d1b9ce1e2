package maintenance

import (
	"context"
	"time"

	"github.com/open-runtimes/executor/internal/events"
)

// SweeperContainers abstracts the container operations needed by the sweeper.
type SweeperContainers interface {
	Remove(ctx context.Context, name string, force bool) error
}

// SweeperJournal abstracts journal retention.
type SweeperJournal interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type SweeperPublisher interface {
	Publish(ctx context.Context, ev events.Event)
}
