package maintenance

import (
	"context"
	"time"

	"github.com/open-runtimes/executor/internal/events"
	"github.com/stretchr/testify/mock"
)

// MockSweeperContainers mocks the SweeperContainers interface.
type MockSweeperContainers struct {
	mock.Mock
}

func (m *MockSweeperContainers) Remove(ctx context.Context, name string, force bool) error {
	args := m.Called(ctx, name, force)
	return args.Error(0)
}

// MockSweeperJournal mocks the SweeperJournal interface.
type MockSweeperJournal struct {
	mock.Mock
}

func (m *MockSweeperJournal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockSweeperPublisher mocks the SweeperPublisher interface.
type MockSweeperPublisher struct {
	mock.Mock
}

func (m *MockSweeperPublisher) Publish(ctx context.Context, ev events.Event) {
	m.Called(ctx, ev)
}
