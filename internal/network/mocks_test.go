package network

import (
	"context"

	"github.com/open-runtimes/executor/internal/docker"
	"github.com/stretchr/testify/mock"
)

// MockBackend mocks the Backend interface.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) NetworkExists(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockBackend) CreateNetwork(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockBackend) RemoveNetwork(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockBackend) NetworkConnect(ctx context.Context, name, containerID string) error {
	args := m.Called(ctx, name, containerID)
	return args.Error(0)
}

func (m *MockBackend) List(ctx context.Context, labels map[string]string) ([]docker.Container, error) {
	args := m.Called(ctx, labels)
	if containers := args.Get(0); containers != nil {
		return containers.([]docker.Container), args.Error(1)
	}
	return nil, args.Error(1)
}
