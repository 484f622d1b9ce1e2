package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/open-runtimes/executor/internal/events"
	"github.com/open-runtimes/executor/internal/registry"
	"github.com/open-runtimes/executor/internal/store"
	"github.com/open-runtimes/executor/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSweeper(t *testing.T) (*Sweeper, *registry.Registry, *MockSweeperContainers) {
	cfg := testutil.Config(t)
	reg := registry.New(16)
	containers := &MockSweeperContainers{}
	return New(cfg, reg, containers, testLogger()), reg, containers
}

func TestSweepEvictsInactiveOnly(t *testing.T) {
	s, reg, containers := newTestSweeper(t)
	publisher := &MockSweeperPublisher{}
	s.SetPublisher(publisher)

	now := time.Now()
	reg.Set("exc1-idle", registry.Runtime{Version: "v5", Updated: now.Add(-2 * time.Minute)})
	reg.Set("exc1-busy", registry.Runtime{Version: "v5", Updated: now.Add(-10 * time.Second)})

	containers.On("Remove", mock.Anything, "exc1-idle", true).Return(nil)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(ev events.Event) bool {
		return ev.Type == events.RuntimeEvicted && ev.Runtime == "exc1-idle"
	})).Return()

	s.Sweep(context.Background())

	assert.False(t, reg.Exists("exc1-idle"))
	assert.True(t, reg.Exists("exc1-busy"))
	containers.AssertExpectations(t)
	containers.AssertNotCalled(t, "Remove", mock.Anything, "exc1-busy", true)
	publisher.AssertExpectations(t)
}

func TestSweepForgetsBeforeRemoving(t *testing.T) {
	s, reg, containers := newTestSweeper(t)
	reg.Set("exc1-idle", registry.Runtime{Updated: time.Now().Add(-time.Hour)})

	removing := make(chan struct{})
	release := make(chan struct{})
	containers.On("Remove", mock.Anything, "exc1-idle", true).Run(func(mock.Arguments) {
		close(removing)
		<-release
	}).Return(nil)

	done := make(chan struct{})
	go func() {
		s.Sweep(context.Background())
		close(done)
	}()

	<-removing
	assert.False(t, reg.Exists("exc1-idle"))
	close(release)
	<-done
}

func TestSweepRemovalFailureIsLogged(t *testing.T) {
	s, reg, containers := newTestSweeper(t)
	reg.Set("exc1-a", registry.Runtime{Updated: time.Now().Add(-time.Hour)})
	reg.Set("exc1-b", registry.Runtime{Updated: time.Now().Add(-time.Hour)})

	containers.On("Remove", mock.Anything, "exc1-a", true).Return(errors.New("daemon unavailable"))
	containers.On("Remove", mock.Anything, "exc1-b", true).Return(nil)

	require.NotPanics(t, func() { s.Sweep(context.Background()) })
	assert.Equal(t, 0, reg.Len())
	containers.AssertExpectations(t)
}

func TestSweepRemovesOrphanedDirectories(t *testing.T) {
	s, reg, _ := newTestSweeper(t)
	reg.Set("exc1-live", registry.Runtime{Updated: time.Now()})

	for _, dir := range []string{"exc1-live", "exc1-orphan", "other-host-x"} {
		require.NoError(t, os.MkdirAll(filepath.Join(s.tmpDir, dir, "src"), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.tmpDir, "exc1-file"), []byte("x"), 0o644))

	s.Sweep(context.Background())

	assert.DirExists(t, filepath.Join(s.tmpDir, "exc1-live"))
	assert.NoDirExists(t, filepath.Join(s.tmpDir, "exc1-orphan"))
	assert.DirExists(t, filepath.Join(s.tmpDir, "other-host-x"))
	assert.FileExists(t, filepath.Join(s.tmpDir, "exc1-file"))
}

func TestSweepPrunesJournal(t *testing.T) {
	s, _, _ := newTestSweeper(t)
	journal := &MockSweeperJournal{}
	s.SetJournal(journal)
	s.retention = 24 * time.Hour
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	journal.On("Prune", mock.Anything, fixed.Add(-24*time.Hour)).Return(int64(3), nil)

	s.Sweep(context.Background())
	journal.AssertExpectations(t)
}

func TestSweepPrunesSQLiteJournal(t *testing.T) {
	s, _, _ := newTestSweeper(t)
	st := testutil.NewTestStore(t)
	s.SetJournal(st)

	ctx := context.Background()
	require.NoError(t, st.Record(ctx, store.Record{Runtime: "exc1-old", Kind: store.KindExecution, CreatedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, st.Record(ctx, store.Record{Runtime: "exc1-new", Kind: store.KindExecution}))

	s.Sweep(ctx)

	old, err := st.Recent(ctx, "exc1-old", 10)
	require.NoError(t, err)
	assert.Empty(t, old)
	fresh, err := st.Recent(ctx, "exc1-new", 10)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestStartStopIdempotent(t *testing.T) {
	s, reg, containers := newTestSweeper(t)
	s.interval = 10 * time.Millisecond
	reg.Set("exc1-idle", registry.Runtime{Updated: time.Now().Add(-time.Hour)})
	containers.On("Remove", mock.Anything, "exc1-idle", true).Return(nil)

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)

	assert.Eventually(t, func() bool { return !reg.Exists("exc1-idle") }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	containers.AssertNumberOfCalls(t, "Remove", 1)
}

func TestStopWithoutStart(t *testing.T) {
	s, _, _ := newTestSweeper(t)
	require.NotPanics(t, s.Stop)
}
