package events

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFields(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	f := fields(Event{
		Type:       ExecutionFinished,
		Runtime:    "fn-1",
		Version:    "v5",
		StatusCode: 200,
		Duration:   1500 * time.Millisecond,
		At:         at,
	})

	assert.Equal(t, "execution.finished", f["type"])
	assert.Equal(t, "fn-1", f["runtime"])
	assert.Equal(t, "v5", f["version"])
	assert.Equal(t, "200", f["statusCode"])
	assert.Equal(t, "1.500000", f["duration"])
	assert.Equal(t, "1700000000123", f["at"])
	assert.NotContains(t, f, "errorType")
}

func TestFieldsWithError(t *testing.T) {
	f := fields(Event{Type: RuntimeFailed, Runtime: "fn-2", ErrorType: "runtime_failed"})

	assert.Equal(t, "runtime_failed", f["errorType"])
	assert.NotContains(t, f, "statusCode")
	assert.NotEmpty(t, f["at"])
}

func TestNewRedisPublisherInvalidURL(t *testing.T) {
	_, err := NewRedisPublisher("http://not-redis", testLogger())
	assert.Error(t, err)
}

func TestPublishUnreachableDoesNotPanic(t *testing.T) {
	p, err := NewRedisPublisher("redis://127.0.0.1:1/0", testLogger())
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	assert.NotPanics(t, func() {
		p.Publish(ctx, Event{Type: RuntimeDeleted, Runtime: "fn-3"})
	})
	assert.Error(t, p.Ping(ctx))
}

// blackhole accepts connections and never answers.
func blackhole(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestPublishDoesNotWaitOnUnresponsiveRedis(t *testing.T) {
	p := newRedisPublisher(&redis.Options{Addr: blackhole(t)}, 200*time.Millisecond, 4, testLogger())

	start := time.Now()
	for i := 0; i < 10; i++ {
		p.Publish(context.Background(), Event{Type: ExecutionFinished, Runtime: "fn", StatusCode: 200})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestPublishAfterClose(t *testing.T) {
	p, err := NewRedisPublisher("redis://127.0.0.1:1/0", testLogger())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), Event{Type: RuntimeDeleted, Runtime: "fn"})
	})
	assert.NoError(t, p.Close())
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NotPanics(t, func() { p.Publish(context.Background(), Event{}) })
}
