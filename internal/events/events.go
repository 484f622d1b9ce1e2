// Package events appends runtime lifecycle events to a Redis stream.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream       = "openruntimes:events"
	defaultMaxStreamLen = 10000
)

type Type string

const (
	RuntimeCreated    Type = "runtime.created"
	RuntimeFailed     Type = "runtime.failed"
	RuntimeDeleted    Type = "runtime.deleted"
	RuntimeEvicted    Type = "runtime.evicted"
	ExecutionFinished Type = "execution.finished"
	ExecutionFailed   Type = "execution.failed"
)

type Event struct {
	Type       Type
	Runtime    string
	Version    string
	StatusCode int
	ErrorType  string
	Duration   time.Duration
	At         time.Time
}

// Publisher delivers events. Delivery is best-effort; implementations log
// failures instead of returning them.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 2 * time.Second
)

// RedisPublisher queues events and appends them to the stream from a single
// background goroutine, so callers never wait on Redis.
type RedisPublisher struct {
	client       *redis.Client
	stream       string
	maxStreamLen int64
	timeout      time.Duration
	logger       *slog.Logger

	queue     chan Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisPublisher connects to the Redis server at url
// (redis://[:password@]host:port/db).
func NewRedisPublisher(url string, logger *slog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisPublisher(opts, defaultPublishTimeout, defaultQueueSize, logger), nil
}

func newRedisPublisher(opts *redis.Options, timeout time.Duration, queueSize int, logger *slog.Logger) *RedisPublisher {
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	opts.MaxRetries = -1

	p := &RedisPublisher{
		client:       redis.NewClient(opts),
		stream:       DefaultStream,
		maxStreamLen: defaultMaxStreamLen,
		timeout:      timeout,
		logger:       logger,
		queue:        make(chan Event, queueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues ev. When the queue is full the event is dropped.
func (p *RedisPublisher) Publish(_ context.Context, ev Event) {
	select {
	case <-p.stop:
		return
	default:
	}
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("event queue full, dropping event", "type", ev.Type, "runtime", ev.Runtime)
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case ev := <-p.queue:
			p.send(ev)
		}
	}
}

func (p *RedisPublisher) send(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxStreamLen,
		Approx: true,
		Values: fields(ev),
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		p.logger.Warn("publish event failed", "type", ev.Type, "runtime", ev.Runtime, "error", err)
	}
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close stops the sender and closes the client. Queued events that were not
// sent yet are discarded.
func (p *RedisPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		err = p.client.Close()
		<-p.done
	})
	return err
}

func fields(ev Event) map[string]interface{} {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	f := map[string]interface{}{
		"type":     string(ev.Type),
		"runtime":  ev.Runtime,
		"version":  ev.Version,
		"duration": strconv.FormatFloat(ev.Duration.Seconds(), 'f', 6, 64),
		"at":       strconv.FormatInt(at.UnixMilli(), 10),
	}
	if ev.StatusCode != 0 {
		f["statusCode"] = strconv.Itoa(ev.StatusCode)
	}
	if ev.ErrorType != "" {
		f["errorType"] = ev.ErrorType
	}
	return f
}
