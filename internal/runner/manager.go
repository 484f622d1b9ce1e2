// Package runner owns the lifecycle of runtime containers: creating and
// building them, proxying executions into them, streaming their build logs
// and deleting them.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/open-runtimes/executor/internal/config"
	"github.com/open-runtimes/executor/internal/events"
	"github.com/open-runtimes/executor/internal/metrics"
	"github.com/open-runtimes/executor/internal/registry"
	"github.com/open-runtimes/executor/internal/storage"
	"github.com/open-runtimes/executor/internal/store"
)

const (
	LabelExecutor  = "openruntimes-executor"
	LabelRuntimeID = "openruntimes-runtime-id"

	runtimePort = 3000
)

type Manager struct {
	cfg        *config.Config
	registry   *registry.Registry
	containers ContainerRuntime
	networks   Networks
	journal    Journal
	publisher  Publisher
	metrics    *metrics.Metrics
	devices    DeviceFactory
	local      storage.Device
	client     *http.Client
	logger     *slog.Logger

	pollInterval      time.Duration
	flushInterval     time.Duration
	removeDelay       time.Duration
	logCaptureTimeout time.Duration
	tailCommand       []string
	runtimeAddr       func(hostname string) string
	probe             func(ctx context.Context, addr string) error
}

func NewManager(cfg *config.Config, reg *registry.Registry, containers ContainerRuntime, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		registry:   reg,
		containers: containers,
		publisher:  events.Nop{},
		devices: func(root string) (storage.Device, error) {
			return storage.NewDevice(root, cfg.StorageConnection)
		},
		local:  storage.NewLocal("/"),
		client: newHTTPClient(),
		logger: logger,

		pollInterval:      500 * time.Millisecond,
		flushInterval:     time.Second,
		removeDelay:       2 * time.Second,
		logCaptureTimeout: 15 * time.Second,
		tailCommand:       []string{"tail", "-F", "-n", "+1"},
		runtimeAddr: func(hostname string) string {
			return net.JoinHostPort(hostname, strconv.Itoa(runtimePort))
		},
		probe: dialProbe,
	}
}

func (m *Manager) SetNetworks(n Networks) {
	m.networks = n
}

func (m *Manager) SetJournal(j Journal) {
	m.journal = j
}

func (m *Manager) SetPublisher(p Publisher) {
	if p == nil {
		p = events.Nop{}
	}
	m.publisher = p
}

func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

func (m *Manager) SetDevices(f DeviceFactory) {
	m.devices = f
}

// Name derives the registry and container name of a runtime id.
func (m *Manager) Name(runtimeID string) string {
	return m.cfg.Hostname + "-" + runtimeID
}

// Labels selects the containers owned by this executor.
func (m *Manager) Labels() map[string]string {
	return map[string]string{LabelExecutor: m.cfg.Hostname}
}

func (m *Manager) tmpDir(name string) string {
	return filepath.Join(m.cfg.TmpDir, name)
}

func (m *Manager) network() string {
	if m.networks != nil {
		if n := m.networks.Pick(); n != "" {
			return n
		}
	}
	if len(m.cfg.Networks) > 0 {
		return m.cfg.Networks[0]
	}
	return ""
}

func (m *Manager) record(ctx context.Context, rec store.Record) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Record(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn("journal record failed", "runtime", rec.Runtime, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.publisher.Publish(context.WithoutCancel(ctx), ev)
}

// touch refreshes the Updated timestamp of a runtime, if it still exists.
func (m *Manager) touch(name string) {
	now := time.Now()
	m.registry.Update(name, func(rt *registry.Runtime) {
		if now.After(rt.Updated) {
			rt.Updated = now
		}
	})
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	return &http.Client{Transport: transport}
}

func dialProbe(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
