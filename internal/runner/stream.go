package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"github.com/open-runtimes/executor/internal/logcodec"
)

// Sink receives formatted log lines. An error means the consumer is gone.
type Sink interface {
	Write(p []byte) error
}

// StreamLogs follows the build log of a runtime until it is initialised,
// removed, the consumer disconnects or timeout elapses. Runtimes that do not
// record their build return immediately.
func (m *Manager) StreamLogs(ctx context.Context, runtimeID string, timeout time.Duration, sink Sink) error {
	name := m.Name(runtimeID)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.poll(ctx, func() bool {
		ok, err := m.containers.Exists(ctx, name)
		if err != nil {
			m.logger.Debug("container lookup failed", "runtime", name, "error", err)
		}
		return ok
	})
	if err != nil {
		return waitError(err, "Runtime not ready. Container not found.")
	}

	if err := m.poll(ctx, func() bool { return m.registry.Exists(name) }); err != nil {
		return waitError(err, "Runtime not ready. Runtime not found.")
	}
	rt, ok := m.registry.Get(name)
	if !ok {
		return nil
	}
	if rt.Version == VersionV2 {
		return nil
	}

	dir := filepath.Join(m.tmpDir(name), "logging")
	timingsPath := filepath.Join(dir, logcodec.TimingsFile)
	err = m.poll(ctx, func() bool {
		info, err := os.Stat(timingsPath)
		return err == nil && info.Size() > 0
	})
	if err != nil {
		return waitError(err, "Runtime not ready. Logging files not found.")
	}

	logs, err := os.Open(filepath.Join(dir, logcodec.LogsFile))
	if err != nil {
		return fmt.Errorf("open logs: %w", err)
	}
	defer logs.Close()

	// The recording clock starts with the build command, not the container.
	start := rt.Created
	if current, ok := m.registry.Get(name); ok && !current.BuildStarted.IsZero() {
		start = current.BuildStarted
	}

	return m.follow(ctx, name, timingsPath, logcodec.NewDecoder(logs, start), sink)
}

// follow tails the timing file and writes decoded entries to sink on every
// flush tick.
func (m *Manager) follow(ctx context.Context, name, timingsPath string, dec *logcodec.Decoder, sink Sink) error {
	tailCtx, stop := context.WithCancel(ctx)
	defer stop()

	args := append(slices.Clone(m.tailCommand[1:]), timingsPath)
	cmd := exec.CommandContext(tailCtx, m.tailCommand[0], args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tail pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tail: %w", err)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-tailCtx.Done():
				return
			}
		}
	}()
	defer func() {
		stop()
		for range lines {
		}
		_ = cmd.Wait()
	}()

	var pending bytes.Buffer
	decode := func(row string) {
		entry, ok, err := dec.Next(row)
		if err != nil {
			m.logger.Warn("decode log row failed", "runtime", name, "error", err)
			return
		}
		if ok {
			pending.WriteString(logcodec.FormatLine(entry))
		}
	}
	flush := func() error {
		if pending.Len() == 0 {
			return nil
		}
		defer pending.Reset()
		return sink.Write(pending.Bytes())
	}

	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	in := lines
	for {
		select {
		case <-ctx.Done():
			_ = flush()
			return nil
		case row, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			decode(row)
		case <-ticker.C:
			if err := flush(); err != nil {
				m.logger.Debug("log consumer gone", "runtime", name, "error", err)
				return nil
			}
			rt, ok := m.registry.Get(name)
			if !ok {
				return nil
			}
			if rt.Initialised {
				drainRows(in, decode)
				_ = flush()
				return nil
			}
		}
	}
}

func drainRows(in <-chan string, decode func(string)) {
	for {
		select {
		case row, ok := <-in:
			if !ok {
				return
			}
			decode(row)
		default:
			return
		}
	}
}

// poll calls ready every poll interval until it reports true or ctx ends.
func (m *Manager) poll(ctx context.Context, ready func() bool) error {
	for {
		if ready() {
			return nil
		}
		if err := sleep(ctx, m.pollInterval); err != nil {
			return err
		}
	}
}

func waitError(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrLogsTimeout, message)
	}
	return err
}
