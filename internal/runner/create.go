package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/open-runtimes/executor/internal/docker"
	"github.com/open-runtimes/executor/internal/events"
	"github.com/open-runtimes/executor/internal/logcodec"
	"github.com/open-runtimes/executor/internal/registry"
	"github.com/open-runtimes/executor/internal/store"
)

const (
	VersionV2 = "v2"
	VersionV5 = "v5"

	artifactFile   = "code.tar.gz"
	defaultOutput  = "Runtime created successfully!"
	legacyLogsFile = "/var/tmp/logs.txt"
)

type CreateSpec struct {
	RuntimeID         string
	Image             string
	Entrypoint        string
	Source            string
	Destination       string
	OutputDirectory   string
	Variables         map[string]string
	RuntimeEntrypoint string
	Command           string
	Timeout           time.Duration
	Remove            bool
	CPUs              float64
	MemoryMB          int
	Version           string
	RestartPolicy     string
}

// Artifact is the result of a successful create.
type Artifact struct {
	Output    []logcodec.Entry
	StartTime time.Time
	Duration  time.Duration
	Size      *int64
	Path      string
}

func (a Artifact) MarshalJSON() ([]byte, error) {
	output := a.Output
	if output == nil {
		output = []logcodec.Entry{}
	}
	return json.Marshal(struct {
		Output    []logcodec.Entry `json:"output"`
		StartTime float64          `json:"startTime"`
		Duration  float64          `json:"duration"`
		Size      *int64           `json:"size,omitempty"`
		Path      string           `json:"path,omitempty"`
	}{
		Output:    output,
		StartTime: float64(a.StartTime.UnixMicro()) / 1e6,
		Duration:  a.Duration.Seconds(),
		Size:      a.Size,
		Path:      a.Path,
	})
}

// Create provisions a runtime container, runs its build command and
// publishes the build output. The work continues if ctx is cancelled by the
// caller going away; spec.Timeout bounds the build.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*Artifact, error) {
	ctx = context.WithoutCancel(ctx)
	name := m.Name(spec.RuntimeID)
	start := time.Now()

	placeholder := registry.Runtime{
		Version:  spec.Version,
		Image:    spec.Image,
		Hostname: randomHex(16),
		Secret:   randomHex(16),
		Status:   registry.StatusPending,
		Created:  start,
		Updated:  start,
	}
	if existing, ok := m.registry.Insert(name, placeholder); !ok {
		if existing.Status == registry.StatusPending {
			return nil, newError(ErrConflict, "A runtime with the same ID is already being created. Attempt a execution soon.")
		}
		return nil, newError(ErrConflict, "Runtime already exists.")
	}
	m.metrics.SetActiveRuntimes(m.registry.Len())

	logger := m.logger.With("runtime", name, "image", spec.Image, "version", spec.Version)
	logger.Info("creating runtime")

	artifact := &Artifact{StartTime: start}
	output, err := m.build(ctx, name, placeholder, spec, artifact)
	if err != nil {
		err = m.failCreate(ctx, name, spec, output, err)
		duration := time.Since(start)
		logger.Warn("runtime create failed", "error", err, "duration", duration)
		m.metrics.RuntimeCreated(spec.Version, false, duration)
		m.record(ctx, store.Record{Runtime: name, Kind: store.KindCreate, Version: spec.Version, ErrorType: TypeOf(err), Duration: duration})
		m.publish(ctx, events.Event{Type: events.RuntimeFailed, Runtime: name, Version: spec.Version, ErrorType: TypeOf(err), Duration: duration})
		return nil, err
	}

	artifact.Output = output
	artifact.Duration = time.Since(start)

	m.registry.Update(name, func(rt *registry.Runtime) {
		rt.Status = registry.StatusReady
		rt.Uptime = artifact.Duration
		rt.Initialised = true
		rt.Updated = time.Now()
	})

	logger.Info("runtime created", "duration", artifact.Duration)
	m.metrics.RuntimeCreated(spec.Version, true, artifact.Duration)
	m.record(ctx, store.Record{Runtime: name, Kind: store.KindCreate, Version: spec.Version, StatusCode: 201, Duration: artifact.Duration})
	m.publish(ctx, events.Event{Type: events.RuntimeCreated, Runtime: name, Version: spec.Version, StatusCode: 201, Duration: artifact.Duration})

	if spec.Remove {
		_ = sleep(ctx, m.removeDelay)
		m.teardown(ctx, name)
	}

	return artifact, nil
}

// build runs steps that may fail after the placeholder exists. The returned
// output is valid even on error and holds whatever the build printed.
func (m *Manager) build(ctx context.Context, name string, rt registry.Runtime, spec CreateSpec, artifact *Artifact) ([]logcodec.Entry, error) {
	dir := m.tmpDir(name)
	tmpSource := filepath.Join(dir, "src", artifactFile)
	tmpBuild := filepath.Join(dir, "builds", artifactFile)

	if spec.Source != "" {
		src, err := m.devices("/")
		if err != nil {
			return nil, fmt.Errorf("open source device: %w", err)
		}
		if err := src.Transfer(spec.Source, tmpSource, m.local); err != nil {
			m.logger.Error("copy source failed", "runtime", name, "source", spec.Source, "error", err)
			return nil, newError(ErrFailed, "Failed to copy source code to temporary directory")
		}
	}

	dirs := []string{filepath.Dir(tmpSource), filepath.Dir(tmpBuild)}
	if spec.Version != VersionV2 {
		dirs = append(dirs, filepath.Join(dir, "logs"), filepath.Join(dir, "logging"))
	}
	for _, d := range dirs {
		if err := m.local.CreateDirectory(d); err != nil {
			m.logger.Error("create directory failed", "runtime", name, "path", d, "error", err)
			return nil, newError(ErrFailed, "Failed to create temporary directory")
		}
	}

	workdir := ""
	if spec.Version == VersionV2 {
		workdir = "/usr/code"
	}
	containerID, err := m.containers.Run(ctx, docker.RunOptions{
		Image:         spec.Image,
		Name:          name,
		Hostname:      rt.Hostname,
		Command:       startupCommand(spec),
		Workdir:       workdir,
		Env:           m.runtimeEnv(rt, spec),
		Labels:        map[string]string{LabelExecutor: m.cfg.Hostname, LabelRuntimeID: spec.RuntimeID},
		Binds:         binds(dir, spec.Version),
		Network:       m.network(),
		RestartPolicy: spec.RestartPolicy,
		CPUs:          spec.CPUs,
		MemoryMB:      spec.MemoryMB,
	})
	if err != nil || containerID == "" {
		m.logger.Error("run container failed", "runtime", name, "error", err)
		return nil, newError(ErrFailed, "Failed to create runtime")
	}

	var output []logcodec.Entry
	if spec.Command != "" {
		buildStart := time.Now()
		m.registry.Update(name, func(rt *registry.Runtime) { rt.BuildStarted = buildStart })
		out, err := m.containers.Exec(ctx, name, []string{"sh", "-c", buildCommand(spec.Version, spec.Command)}, nil, spec.Timeout)
		output = m.buildOutput(name, spec.Version, out, buildStart)
		if err != nil {
			kind := ErrFailed
			if errors.Is(err, docker.ErrExecTimeout) {
				kind = ErrTimeout
			}
			return output, &Error{Kind: kind, Message: "Failed to create runtime: " + err.Error()}
		}
	}

	if spec.Destination != "" {
		if !m.local.Exists(tmpBuild) {
			return output, newError(ErrFailed, "Something went wrong when starting runtime.")
		}
		size, err := m.local.FileSize(tmpBuild)
		if err != nil {
			return output, fmt.Errorf("stat build output: %w", err)
		}
		artifact.Size = &size

		dst, err := m.devices(spec.Destination)
		if err != nil {
			return output, fmt.Errorf("open destination device: %w", err)
		}
		path := dst.Path(uuid.NewString() + ".tar.gz")
		if err := m.local.Transfer(tmpBuild, path, dst); err != nil {
			m.logger.Error("move build failed", "runtime", name, "path", path, "error", err)
			return output, newError(ErrFailed, "Failed to move built code to storage")
		}
		artifact.Path = path
		m.logger.Info("build stored", "runtime", name, "path", path, "size", units.HumanSize(float64(size)))
	}

	if len(output) == 0 {
		output = []logcodec.Entry{{Timestamp: time.Now(), Content: defaultOutput}}
	}
	return capOutput(output, logcodec.MaxBuildLogSize), nil
}

// buildOutput turns what a build produced into log entries. v5 builds run
// under the recorder and are decoded from the logging directory.
func (m *Manager) buildOutput(name, version, captured string, start time.Time) []logcodec.Entry {
	if version != VersionV2 {
		entries, err := logcodec.ReadDir(filepath.Join(m.tmpDir(name), "logging"), start)
		if err != nil {
			m.logger.Warn("read build logs failed", "runtime", name, "error", err)
		}
		if len(entries) > 0 {
			return entries
		}
	}
	if captured == "" {
		return nil
	}
	return []logcodec.Entry{{Timestamp: start, Content: captured}}
}

// failCreate undoes a partial create and returns the error to report. The
// message is the most complete build log available.
func (m *Manager) failCreate(ctx context.Context, name string, spec CreateSpec, output []logcodec.Entry, cause error) error {
	message := logcodec.Join(output)
	if message == "" {
		message = Message(cause)
	}

	if logs := m.captureLogs(ctx, name, spec.Version); logs != "" {
		message = logs
	}

	if spec.Remove {
		_ = sleep(ctx, m.removeDelay)
	}
	m.teardown(ctx, name)

	kind := ErrFailed
	var re *Error
	if errors.As(cause, &re) && re.Kind == ErrTimeout {
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Message: tail(message, logcodec.MaxBuildLogSize)}
}

func (m *Manager) captureLogs(ctx context.Context, name, version string) string {
	if version != VersionV2 {
		entries, err := logcodec.ReadDir(filepath.Join(m.tmpDir(name), "logging"), time.Now())
		if err != nil {
			return ""
		}
		return logcodec.Join(entries)
	}
	out, err := m.containers.Exec(ctx, name, []string{"sh", "-c", "cat " + legacyLogsFile}, nil, m.logCaptureTimeout)
	if err != nil {
		return ""
	}
	return out
}

// teardown removes everything a runtime owns. Failures are logged.
func (m *Manager) teardown(ctx context.Context, name string) {
	if err := m.local.DeletePath(m.tmpDir(name)); err != nil {
		m.logger.Warn("delete runtime directory failed", "runtime", name, "error", err)
	}
	if err := m.containers.Remove(ctx, name, true); err != nil {
		m.logger.Warn("remove container failed", "runtime", name, "error", err)
	}
	m.registry.Delete(name)
	m.metrics.SetActiveRuntimes(m.registry.Len())
}

func startupCommand(spec CreateSpec) []string {
	if spec.RuntimeEntrypoint != "" {
		return []string{"sh", "-c", spec.RuntimeEntrypoint}
	}
	if spec.Version == VersionV2 && spec.Command == "" {
		return nil
	}
	return []string{"tail", "-f", "/dev/null"}
}

func buildCommand(version, command string) string {
	if version == VersionV2 {
		return "touch " + legacyLogsFile + " && (" + command + ") >> " + legacyLogsFile + " 2>&1 && cat " + legacyLogsFile
	}
	return "mkdir -p /tmp/logging && touch /tmp/logging/timings.txt && touch /tmp/logging/logs.txt && " +
		"script --log-out /tmp/logging/logs.txt --flush --log-timing /tmp/logging/timings.txt --return --quiet --command " +
		shellQuote(command)
}

// shellQuote wraps s in single quotes so sh passes it through literally.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func binds(dir, version string) []string {
	if version == VersionV2 {
		return []string{
			filepath.Join(dir, "src") + ":/tmp:rw",
			filepath.Join(dir, "builds") + ":/usr/code:rw",
		}
	}
	return []string{
		filepath.Join(dir, "src") + ":/tmp:rw",
		filepath.Join(dir, "builds") + ":/mnt/code:rw",
		filepath.Join(dir, "logs") + ":/mnt/logs:rw",
		filepath.Join(dir, "logging") + ":/tmp/logging:rw",
	}
}

func (m *Manager) runtimeEnv(rt registry.Runtime, spec CreateSpec) map[string]string {
	env := make(map[string]string, len(spec.Variables)+8)
	for k, v := range spec.Variables {
		env[k] = v
	}
	if spec.Version == VersionV2 {
		env["INTERNAL_RUNTIME_KEY"] = rt.Secret
		env["INTERNAL_RUNTIME_ENTRYPOINT"] = spec.Entrypoint
		env["INERNAL_EXECUTOR_HOSTNAME"] = m.cfg.Hostname
	} else {
		env["OPEN_RUNTIMES_SECRET"] = rt.Secret
		env["OPEN_RUNTIMES_ENTRYPOINT"] = spec.Entrypoint
		env["OPEN_RUNTIMES_HOSTNAME"] = m.cfg.Hostname
		env["OPEN_RUNTIMES_CPUS"] = strconv.FormatFloat(spec.CPUs, 'f', -1, 64)
		env["OPEN_RUNTIMES_MEMORY"] = strconv.Itoa(spec.MemoryMB)
		if spec.OutputDirectory != "" {
			env["OPEN_RUNTIMES_OUTPUT_DIRECTORY"] = spec.OutputDirectory
		}
	}
	env["CI"] = "true"
	return env
}

// capOutput keeps the last max bytes of content across entries.
func capOutput(entries []logcodec.Entry, max int) []logcodec.Entry {
	total := 0
	for i := len(entries) - 1; i >= 0; i-- {
		total += len(entries[i].Content)
		if total > max {
			kept := append([]logcodec.Entry(nil), entries[i:]...)
			kept[0].Content = tail(kept[0].Content, len(kept[0].Content)-(total-max))
			return kept
		}
	}
	return entries
}

func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
