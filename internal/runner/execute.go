package runner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/open-runtimes/executor/internal/events"
	"github.com/open-runtimes/executor/internal/logcodec"
	"github.com/open-runtimes/executor/internal/registry"
	"github.com/open-runtimes/executor/internal/store"
)

const (
	legacyOutputLimit = 1_000_000
	responseGrace     = 5 * time.Second
	connectTimeout    = 5 * time.Second
)

type ExecutionRequest struct {
	RuntimeID string
	Body      []byte
	Path      string
	Method    string
	Headers   map[string]string
	Timeout   time.Duration
	Logging   bool

	// Used to create the runtime when it does not exist yet.
	Image             string
	Source            string
	Entrypoint        string
	Variables         map[string]string
	CPUs              float64
	MemoryMB          int
	Version           string
	RuntimeEntrypoint string
	RestartPolicy     string
}

type Execution struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Logs       string
	Errors     string
	Duration   time.Duration
	StartTime  time.Time
}

// Execute invokes a runtime, creating it first when it does not exist and
// enough parameters are given. req.Timeout budgets the whole call.
func (m *Manager) Execute(ctx context.Context, req ExecutionRequest) (*Execution, error) {
	name := m.Name(req.RuntimeID)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Version == "" {
		req.Version = VersionV5
	}
	variables := make(map[string]string, len(req.Variables)+1)
	for k, v := range req.Variables {
		variables[k] = v
	}
	variables["INERNAL_EXECUTOR_HOSTNAME"] = m.cfg.Hostname

	res, err := m.execute(ctx, name, req, variables)
	if err != nil {
		m.logger.Warn("execution failed", "runtime", name, "version", req.Version, "error", err)
		m.metrics.ExecutionFailed(req.Version, TypeOf(err))
		m.record(ctx, store.Record{Runtime: name, Kind: store.KindExecution, Version: req.Version, ErrorType: TypeOf(err)})
		m.publish(ctx, events.Event{Type: events.ExecutionFailed, Runtime: name, Version: req.Version, ErrorType: TypeOf(err)})
		return nil, err
	}

	m.touch(name)
	m.metrics.ExecutionFinished(req.Version, res.StatusCode, res.Duration)
	m.record(ctx, store.Record{Runtime: name, Kind: store.KindExecution, Version: req.Version, StatusCode: res.StatusCode, Duration: res.Duration})
	m.publish(ctx, events.Event{Type: events.ExecutionFinished, Runtime: name, Version: req.Version, StatusCode: res.StatusCode, Duration: res.Duration})
	return res, nil
}

func (m *Manager) execute(ctx context.Context, name string, req ExecutionRequest, variables map[string]string) (*Execution, error) {
	prepareStart := time.Now()
	if !m.registry.Exists(name) {
		if req.Image == "" || req.Source == "" {
			return nil, newError(ErrNotFound, "Runtime not found. Please start it first or provide runtime-related parameters.")
		}
		if err := m.provision(ctx, req, variables, prepareStart.Add(req.Timeout)); err != nil {
			return nil, err
		}
	}

	remaining := req.Timeout - time.Since(prepareStart)
	if remaining <= 0 {
		return nil, newError(ErrTimeout, "Function timed out during preparation.")
	}
	m.touch(name)

	launchStart := time.Now()
	err := m.within(ctx, remaining, func() bool {
		rt, ok := m.registry.Get(name)
		return !ok || rt.Status != registry.StatusPending
	})
	if err != nil {
		return nil, phaseError(err, "Function timed out during launch.")
	}
	remaining -= time.Since(launchStart)

	rt, ok := m.registry.Get(name)
	if !ok || rt.Secret == "" {
		return nil, newError(ErrInternal, "Runtime secret not found. Please re-create the runtime.")
	}

	startTime := time.Now()
	if !rt.Listening {
		pingStart := time.Now()
		addr := m.runtimeAddr(rt.Hostname)
		err := m.within(ctx, remaining, func() bool {
			return m.probe(ctx, addr) == nil
		})
		if err != nil {
			return nil, phaseError(err, "Function timed out during cold start.")
		}
		m.registry.Update(name, func(rt *registry.Runtime) { rt.Listening = true })
		m.metrics.ColdStart(time.Since(pingStart))
		remaining -= time.Since(pingStart)
	}

	invoke := m.invokeV5
	if req.Version == VersionV2 {
		invoke = m.invokeV2
	}

	var res *Execution
	delay := m.cfg.RetryDelay()
	invokeStart := time.Now()
	for attempt := 1; ; attempt++ {
		res, err = invoke(ctx, rt, req, variables, remaining-time.Since(invokeStart))
		if err == nil || !isRetryable(err) {
			break
		}
		if attempt >= m.cfg.RetryAttempts || time.Since(invokeStart)+delay >= remaining {
			break
		}
		m.metrics.Retry()
		m.logger.Debug("retrying execution", "runtime", name, "attempt", attempt, "error", err)
		if sleep(ctx, delay) != nil {
			break
		}
	}

	if err != nil {
		var re *Error
		switch {
		case errors.As(err, &re):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case req.Version == VersionV2 && isTimeout(err):
			return nil, newError(ErrExecutionTimeout, err.Error())
		default:
			m.logger.Error("execution request failed", "runtime", name, "hostname", rt.Hostname, "error", err)
			return nil, newError(ErrInternal, "Internal error has occurred within the executor! Error: "+err.Error())
		}
	}

	res.StartTime = startTime
	res.Duration = time.Since(startTime)
	return res, nil
}

// provision asks this executor's own API to create the runtime and waits
// until the request is accepted. A runtime already being created counts as
// accepted.
func (m *Manager) provision(ctx context.Context, req ExecutionRequest, variables map[string]string, deadline time.Time) error {
	body, err := json.Marshal(map[string]any{
		"runtimeId":         req.RuntimeID,
		"image":             req.Image,
		"source":            req.Source,
		"entrypoint":        req.Entrypoint,
		"variables":         variables,
		"cpus":              req.CPUs,
		"memory":            req.MemoryMB,
		"version":           req.Version,
		"restartPolicy":     req.RestartPolicy,
		"runtimeEntrypoint": req.RuntimeEntrypoint,
	})
	if err != nil {
		return fmt.Errorf("encode create request: %w", err)
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		if ctx.Err() != nil {
			return phaseError(ctx.Err(), "Function timed out during preparation.")
		}

		status, errType, message, err := m.requestCreate(ctx, body)
		switch {
		case err != nil && ctx.Err() != nil:
			return phaseError(ctx.Err(), "Function timed out during preparation.")
		case err != nil && !errors.Is(err, syscall.ECONNREFUSED):
			return newError(ErrInternal, "An internal error has occurred while starting runtime! Error Msg: "+err.Error())
		case err != nil:
			// API not listening yet.
		case status >= 500 && errType == typeRuntimeTimeout:
			// A build timeout is final; another request would start a new build.
			return newError(ErrFailed, message)
		case status >= 500:
			m.logger.Debug("runtime not ready yet", "runtime", req.RuntimeID, "message", message)
		case status >= 400 && status != http.StatusConflict:
			return newError(ErrFailed, message)
		default:
			return nil
		}

		if err := sleep(ctx, m.pollInterval); err != nil {
			return phaseError(err, "Function timed out during preparation.")
		}
	}
}

func (m *Manager) requestCreate(ctx context.Context, body []byte) (int, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.LocalURL()+"/v1/runtimes", bytes.NewReader(body))
	if err != nil {
		return 0, "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.cfg.Secret)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer resp.Body.Close()

	var payload struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Message == "" {
		payload.Message = strings.TrimSpace(string(raw))
	}
	return resp.StatusCode, payload.Type, payload.Message, nil
}

func (m *Manager) invokeV2(ctx context.Context, rt registry.Runtime, req ExecutionRequest, variables map[string]string, timeout time.Duration) (*Execution, error) {
	payload, err := json.Marshal(struct {
		Variables map[string]string `json:"variables"`
		Payload   string            `json:"payload"`
		Headers   map[string]string `json:"headers"`
	}{variables, string(req.Body), map[string]string{}})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+m.runtimeAddr(rt.Hostname)+"/", bytes.NewReader(payload))
	if err != nil {
		return nil, newError(ErrBadRequest, "Invalid execution request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-internal-challenge", rt.Secret)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Response json.RawMessage `json:"response"`
		Stdout   string          `json:"stdout"`
		Stderr   string          `json:"stderr"`
	}
	body := raw
	if err := json.Unmarshal(raw, &envelope); err == nil {
		body = legacyBody(envelope.Response)
	}

	return &Execution{
		StatusCode: resp.StatusCode,
		Headers:    map[string]string{},
		Body:       body,
		Logs:       head(envelope.Stdout, legacyOutputLimit),
		Errors:     head(envelope.Stderr, legacyOutputLimit),
	}, nil
}

func (m *Manager) invokeV5(ctx context.Context, rt registry.Runtime, req ExecutionRequest, _ map[string]string, timeout time.Duration) (*Execution, error) {
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+responseGrace)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, "http://"+m.runtimeAddr(rt.Hostname)+path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, newError(ErrBadRequest, "Invalid execution request: "+err.Error())
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	logging := "disabled"
	if req.Logging {
		logging = "enabled"
	}
	httpReq.Header.Set("x-open-runtimes-logging", logging)
	httpReq.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("opr:"+rt.Secret)))
	httpReq.Header.Set("x-open-runtimes-secret", rt.Secret)
	httpReq.Header.Set("x-open-runtimes-timeout", strconv.Itoa(max(int(timeout.Seconds()), 1)))

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, values := range resp.Header {
		if len(values) > 0 {
			headers[strings.ToLower(k)] = values[len(values)-1]
		}
	}

	var logs, errs string
	if id := headers["x-open-runtimes-log-id"]; id != "" {
		if decoded, err := url.QueryUnescape(id); err == nil {
			id = decoded
		}
		id = filepath.Base(id)
		dir := filepath.Join(m.tmpDir(rt.Name), "logs")
		logs = m.readSideChannel(filepath.Join(dir, id+"_logs.log"), "\nLog file has been truncated to 5MB.")
		errs = m.readSideChannel(filepath.Join(dir, id+"_errors.log"), "\nError file has been truncated to 5MB.")
	}

	for k := range headers {
		if strings.HasPrefix(k, "x-open-runtimes-") {
			delete(headers, k)
		}
	}

	return &Execution{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
		Logs:       logs,
		Errors:     errs,
	}, nil
}

// readSideChannel reads and deletes one per-execution log file.
func (m *Manager) readSideChannel(path, marker string) string {
	if !m.local.Exists(path) {
		return ""
	}
	defer func() {
		if err := m.local.Delete(path); err != nil {
			m.logger.Warn("delete execution log failed", "path", path, "error", err)
		}
	}()

	size, err := m.local.FileSize(path)
	if err != nil {
		return ""
	}
	if size > logcodec.MaxLogSize {
		data, err := m.local.Read(path, 0, logcodec.MaxLogSize)
		if err != nil {
			return ""
		}
		return string(data) + marker
	}
	data, err := m.local.Read(path, 0, -1)
	if err != nil {
		return ""
	}
	return string(data)
}

// within polls ready for at most budget.
func (m *Manager) within(ctx context.Context, budget time.Duration, ready func() bool) error {
	if budget <= 0 {
		return context.DeadlineExceeded
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return m.poll(ctx, ready)
}

func phaseError(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrTimeout, message)
	}
	return err
}

// isRetryable reports whether err means the runtime server could not be
// reached at all.
func isRetryable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// legacyBody renders the "response" field of a v2 envelope. Strings are
// returned unquoted, other JSON values as encoded.
func legacyBody(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return []byte{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return raw
	}
	return compact.Bytes()
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
