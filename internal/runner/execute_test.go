package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/open-runtimes/executor/internal/logcodec"
	"github.com/open-runtimes/executor/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyRuntime(version string) registry.Runtime {
	now := time.Now().Add(-time.Minute)
	return registry.Runtime{
		Version:     version,
		Image:       "img",
		Hostname:    "rt-host",
		Secret:      "s3cret",
		Status:      registry.StatusReady,
		Initialised: true,
		Created:     now,
		Updated:     now,
	}
}

// pointAt routes runtime traffic to srv.
func pointAt(m *Manager, srv *httptest.Server) {
	addr := srv.Listener.Addr().String()
	m.runtimeAddr = func(string) string { return addr }
}

func TestExecuteV5(t *testing.T) {
	m, _ := newTestManager(t)
	m.registry.Set("exc1-fn", readyRuntime(VersionV5))
	logDir := filepath.Join(m.cfg.TmpDir, "exc1-fn", "logs")
	require.NoError(t, os.MkdirAll(logDir, 0o755))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/ping", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("x"))
		assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("opr:s3cret")), r.Header.Get("Authorization"))
		assert.Equal(t, "s3cret", r.Header.Get("x-open-runtimes-secret"))
		assert.Equal(t, "enabled", r.Header.Get("x-open-runtimes-logging"))
		assert.NotEmpty(t, r.Header.Get("x-open-runtimes-timeout"))
		assert.Equal(t, "abc", r.Header.Get("x-custom"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))

		assert.NoError(t, os.WriteFile(filepath.Join(logDir, "log 1_logs.log"), []byte("hello log"), 0o644))
		assert.NoError(t, os.WriteFile(filepath.Join(logDir, "log 1_errors.log"), []byte("hello error"), 0o644))

		w.Header().Set("x-open-runtimes-log-id", url.QueryEscape("log 1"))
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()
	pointAt(m, srv)

	before, _ := m.registry.Get("exc1-fn")
	res, err := m.Execute(context.Background(), ExecutionRequest{
		RuntimeID: "fn",
		Body:      []byte("payload"),
		Path:      "ping?x=1",
		Method:    http.MethodPost,
		Headers:   map[string]string{"x-custom": "abc"},
		Timeout:   10 * time.Second,
		Logging:   true,
		Version:   VersionV5,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "pong", string(res.Body))
	assert.Equal(t, "yes", res.Headers["x-reply"])
	assert.NotContains(t, res.Headers, "x-open-runtimes-log-id")
	assert.Equal(t, "hello log", res.Logs)
	assert.Equal(t, "hello error", res.Errors)
	assert.NoFileExists(t, filepath.Join(logDir, "log 1_logs.log"))
	assert.NoFileExists(t, filepath.Join(logDir, "log 1_errors.log"))
	assert.False(t, res.StartTime.IsZero())

	after, _ := m.registry.Get("exc1-fn")
	assert.True(t, after.Listening)
	assert.True(t, after.Updated.After(before.Updated))
}

func TestExecuteV5TruncatesLargeLogs(t *testing.T) {
	m, _ := newTestManager(t)
	m.registry.Set("exc1-fn", readyRuntime(VersionV5))
	logDir := filepath.Join(m.cfg.TmpDir, "exc1-fn", "logs")
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "big_logs.log"), []byte(strings.Repeat("a", logcodec.MaxLogSize+10)), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-open-runtimes-log-id", "../../big")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	pointAt(m, srv)

	res, err := m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Len(t, res.Logs, logcodec.MaxLogSize+len("\nLog file has been truncated to 5MB."))
	assert.True(t, strings.HasSuffix(res.Logs, "\nLog file has been truncated to 5MB."))
	assert.Empty(t, res.Errors)
}

func TestExecuteV2(t *testing.T) {
	m, _ := newTestManager(t)
	m.registry.Set("exc1-fn", readyRuntime(VersionV2))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/", r.URL.Path)
		assert.Equal(t, "s3cret", r.Header.Get("x-internal-challenge"))

		var envelope struct {
			Variables map[string]string `json:"variables"`
			Payload   string            `json:"payload"`
			Headers   map[string]string `json:"headers"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		assert.Equal(t, "exc1", envelope.Variables["INERNAL_EXECUTOR_HOSTNAME"])
		assert.Equal(t, "1", envelope.Variables["A"])
		assert.Equal(t, "data", envelope.Payload)
		assert.NotNil(t, envelope.Headers)

		_, _ = w.Write([]byte(`{"response":{"ok":true},"stdout":"out","stderr":"err"}`))
	}))
	defer srv.Close()
	pointAt(m, srv)

	res, err := m.Execute(context.Background(), ExecutionRequest{
		RuntimeID: "fn",
		Body:      []byte("data"),
		Variables: map[string]string{"A": "1"},
		Timeout:   10 * time.Second,
		Version:   VersionV2,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(res.Body))
	assert.Equal(t, "out", res.Logs)
	assert.Equal(t, "err", res.Errors)
	assert.Empty(t, res.Headers)
}

func TestExecuteV2Timeout(t *testing.T) {
	m, _ := newTestManager(t)
	rt := readyRuntime(VersionV2)
	rt.Listening = true
	m.registry.Set("exc1-fn", rt)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	pointAt(m, srv)

	_, err := m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Timeout: 200 * time.Millisecond, Version: VersionV2})
	assert.ErrorIs(t, err, ErrExecutionTimeout)
}

func TestExecuteNotFoundWithoutRuntimeParams(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Timeout: time.Second})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "Runtime not found. Please start it first or provide runtime-related parameters.", err.Error())
}

func TestExecuteProvisionsThroughLocalAPI(t *testing.T) {
	m, _ := newTestManager(t)

	var invokedTimeout atomic.Value
	runtimeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		invokedTimeout.Store(r.Header.Get("x-open-runtimes-timeout"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer runtimeSrv.Close()
	pointAt(m, runtimeSrv)

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runtimes", r.URL.Path)
		assert.Equal(t, "Bearer executor-secret", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fn", body["runtimeId"])
		assert.Equal(t, "img", body["image"])

		time.Sleep(1200 * time.Millisecond)
		m.registry.Set("exc1-fn", readyRuntime(VersionV5))
		w.WriteHeader(http.StatusCreated)
	}))
	defer apiSrv.Close()
	m.cfg.Listen = apiSrv.Listener.Addr().String()

	res, err := m.Execute(context.Background(), ExecutionRequest{
		RuntimeID: "fn",
		Image:     "img",
		Source:    "/src/code.tar.gz",
		Timeout:   3 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Body))
	assert.Equal(t, "1", invokedTimeout.Load())
}

func TestExecuteTimesOutDuringPreparation(t *testing.T) {
	m, _ := newTestManager(t)

	var invoked atomic.Int32
	runtimeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		invoked.Add(1)
	}))
	defer runtimeSrv.Close()
	pointAt(m, runtimeSrv)

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer apiSrv.Close()
	m.cfg.Listen = apiSrv.Listener.Addr().String()

	_, err := m.Execute(context.Background(), ExecutionRequest{
		RuntimeID: "fn",
		Image:     "img",
		Source:    "/src/code.tar.gz",
		Timeout:   150 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "Function timed out during preparation.", err.Error())
	assert.Zero(t, invoked.Load())
}

func TestExecuteProvisionRejected(t *testing.T) {
	m, _ := newTestManager(t)
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"npm ERR! build failed","code":400}`))
	}))
	defer apiSrv.Close()
	m.cfg.Listen = apiSrv.Listener.Addr().String()

	_, err := m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Image: "img", Source: "/src", Timeout: 5 * time.Second})
	require.ErrorIs(t, err, ErrFailed)
	assert.Equal(t, "npm ERR! build failed", err.Error())
}

func TestExecuteProvisionStopsOnBuildTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	var calls atomic.Int32
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = w.Write([]byte(`{"type":"runtime_timeout","message":"Failed to create runtime: timed out","code":504}`))
	}))
	defer apiSrv.Close()
	m.cfg.Listen = apiSrv.Listener.Addr().String()

	_, err := m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Image: "img", Source: "/src", Timeout: 5 * time.Second})
	require.ErrorIs(t, err, ErrFailed)
	assert.Equal(t, "Failed to create runtime: timed out", err.Error())
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteProvisionKeepsPollingOnServerError(t *testing.T) {
	m, _ := newTestManager(t)
	runtimeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer runtimeSrv.Close()
	pointAt(m, runtimeSrv)

	var calls atomic.Int32
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"not yet"}`))
			return
		}
		m.registry.Set("exc1-fn", readyRuntime(VersionV5))
		w.WriteHeader(http.StatusConflict)
	}))
	defer apiSrv.Close()
	m.cfg.Listen = apiSrv.Listener.Addr().String()

	_, err := m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Image: "img", Source: "/src", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteRetriesConnectionRefused(t *testing.T) {
	m, _ := newTestManager(t)
	rt := readyRuntime(VersionV5)
	rt.Listening = true
	m.registry.Set("exc1-fn", rt)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := ln.Addr().String()
	require.NoError(t, ln.Close())

	var attempts atomic.Int32
	m.runtimeAddr = func(string) string {
		attempts.Add(1)
		return closed
	}

	start := time.Now()
	_, err = m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Timeout: 10 * time.Second})
	require.ErrorIs(t, err, ErrInternal)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, int32(3), attempts.Load())
	assert.GreaterOrEqual(t, time.Since(start), 2*m.cfg.RetryDelay())
}

func TestExecuteDoesNotRetryApplicationErrors(t *testing.T) {
	m, _ := newTestManager(t)
	m.registry.Set("exc1-fn", readyRuntime(VersionV5))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad input"))
	}))
	defer srv.Close()
	pointAt(m, srv)

	res, err := m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad input", string(res.Body))
	assert.Equal(t, int32(1), hits.Load())
}

func TestExecuteInvalidMethod(t *testing.T) {
	m, _ := newTestManager(t)
	rt := readyRuntime(VersionV5)
	rt.Listening = true
	m.registry.Set("exc1-fn", rt)

	var attempts atomic.Int32
	m.runtimeAddr = func(string) string {
		attempts.Add(1)
		return "127.0.0.1:1"
	}

	_, err := m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Method: "BAD METHOD", Timeout: time.Second})
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestExecuteLaunchTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	rt := readyRuntime(VersionV5)
	rt.Status = registry.StatusPending
	m.registry.Set("exc1-fn", rt)

	_, err := m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Timeout: 100 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "Function timed out during launch.", err.Error())
}

func TestExecuteColdStartTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	m.registry.Set("exc1-fn", readyRuntime(VersionV5))
	m.probe = func(context.Context, string) error { return syscall.ECONNREFUSED }

	_, err := m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Timeout: 100 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "Function timed out during cold start.", err.Error())

	rt, _ := m.registry.Get("exc1-fn")
	assert.False(t, rt.Listening)
}

func TestExecuteMissingSecret(t *testing.T) {
	m, _ := newTestManager(t)
	rt := readyRuntime(VersionV5)
	rt.Secret = ""
	m.registry.Set("exc1-fn", rt)

	_, err := m.Execute(context.Background(), ExecutionRequest{RuntimeID: "fn", Timeout: time.Second})
	require.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, "Runtime secret not found. Please re-create the runtime.", err.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&net.DNSError{Err: "no such host", Name: "rt-host"}))
	assert.True(t, isRetryable(&url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}}))
	assert.True(t, isRetryable(fmt.Errorf("dial: %w", syscall.EHOSTUNREACH)))
	assert.False(t, isRetryable(errors.New("unexpected EOF")))
	assert.False(t, isRetryable(context.DeadlineExceeded))
}

func TestLegacyBody(t *testing.T) {
	assert.Equal(t, "hello", string(legacyBody(json.RawMessage(`"hello"`))))
	assert.Equal(t, `{"a":1}`, string(legacyBody(json.RawMessage(`{ "a": 1 }`))))
	assert.Equal(t, `[1,2]`, string(legacyBody(json.RawMessage(`[1, 2]`))))
	assert.Equal(t, "42", string(legacyBody(json.RawMessage(`42`))))
	assert.Empty(t, legacyBody(json.RawMessage(`null`)))
	assert.Empty(t, legacyBody(nil))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, "runtime_not_found", TypeOf(newError(ErrNotFound, "x")))
	assert.Equal(t, "execution_timeout", TypeOf(fmt.Errorf("wrapped: %w", newError(ErrExecutionTimeout, "x"))))
	assert.Equal(t, "general_unknown", TypeOf(errors.New("boom")))
	assert.Empty(t, TypeOf(nil))
}
