package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/open-runtimes/executor/internal/config"
	"github.com/open-runtimes/executor/internal/store"
)

// Secret is the executor key Config uses and JSONRequest authenticates with.
const Secret = "executor-secret"

// Config returns a Config with test defaults and a per-test tmp dir.
func Config(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Listen:                     "127.0.0.1:0",
		Secret:                     Secret,
		Hostname:                   "exc1",
		Networks:                   []string{"executor_runtimes"},
		RuntimeVersions:            []string{"v2", "v5"},
		TmpDir:                     t.TempDir(),
		RegistryCapacity:           16,
		MaintenanceIntervalSeconds: 3600,
		InactiveThresholdSeconds:   60,
		RetryDelayMs:               10,
		RetryAttempts:              3,
		JournalRetentionHours:      24,
		LogLevel:                   "error",
		LogFormat:                  "text",
	}
}

// NewTestStore opens a journal in the test's tmp dir.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "journal.db"), 1)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// JSONRequest builds an authenticated executor API request with a JSON body
// that asks for a JSON response.
func JSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+Secret)
	return req
}

// DecodeJSON decodes the response body into v, failing on anything but a
// JSON content type.
func DecodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q (body: %s)", ct, rec.Body.String())
	}
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v (body: %s)", err, rec.Body.String())
	}
}
