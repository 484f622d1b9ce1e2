package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/open-runtimes/executor/internal/runner"
)

type executionRequest struct {
	Body              string    `json:"body"`
	Path              string    `json:"path"`
	Method            string    `json:"method"`
	Headers           flexMap   `json:"headers"`
	Timeout           flexInt   `json:"timeout"`
	Image             string    `json:"image"`
	Source            string    `json:"source"`
	Entrypoint        string    `json:"entrypoint"`
	Variables         flexMap   `json:"variables"`
	CPUs              flexFloat `json:"cpus"`
	Memory            flexInt   `json:"memory"`
	Version           string    `json:"version"`
	RuntimeEntrypoint string    `json:"runtimeEntrypoint"`
	Logging           flexBool  `json:"logging"`
	RestartPolicy     string    `json:"restartPolicy"`
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req := executionRequest{
		Path:          "/",
		Method:        http.MethodGet,
		Timeout:       15,
		CPUs:          1,
		Memory:        512,
		Version:       runner.VersionV5,
		Logging:       true,
		RestartPolicy: "no",
	}
	form, err := decodeParams(w, r, &req)
	if err != nil {
		s.writeError(w, TypeBadRequest, "Invalid request: "+err.Error())
		return
	}
	if body, ok := form["body"]; ok {
		req.Body = body
	}
	if err := validateExecutionRequest(id, req); err != nil {
		s.writeError(w, TypeBadRequest, err.Error())
		return
	}

	exec, err := s.runtimes.Execute(r.Context(), runner.ExecutionRequest{
		RuntimeID:         id,
		Body:              []byte(req.Body),
		Path:              req.Path,
		Method:            strings.ToUpper(req.Method),
		Headers:           req.Headers,
		Timeout:           time.Duration(req.Timeout) * time.Second,
		Logging:           bool(req.Logging),
		Image:             req.Image,
		Source:            req.Source,
		Entrypoint:        req.Entrypoint,
		Variables:         req.Variables,
		CPUs:              float64(req.CPUs),
		MemoryMB:          int(req.Memory),
		Version:           req.Version,
		RuntimeEntrypoint: req.RuntimeEntrypoint,
		RestartPolicy:     req.RestartPolicy,
	})
	if err != nil {
		s.fail(w, r, "execution", err)
		return
	}

	if acceptsJSON(r.Header.Get("Accept")) {
		s.writeExecutionJSON(w, exec)
		return
	}
	s.writeExecutionMultipart(w, r, exec)
}

// acceptsJSON reports whether the Accept header asks for JSON. Multipart is
// the default.
func acceptsJSON(accept string) bool {
	for _, t := range strings.Split(accept, ",") {
		t = strings.TrimSpace(t)
		if strings.HasPrefix(t, "application/json") || strings.HasPrefix(t, "application/*") {
			return true
		}
	}
	return false
}

type executionJSON struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Logs       string            `json:"logs"`
	Errors     string            `json:"errors"`
	Duration   float64           `json:"duration"`
	StartTime  float64           `json:"startTime"`
}

func (s *Server) writeExecutionJSON(w http.ResponseWriter, exec *runner.Execution) {
	if !utf8.Valid(exec.Body) || !utf8.ValidString(exec.Logs) || !utf8.ValidString(exec.Errors) {
		s.writeError(w, TypeBadJSON, "")
		return
	}
	headers := exec.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	writeJSON(w, http.StatusOK, executionJSON{
		StatusCode: exec.StatusCode,
		Headers:    headers,
		Body:       string(exec.Body),
		Logs:       exec.Logs,
		Errors:     exec.Errors,
		Duration:   exec.Duration.Seconds(),
		StartTime:  unixSeconds(exec.StartTime),
	})
}

func (s *Server) writeExecutionMultipart(w http.ResponseWriter, r *http.Request, exec *runner.Execution) {
	headers := exec.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	encodedHeaders, err := json.Marshal(headers)
	if err != nil {
		s.fail(w, r, "encode execution", err)
		return
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	parts := []struct {
		name  string
		value []byte
	}{
		{"statusCode", []byte(strconv.Itoa(exec.StatusCode))},
		{"headers", encodedHeaders},
		{"body", exec.Body},
		{"logs", []byte(exec.Logs)},
		{"errors", []byte(exec.Errors)},
		{"duration", []byte(strconv.FormatFloat(exec.Duration.Seconds(), 'f', -1, 64))},
		{"startTime", []byte(strconv.FormatFloat(unixSeconds(exec.StartTime), 'f', -1, 64))},
	}
	for _, p := range parts {
		fw, err := mw.CreateFormField(p.name)
		if err == nil {
			_, err = fw.Write(p.value)
		}
		if err != nil {
			s.fail(w, r, "encode execution", err)
			return
		}
	}
	if err := mw.Close(); err != nil {
		s.fail(w, r, "encode execution", err)
		return
	}

	w.Header().Set("Content-Type", mw.FormDataContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}
