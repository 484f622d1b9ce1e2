package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/open-runtimes/executor/internal/runner"
)

type createRuntimeRequest struct {
	RuntimeID         string    `json:"runtimeId"`
	Image             string    `json:"image"`
	Entrypoint        string    `json:"entrypoint"`
	Source            string    `json:"source"`
	Destination       string    `json:"destination"`
	OutputDirectory   string    `json:"outputDirectory"`
	Variables         flexMap   `json:"variables"`
	RuntimeEntrypoint string    `json:"runtimeEntrypoint"`
	Command           string    `json:"command"`
	Timeout           flexInt   `json:"timeout"`
	Remove            flexBool  `json:"remove"`
	CPUs              flexFloat `json:"cpus"`
	Memory            flexInt   `json:"memory"`
	Version           string    `json:"version"`
	RestartPolicy     string    `json:"restartPolicy"`
}

func (s *Server) handleCreateRuntime(w http.ResponseWriter, r *http.Request) {
	req := createRuntimeRequest{
		Timeout:       600,
		CPUs:          1,
		Memory:        512,
		Version:       runner.VersionV5,
		RestartPolicy: "no",
	}
	if _, err := decodeParams(w, r, &req); err != nil {
		s.writeError(w, TypeBadRequest, "Invalid request: "+err.Error())
		return
	}
	if err := validateCreateRuntimeRequest(req, s.cfg.RuntimeVersions); err != nil {
		s.writeError(w, TypeBadRequest, err.Error())
		return
	}

	s.logger.Debug("create runtime", "runtime_id", req.RuntimeID, "image", req.Image, "version", req.Version, "request_id", requestID(r))
	artifact, err := s.runtimes.Create(r.Context(), runner.CreateSpec{
		RuntimeID:         req.RuntimeID,
		Image:             req.Image,
		Entrypoint:        req.Entrypoint,
		Source:            req.Source,
		Destination:       req.Destination,
		OutputDirectory:   req.OutputDirectory,
		Variables:         req.Variables,
		RuntimeEntrypoint: req.RuntimeEntrypoint,
		Command:           req.Command,
		Timeout:           time.Duration(req.Timeout) * time.Second,
		Remove:            bool(req.Remove),
		CPUs:              float64(req.CPUs),
		MemoryMB:          int(req.Memory),
		Version:           req.Version,
		RestartPolicy:     req.RestartPolicy,
	})
	if err != nil {
		s.fail(w, r, "create runtime", err)
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

func (s *Server) handleListRuntimes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtimes.List())
}

func (s *Server) handleGetRuntime(w http.ResponseWriter, r *http.Request) {
	rt, err := s.runtimes.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, "get runtime", err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) handleDeleteRuntime(w http.ResponseWriter, r *http.Request) {
	if err := s.runtimes.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, "delete runtime", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type commandRequest struct {
	Command string  `json:"command"`
	Timeout flexInt `json:"timeout"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req := commandRequest{Timeout: 600}
	if _, err := decodeParams(w, r, &req); err != nil {
		s.writeError(w, TypeBadRequest, "Invalid request: "+err.Error())
		return
	}
	if err := validateCommandRequest(id, req); err != nil {
		s.writeError(w, TypeBadRequest, err.Error())
		return
	}

	output, err := s.runtimes.ExecuteCommand(r.Context(), id, req.Command, time.Duration(req.Timeout)*time.Second)
	if err != nil {
		s.fail(w, r, "execute command", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": output})
}

// streamSink writes log chunks to a streaming response, flushing after each.
type streamSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	r       *http.Request
	wrote   bool
}

func (s *streamSink) Write(p []byte) error {
	if err := s.r.Context().Err(); err != nil {
		return err
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	s.wrote = true
	s.flusher.Flush()
	return nil
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	timeout := 600
	if v := r.URL.Query().Get("timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, TypeBadRequest, `Invalid "timeout" param: value must be a positive integer`)
			return
		}
		timeout = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, TypeUnknown, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	sink := &streamSink{w: w, flusher: flusher, r: r}
	err := s.runtimes.StreamLogs(r.Context(), id, time.Duration(timeout)*time.Second, sink)
	switch {
	case err == nil:
		if !sink.wrote {
			w.WriteHeader(http.StatusOK)
		}
	case sink.wrote:
		s.logger.Warn("log stream ended with error", "runtime_id", id, "error", err, "request_id", requestID(r))
	default:
		s.fail(w, r, "stream logs", err)
	}
}

type runtimeUsage struct {
	Status string  `json:"status"`
	Usage  float64 `json:"usage"`
}

type healthResponse struct {
	Status   string                  `json:"status"`
	Usage    *float64                `json:"usage"`
	Runtimes map[string]runtimeUsage `json:"runtimes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "pass", Runtimes: map[string]runtimeUsage{}}
	if s.usage != nil {
		u := s.usage.Snapshot()
		resp.Usage = u.Host
		for name, usage := range u.Runtimes {
			resp.Runtimes[name] = runtimeUsage{Status: "pass", Usage: usage}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail logs a failed operation and writes its error response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var re *runner.Error
	if errors.As(err, &re) {
		s.logger.Warn(op, "runtime_id", r.PathValue("id"), "type", runner.TypeOf(err), "error", err, "request_id", requestID(r))
	} else {
		s.logger.Error(op, "runtime_id", r.PathValue("id"), "error", err, "request_id", requestID(r))
	}
	s.writeAPIError(w, err)
}
