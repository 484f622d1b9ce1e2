package api

import (
	"errors"
	"net/http"

	"github.com/open-runtimes/executor/internal/runner"
)

// Error types returned in API responses that do not originate in the runner.
const (
	TypeUnknown       = "general_unknown"
	TypeRouteNotFound = "general_route_not_found"
	TypeUnauthorized  = "general_unauthorized"
	TypeBadRequest    = "execution_bad_request"
	TypeBadJSON       = "execution_bad_json"
)

type errorClass struct {
	code    int
	message string
}

// errorClasses holds the status code and default message of each error type.
var errorClasses = map[string]errorClass{
	TypeUnknown:         {http.StatusInternalServerError, "Internal server error."},
	TypeRouteNotFound:   {http.StatusNotFound, "The requested route was not found."},
	TypeUnauthorized:    {http.StatusUnauthorized, "You are not authorized to access this resource."},
	TypeBadRequest:      {http.StatusBadRequest, "Execution request was invalid."},
	TypeBadJSON:         {http.StatusBadRequest, `Execution resulted in binary response, but JSON response does not allow binaries. Use "Accept: multipart/form-data" header to support binaries.`},
	"execution_timeout": {http.StatusGatewayTimeout, "Timed out waiting for execution."},
	"runtime_failed":    {http.StatusBadRequest, "Runtime failed."},
	"runtime_not_found": {http.StatusNotFound, "Runtime not found"},
	"runtime_conflict":  {http.StatusConflict, "Runtime already exists"},
	"runtime_timeout":   {http.StatusGatewayTimeout, "Timed out waiting for runtime."},
	"logs_timeout":      {http.StatusGatewayTimeout, "Timed out waiting for logs."},
	"command_timeout":   {http.StatusInternalServerError, "Operation timed out."},
	"command_failed":    {http.StatusInternalServerError, "Failed to execute command."},
}

// APIError is the body of every failed response.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Version string `json:"version"`
}

// writeAPIError maps a runner failure onto its error type. Only *runner.Error
// messages reach the caller; anything else becomes a generic unknown error.
func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	var re *runner.Error
	if !errors.As(err, &re) {
		s.writeError(w, TypeUnknown, "")
		return
	}
	s.writeError(w, runner.TypeOf(err), re.Message)
}

// writeError writes an error of the given type. An empty message falls back
// to the type's default.
func (s *Server) writeError(w http.ResponseWriter, typ, message string) {
	class, ok := errorClasses[typ]
	if !ok {
		class = errorClasses[TypeUnknown]
	}
	if message == "" {
		message = class.message
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Expires", "0")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, class.code, APIError{
		Type:    typ,
		Message: message,
		Code:    class.code,
		Version: s.version,
	})
}
