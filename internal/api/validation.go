package api

import (
	"fmt"
	"slices"
	"strings"
)

var (
	executionMethods  = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	executionVersions = []string{"v2", "v5"}
	restartPolicies   = []string{"no", "always", "on-failure", "unless-stopped"}
)

const maxExecutionBody = 20 << 20

// text checks a string parameter against length bounds. minLen is 1 for
// required parameters.
func text(name, value string, minLen, maxLen int) error {
	if len(value) < minLen {
		return fmt.Errorf("Param %q is required", name)
	}
	if maxLen > 0 && len(value) > maxLen {
		return fmt.Errorf("Invalid %q param: value must be a valid string and no longer than %d chars", name, maxLen)
	}
	return nil
}

func oneOf(name, value string, allowed []string) error {
	if !slices.Contains(allowed, value) {
		return fmt.Errorf("Invalid %q param: value must be one of (%s)", name, strings.Join(allowed, ", "))
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func validateCreateRuntimeRequest(req createRuntimeRequest, versions []string) error {
	return firstError(
		text("runtimeId", req.RuntimeID, 1, 64),
		text("image", req.Image, 1, 128),
		text("entrypoint", req.Entrypoint, 0, 256),
		text("runtimeEntrypoint", req.RuntimeEntrypoint, 0, 1024),
		text("command", req.Command, 0, 1024),
		oneOf("version", req.Version, versions),
		oneOf("restartPolicy", req.RestartPolicy, restartPolicies),
		positive("cpus", float64(req.CPUs)),
		positive("memory", float64(req.Memory)),
	)
}

func validateCommandRequest(runtimeID string, req commandRequest) error {
	return firstError(
		text("runtimeId", runtimeID, 1, 64),
		text("command", req.Command, 1, 1024),
	)
}

func validateExecutionRequest(runtimeID string, req executionRequest) error {
	return firstError(
		text("runtimeId", runtimeID, 1, 64),
		text("body", req.Body, 0, maxExecutionBody),
		text("path", req.Path, 1, 2048),
		oneOf("method", strings.ToUpper(req.Method), executionMethods),
		text("image", req.Image, 0, 128),
		text("entrypoint", req.Entrypoint, 0, 256),
		text("runtimeEntrypoint", req.RuntimeEntrypoint, 0, 1024),
		oneOf("version", req.Version, executionVersions),
		oneOf("restartPolicy", req.RestartPolicy, restartPolicies),
		positive("timeout", float64(req.Timeout)),
		positive("cpus", float64(req.CPUs)),
		positive("memory", float64(req.Memory)),
	)
}

func positive(name string, v float64) error {
	if v <= 0 {
		return fmt.Errorf("Invalid %q param: value must be a positive number", name)
	}
	return nil
}
