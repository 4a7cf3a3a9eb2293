package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const ArtifactPathEnv = "APEXX_ARTIFACT_PATH"

// ModelContext is the execution context handed to every handler call. It
// satisfies dispatch.ExecutionContext.
type ModelContext struct {
	name         string
	version      string
	artifactPath string
}

// NewModelContext resolves artifactPath (falling back to ArtifactPathEnv) to
// an absolute path of a non-empty regular file. An empty path with no env
// fallback is allowed and leaves ArtifactPath empty.
func NewModelContext(name string, version string, artifactPath string) (ModelContext, error) {
	cleanName := strings.TrimSpace(name)
	if cleanName == "" {
		return ModelContext{}, fmt.Errorf("model name is required")
	}
	mc := ModelContext{
		name:    cleanName,
		version: strings.TrimSpace(version),
	}
	candidate := strings.TrimSpace(artifactPath)
	if candidate == "" {
		candidate = strings.TrimSpace(os.Getenv(ArtifactPathEnv))
	}
	if candidate == "" {
		return mc, nil
	}
	resolved, err := resolveModelPath(candidate, "model artifact")
	if err != nil {
		return ModelContext{}, err
	}
	info, statErr := os.Stat(resolved)
	if statErr != nil {
		return ModelContext{}, fmt.Errorf("failed to stat model artifact %q: %w", resolved, statErr)
	}
	if info.IsDir() {
		return ModelContext{}, fmt.Errorf("model artifact path %q is a directory", resolved)
	}
	if info.Size() <= 0 {
		return ModelContext{}, fmt.Errorf("model artifact path %q is empty", resolved)
	}
	mc.artifactPath = resolved
	return mc, nil
}

func (m ModelContext) ModelName() string    { return m.name }
func (m ModelContext) ModelVersion() string { return m.version }
func (m ModelContext) ArtifactPath() string { return m.artifactPath }

func resolveModelPath(value string, label string) (string, error) {
	candidate := filepath.Clean(value)
	if candidate == "" || candidate == "." {
		return "", fmt.Errorf("%s path is required (flag or %s)", label, ArtifactPathEnv)
	}
	absPath, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s path %q: %w", label, candidate, err)
	}
	return absPath, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Model    string `json:"model"`
	Protocol string `json:"protocol"`
}

type liveResponse struct {
	Live bool `json:"live"`
}

type readyResponse struct {
	Ready bool `json:"ready"`
}

type modelMetadataResponse struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
	Platform string   `json:"platform"`
	Protocol string   `json:"protocol"`
}
