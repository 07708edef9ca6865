package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wsilab/tessera/internal/pipeline"
)

// RunRequest is the effective run saved into the output directory. The
// resume command reloads it, so a run restarts with exactly the settings
// and task list it was started with.
type RunRequest struct {
	Config Config          `yaml:"config" json:"config"`
	Tasks  []pipeline.Task `yaml:"tasks" json:"tasks"`
}

// SaveRunRequest writes the request next to the manifest.
func SaveRunRequest(path string, req RunRequest) error {
	data, err := yaml.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling run request: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadRunRequest reads a request saved by a previous run.
func LoadRunRequest(path string) (RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunRequest{}, fmt.Errorf("reading run request: %w", err)
	}
	var req RunRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return RunRequest{}, fmt.Errorf("parsing run request %s: %w", path, err)
	}
	return req, nil
}
