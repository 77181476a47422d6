package app

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"convoy/internal/driver"
)

// ServiceState is the persisted per-service outcome of the last run.
type ServiceState struct {
	ContainerID string `json:"container_id,omitempty"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	Settled     bool   `json:"settled,omitempty"`
}

// RunStateFile records what the last 'up' created, so 'down', 'logs', and
// 'status' can operate on it later.
type RunStateFile struct {
	SchemaVersion string                  `json:"schema_version"`
	RunID         string                  `json:"run_id"`
	StackPath     string                  `json:"stack_path"`
	StackName     string                  `json:"stack_name"`
	Network       string                  `json:"network"`
	Services      map[string]ServiceState `json:"services"`
	CreatedAt     time.Time               `json:"created_at"`
	LastUpdatedAt time.Time               `json:"last_updated_at"`
}

const (
	StateFileName      = ".convoy.state.json"
	StateSchemaVersion = "1.0"
)

// loadState attempts to load the run state from the state file.
// Returns nil if the file doesn't exist (no stack is up).
func loadState() (*RunStateFile, error) {
	if _, err := os.Stat(StateFileName); os.IsNotExist(err) {
		return nil, nil
	}

	data, err := os.ReadFile(StateFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state RunStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	return &state, nil
}

// saveState persists the run state to the state file.
func saveState(state *RunStateFile) error {
	state.LastUpdatedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	if err := os.WriteFile(StateFileName, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// newState records a fresh run's outcome.
func newState(stackPath, stackName, network string, result *driver.RunResult) *RunStateFile {
	now := time.Now()
	state := &RunStateFile{
		SchemaVersion: StateSchemaVersion,
		RunID:         result.RunID,
		StackPath:     stackPath,
		StackName:     stackName,
		Network:       network,
		Services:      make(map[string]ServiceState, len(result.Nodes)),
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	for _, n := range result.Nodes {
		state.Services[n.Service] = ServiceState{
			ContainerID: n.ContainerID,
			State:       string(n.State),
			Reason:      string(n.Reason),
			Settled:     n.Settled,
		}
	}
	return state
}

// containerIDs returns the recorded container ID per service.
func (s *RunStateFile) containerIDs() map[string]string {
	ids := make(map[string]string, len(s.Services))
	for name, svc := range s.Services {
		if svc.ContainerID != "" {
			ids[name] = svc.ContainerID
		}
	}
	return ids
}

// removeStateFile removes the state file after a successful teardown.
func removeStateFile() error {
	if _, err := os.Stat(StateFileName); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(StateFileName); err != nil {
		return fmt.Errorf("failed to remove state file: %w", err)
	}

	return nil
}
