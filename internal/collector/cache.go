package collector

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetmon/internal/fleetmon"
)

const (
	machineIDFile = "machine_id"
	lastStateFile = "last_state.json"

	stateDirPerm  = 0o750
	stateFilePerm = 0o600
)

// State is the collector's persisted local cache: the last snapshot the
// fleet service acknowledged. It is overwritten only after a confirmed
// delivery, so a restarted collector does not resend unchanged state.
type State struct {
	ReportedAt      time.Time                   `json:"reportedAt"`
	PlatformVersion string                      `json:"platformVersion"`
	Snapshot        fleetmon.ComplianceSnapshot `json:"snapshot"`
}

// loadMachineID reads the stable machine ID, generating and persisting one
// on first run. The ID never changes for the lifetime of the installation.
func loadMachineID(dir string) (string, error) {
	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}

	path := filepath.Join(dir, machineIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if fleetmon.IsValidMachineID(id) {
			return id, nil
		}
		log.Printf("[WARN] Ignoring invalid machine ID in %s, generating a new one", path)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), stateFilePerm); err != nil {
		return "", fmt.Errorf("failed to persist machine ID: %w", err)
	}
	log.Printf("[INFO] Generated machine ID: %s", id)
	return id, nil
}

// loadState reads the persisted cache. A missing or corrupt file means
// first-run semantics: the next tick always reports.
func loadState(dir string) *State {
	path := filepath.Join(dir, lastStateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf("[WARN] Error parsing last state file, starting fresh: %v", err)
		return nil
	}
	return &state
}

// saveState atomically replaces the persisted cache via temp-file rename.
func saveState(dir string, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	path := filepath.Join(dir, lastStateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, stateFilePerm); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
