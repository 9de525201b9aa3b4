package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// persistedState is written to disk after the first successful
// registration so a restarted worker process presents the same worker_id
// to the gateway instead of registering as a new worker every time.
type persistedState struct {
	WorkerID uuid.UUID `json:"worker_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "worker-state.json")
}

// loadState reads the persisted worker_id. A missing file returns the
// zero state (uuid.Nil), not an error — first run always looks like this.
func loadState(stateDir string) (persistedState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return persistedState{}, nil
		}
		return persistedState{}, fmt.Errorf("worker: read state file: %w", err)
	}
	var s persistedState
	if err := json.Unmarshal(data, &s); err != nil {
		return persistedState{}, fmt.Errorf("worker: corrupted state file: %w", err)
	}
	return s, nil
}

// saveState writes state atomically via temp-file-then-rename, so a crash
// mid-write never leaves a corrupted state file behind.
func saveState(stateDir string, s persistedState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("worker: marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("worker: create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(stateDir, "worker-state.*.tmp")
	if err != nil {
		return fmt.Errorf("worker: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("worker: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("worker: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("worker: rename state file: %w", err)
	}
	ok = true
	return nil
}
