package log

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"crowdsim/internal/sim/tuning"
)

const RunMetaFile = "run.json"

// RunMeta records everything needed to rebuild a run from scratch.
type RunMeta struct {
	RunID        string                `json:"run_id"`
	WorldID      string                `json:"world_id"`
	Scenario     string                `json:"scenario"`
	Seed         int64                 `json:"seed"`
	TickRateHz   int                   `json:"tick_rate_hz"`
	UpdatePolicy string                `json:"update_policy"`
	Tuning       tuning.ScenarioTuning `json:"tuning"`
	CreatedAt    time.Time             `json:"created_at"`
}

func WriteRunMeta(runDir string, m RunMeta) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(runDir, RunMetaFile+".tmp")
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(runDir, RunMetaFile))
}

func ReadRunMeta(runDir string) (RunMeta, error) {
	var m RunMeta
	b, err := os.ReadFile(filepath.Join(runDir, RunMetaFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%s: %w", RunMetaFile, err)
	}
	if m.RunID == "" || m.Scenario == "" {
		return m, fmt.Errorf("%s: missing run_id or scenario", RunMetaFile)
	}
	return m, nil
}
