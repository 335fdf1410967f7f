package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

type RollbackMeta struct {
	RunID      string   `json:"run_id"`
	ResumeTick uint64   `json:"resume_tick"`
	Snapshots  []string `json:"snapshots"`
	CreatedAt  string   `json:"created_at"`
}

// Dir is where a rollback to resumeTick parks the snapshots it retires.
func Dir(runDir string, resumeTick uint64) string {
	return filepath.Join(runDir, "archives", fmt.Sprintf("rollback_%012d", resumeTick))
}

// ArchiveRollback moves retired snapshot files out of the run's snapshots/
// directory into Dir(runDir, resumeTick) and records what was moved in
// meta.json. Files already archived by an earlier rollback to the same tick
// are overwritten.
func ArchiveRollback(runDir, runID string, resumeTick uint64, retired []string) (string, error) {
	dir := Dir(runDir, resumeTick)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	meta := RollbackMeta{
		RunID:      runID,
		ResumeTick: resumeTick,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, src := range retired {
		dst := filepath.Join(dir, filepath.Base(src))
		if err := moveFile(src, dst); err != nil {
			return dir, err
		}
		meta.Snapshots = append(meta.Snapshots, filepath.Base(dst))
	}

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return dir, err
	}
	return dir, os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644)
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Cross-device: copy then remove.
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
