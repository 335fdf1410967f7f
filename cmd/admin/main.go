package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"crowdsim/internal/persistence/archive"
	persistlog "crowdsim/internal/persistence/log"
	"crowdsim/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "rollback":
			rollbackCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "metrics":
			metricsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	if err := listRuns(os.Stdout, *dataDir); err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
}

type runSummary struct {
	RunID        string `json:"run_id"`
	Scenario     string `json:"scenario"`
	Seed         int64  `json:"seed"`
	UpdatePolicy string `json:"update_policy"`
	CreatedAt    string `json:"created_at,omitempty"`
	Snapshots    int    `json:"snapshots"`
	LatestTick   uint64 `json:"latest_snapshot_tick"`
	Error        string `json:"error,omitempty"`
}

// listRuns prints one JSON line per run directory. Directories without a
// readable run.json are still listed, with the read error attached.
func listRuns(w io.Writer, dataDir string) error {
	base := filepath.Join(dataDir, "runs")
	ents, err := os.ReadDir(base)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		runDir := filepath.Join(base, e.Name())
		s := runSummary{RunID: e.Name()}
		meta, err := persistlog.ReadRunMeta(runDir)
		if err != nil {
			s.Error = err.Error()
		} else {
			s.Scenario = meta.Scenario
			s.Seed = meta.Seed
			s.UpdatePolicy = meta.UpdatePolicy
			if !meta.CreatedAt.IsZero() {
				s.CreatedAt = meta.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")
			}
		}
		snaps := listSnapshots(runDir)
		s.Snapshots = len(snaps)
		if len(snaps) > 0 {
			s.LatestTick = snaps[len(snaps)-1].tick
		}
		printJSON(w, s)
	}
	return nil
}

func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	runID := fs.String("run", "", "run id")
	toTick := fs.Uint64("to_tick", 0, "keep snapshots up to this tick (inclusive)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*runID) == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}
	runDir := filepath.Join(*dataDir, "runs", *runID)
	kept, moved, err := rollbackRun(runDir, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rollback:", err)
		os.Exit(1)
	}
	fmt.Printf("rollback ok: run=%s resume_tick=%d retired=%d\n", *runID, kept, moved)
}

type snapFile struct {
	path string
	tick uint64
}

// listSnapshots returns the run's live snapshots in tick order.
func listSnapshots(runDir string) []snapFile {
	dir := filepath.Join(runDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []snapFile
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			continue
		}
		out = append(out, snapFile{path: p, tick: h.Tick})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tick < out[j].tick })
	return out
}

// rollbackRun retires every snapshot past toTick into the run's archives so
// the next resume starts from the newest one at or before it. Frames are left
// alone; replay skips the re-recorded ticks.
func rollbackRun(runDir string, toTick uint64) (kept uint64, moved int, err error) {
	snaps := listSnapshots(runDir)
	found := false
	var retired []string
	for _, s := range snaps {
		if s.tick <= toTick {
			kept, found = s.tick, true
			continue
		}
		retired = append(retired, s.path)
	}
	if !found {
		return 0, 0, fmt.Errorf("no snapshot at or before tick %d in %s", toTick, runDir)
	}
	if len(retired) == 0 {
		return kept, 0, nil
	}
	if _, err := archive.ArchiveRollback(runDir, filepath.Base(runDir), kept, retired); err != nil {
		return kept, 0, err
	}
	return kept, len(retired), nil
}

func printJSON(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintln(w, string(b))
}
