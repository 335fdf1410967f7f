package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"crowdsim/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	runID := fs.String("run", "", "run id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	tick := fs.Uint64("tick", 0, "frame tick (digest)")
	agent := fs.Int("agent", 0, "agent id (track)")
	limit := fs.Int("limit", 20, "result limit (snapshots)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*runID) == "" {
			fmt.Fprintln(os.Stderr, "missing -run or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "runs", *runID, "index", "run.sqlite")
	}

	err := queryIndex(context.Background(), os.Stdout, path, dbQuery{
		Kind:  q,
		RunID: *runID,
		Tick:  *tick,
		Agent: *agent,
		Limit: *limit,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "db:", err)
		os.Exit(1)
	}
}

type dbQuery struct {
	Kind  string
	RunID string
	Tick  uint64
	Agent int
	Limit int
}

// queryIndex answers one read-model query against a run index and prints the
// rows as JSON lines. An empty RunID means the only run recorded in the index.
func queryIndex(ctx context.Context, w io.Writer, path string, q dbQuery) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()

	runs, err := idx.Runs(ctx)
	if err != nil {
		return err
	}
	if q.Kind == "runs" {
		for _, r := range runs {
			printJSON(w, map[string]any{
				"run_id":        r.RunID,
				"world_id":      r.WorldID,
				"scenario":      r.Scenario,
				"seed":          r.Seed,
				"tick_rate_hz":  r.TickRateHz,
				"timestep":      r.Timestep,
				"update_policy": r.UpdatePolicy,
				"agents":        r.AgentCount,
			})
		}
		return nil
	}

	runID := q.RunID
	if runID == "" {
		if len(runs) != 1 {
			return fmt.Errorf("index holds %d runs; pass -run", len(runs))
		}
		runID = runs[0].RunID
	}

	switch q.Kind {
	case "snapshots":
		rows, err := idx.Snapshots(ctx, runID)
		if err != nil {
			return err
		}
		limit := q.Limit
		if limit <= 0 {
			limit = 20
		}
		for i, r := range rows {
			if i >= limit {
				break
			}
			printJSON(w, map[string]any{
				"tick":      r.Tick,
				"path":      r.Path,
				"digest":    r.Digest,
				"agents":    r.Agents,
				"obstacles": r.Obstacles,
			})
		}
	case "frames":
		n, err := idx.FrameCount(ctx, runID)
		if err != nil {
			return err
		}
		printJSON(w, map[string]any{"run_id": runID, "frames": n})
	case "digest":
		d, err := idx.FrameDigest(ctx, runID, q.Tick)
		if errors.Is(err, indexdb.ErrNotFound) {
			return fmt.Errorf("no frame at tick %d", q.Tick)
		}
		if err != nil {
			return err
		}
		printJSON(w, map[string]any{"tick": q.Tick, "digest": d})
	case "track":
		pts, err := idx.AgentTrack(ctx, runID, q.Agent)
		if err != nil {
			return err
		}
		printJSON(w, map[string]any{"agent_id": q.Agent, "points": pts})
	default:
		return fmt.Errorf("unknown query %q (runs|snapshots|frames|digest|track)", q.Kind)
	}
	return nil
}
