package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

func (s *SQLiteIndex) Runs(ctx context.Context) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,world_id,scenario,seed,tick_rate_hz,timestep,update_policy,agent_count,tuning_json,created_at FROM runs ORDER BY created_at, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var created string
		if err := rows.Scan(&r.RunID, &r.WorldID, &r.Scenario, &r.Seed, &r.TickRateHz, &r.Timestep, &r.UpdatePolicy, &r.AgentCount, &r.TuningJSON, &created); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) FrameDigest(ctx context.Context, runID string, tick uint64) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM frames WHERE run_id=? AND tick=?`, runID, int64(tick)).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return d, err
}

func (s *SQLiteIndex) FrameCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames WHERE run_id=?`, runID).Scan(&n)
	return n, err
}

// Snapshots lists a run's snapshots, newest first.
func (s *SQLiteIndex) Snapshots(ctx context.Context, runID string) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,tick,path,digest,agents,obstacles FROM snapshots WHERE run_id=? ORDER BY tick DESC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var tick int64
		if err := rows.Scan(&r.RunID, &tick, &r.Path, &r.Digest, &r.Agents, &r.Obstacles); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AgentTrack returns an agent's snapshotted positions in tick order.
func (s *SQLiteIndex) AgentTrack(ctx context.Context, runID string, agentID int) ([][2]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT x,y FROM snapshot_agents WHERE run_id=? AND agent_id=? ORDER BY tick`, runID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]float64
	for rows.Next() {
		var p [2]float64
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
