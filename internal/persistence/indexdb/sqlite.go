package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"crowdsim/internal/persistence/snapshot"
	"crowdsim/internal/sim/world"
)

// SQLiteIndex is a queryable secondary index over a run. The JSONL frame
// logs and snapshot files remain the source of truth; writes are queued and
// committed in batches by a single writer goroutine.
type SQLiteIndex struct {
	db *sql.DB

	runID atomic.Pointer[string]

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFrames    atomic.Uint64
	dropSnapshots atomic.Uint64
}

type reqKind int

const (
	reqFrame reqKind = iota + 1
	reqSnapshot
)

type req struct {
	kind  reqKind
	runID string

	frame    frameRow
	snapshot snapshotRow
	agents   []snapshot.AgentV1
}

type frameRow struct {
	Tick      uint64
	Digest    string
	Agents    int
	CentroidX float64
	CentroidY float64
}

type snapshotRow struct {
	Tick      uint64
	Path      string
	Digest    string
	Agents    int
	Obstacles int
}

// RunRow describes one simulation run.
type RunRow struct {
	RunID        string
	WorldID      string
	Scenario     string
	Seed         int64
	TickRateHz   int
	Timestep     float64
	UpdatePolicy string
	AgentCount   int
	TuningJSON   string
	CreatedAt    time.Time
}

type SnapshotRow struct {
	RunID     string
	Tick      uint64
	Path      string
	Digest    string
	Agents    int
	Obstacles int
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropFrameTotal    uint64
	DropSnapshotTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			world_id TEXT NOT NULL,
			scenario TEXT NOT NULL,
			seed INTEGER NOT NULL,
			tick_rate_hz INTEGER NOT NULL,
			timestep REAL NOT NULL,
			update_policy TEXT NOT NULL,
			agent_count INTEGER NOT NULL,
			tuning_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			digest TEXT NOT NULL,
			agents INTEGER NOT NULL,
			centroid_x REAL NOT NULL,
			centroid_y REAL NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			path TEXT NOT NULL,
			digest TEXT NOT NULL,
			agents INTEGER NOT NULL,
			obstacles INTEGER NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshot_agents (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			agent_id INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			vx REAL NOT NULL,
			vy REAL NOT NULL,
			target_x REAL NOT NULL,
			target_y REAL NOT NULL,
			PRIMARY KEY (run_id, tick, agent_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshot_agents_agent ON snapshot_agents(run_id, agent_id, tick);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordRun stores the run row synchronously and makes runID the default for
// subsequent frames and snapshots.
func (s *SQLiteIndex) RecordRun(ctx context.Context, r RunRow) error {
	if r.RunID == "" {
		return fmt.Errorf("empty run id")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.TuningJSON == "" {
		r.TuningJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs(run_id,world_id,scenario,seed,tick_rate_hz,timestep,update_policy,agent_count,tuning_json,created_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.WorldID, r.Scenario, r.Seed, r.TickRateHz, r.Timestep, r.UpdatePolicy, r.AgentCount, r.TuningJSON,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	id := r.RunID
	s.runID.Store(&id)
	return nil
}

func (s *SQLiteIndex) currentRun() string {
	if p := s.runID.Load(); p != nil {
		return *p
	}
	return ""
}

// WriteFrame queues a frame summary. It never blocks the simulation.
func (s *SQLiteIndex) WriteFrame(f world.Frame) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	row := frameRow{Tick: f.Tick, Digest: f.Digest, Agents: len(f.Positions)}
	if n := len(f.Positions); n > 0 {
		for _, p := range f.Positions {
			row.CentroidX += p.X
			row.CentroidY += p.Y
		}
		row.CentroidX /= float64(n)
		row.CentroidY /= float64(n)
	}
	select {
	case s.ch <- req{kind: reqFrame, runID: s.currentRun(), frame: row}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropFrames.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	runID := snap.Header.RunID
	if runID == "" {
		runID = s.currentRun()
	}
	r := snapshotRow{
		Tick:      snap.Header.Tick,
		Path:      path,
		Digest:    snap.Digest,
		Agents:    len(snap.Agents),
		Obstacles: len(snap.Obstacles),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, runID: runID, snapshot: r, agents: snap.Agents}:
	default:
		s.dropSnapshots.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropFrameTotal:    s.dropFrames.Load(),
		DropSnapshotTotal: s.dropSnapshots.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFrame, _ := s.db.Prepare(`INSERT OR REPLACE INTO frames(run_id,tick,digest,agents,centroid_x,centroid_y) VALUES(?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(run_id,tick,path,digest,agents,obstacles) VALUES(?,?,?,?,?,?)`)
	insertAgent, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshot_agents(run_id,tick,agent_id,x,y,vx,vy,target_x,target_y) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertFrame, insertSnapshot, insertAgent} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqFrame:
			fr := r.frame
			if insertFrame != nil {
				if _, err := tx.Stmt(insertFrame).Exec(r.runID, int64(fr.Tick), fr.Digest, fr.Agents, fr.CentroidX, fr.CentroidY); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(r.runID, int64(sn.Tick), sn.Path, sn.Digest, sn.Agents, sn.Obstacles); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for _, a := range r.agents {
				if insertAgent == nil {
					break
				}
				if _, err := tx.Stmt(insertAgent).Exec(r.runID, int64(sn.Tick), a.ID, a.Pos[0], a.Pos[1], a.Vel[0], a.Vel[1], a.Target[0], a.Target[1]); err != nil {
					rollback()
					break
				}
				opCount++
			}
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
