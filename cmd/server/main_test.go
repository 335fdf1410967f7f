package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdsim/internal/logging"
	"crowdsim/internal/persistence/indexdb"
	persistlog "crowdsim/internal/persistence/log"
	"crowdsim/internal/persistence/snapshot"
	"crowdsim/internal/sim/world"
)

func writeTuning(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tick_rate_hz: 400
snapshot_every_ticks: 10
scenario: room
scenarios:
  room:
    count: 12
`), 0o644))
	return path
}

func onlyRun(t *testing.T, dataDir string) string {
	t.Helper()
	ents, err := os.ReadDir(runsDir(dataDir))
	require.NoError(t, err)
	require.Len(t, ents, 1)
	return ents[0].Name()
}

func runFor(t *testing.T, cfg serverConfig) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, runServer(ctx, cfg, logging.NewNop()))
}

func TestRunThenResume(t *testing.T) {
	dir := t.TempDir()
	cfg := serverConfig{
		Addr:       "127.0.0.1:0",
		DataDir:    filepath.Join(dir, "data"),
		TuningPath: writeTuning(t, dir),
		MaxTicks:   25,
	}
	runFor(t, cfg)

	runID := onlyRun(t, cfg.DataDir)
	runDir := filepath.Join(runsDir(cfg.DataDir), runID)

	meta, err := persistlog.ReadRunMeta(runDir)
	require.NoError(t, err)
	assert.Equal(t, "room", meta.Scenario)
	assert.Equal(t, int64(1337), meta.Seed)
	assert.Equal(t, 12, meta.Tuning.Count)

	latest := latestSnapshot(runDir)
	require.NotEmpty(t, latest)
	h, err := snapshot.ReadHeader(latest)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), h.Tick)

	var frames int
	require.NoError(t, persistlog.ReadFrames(runDir, func(world.Frame) error {
		frames++
		return nil
	}))
	assert.Equal(t, 25, frames)

	// Resume picks up the tick-20 snapshot, replays to it, then runs 20 more.
	cfg.RunID = runID
	cfg.MaxTicks = 20
	runFor(t, cfg)
	assert.Equal(t, runID, onlyRun(t, cfg.DataDir))

	h, err = snapshot.ReadHeader(latestSnapshot(runDir))
	require.NoError(t, err)
	assert.Equal(t, uint64(40), h.Tick)

	idx, err := indexdb.OpenSQLite(filepath.Join(runDir, "index", "run.sqlite"))
	require.NoError(t, err)
	defer idx.Close()
	n, err := idx.FrameCount(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
}

func TestResumeRejectsTamperedSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := serverConfig{
		Addr:       "127.0.0.1:0",
		DataDir:    filepath.Join(dir, "data"),
		TuningPath: writeTuning(t, dir),
		MaxTicks:   10,
		DisableDB:  true,
	}
	runFor(t, cfg)
	runDir := filepath.Join(runsDir(cfg.DataDir), onlyRun(t, cfg.DataDir))

	snap, err := snapshot.ReadSnapshot(latestSnapshot(runDir))
	require.NoError(t, err)
	snap.Digest = "0000000000000000"
	bad := filepath.Join(dir, "bad.snap.zst")
	require.NoError(t, snapshot.WriteSnapshot(bad, snap))

	cfg.SnapshotPath = bad
	cfg.MaxTicks = 20
	err = runServer(context.Background(), cfg, logging.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestRunMirrorsSnapshots(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	bucket := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.URL.Path)
		mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}))
	defer bucket.Close()
	t.Setenv("CROWDSIM_MIRROR_ENDPOINT", bucket.URL)
	t.Setenv("CROWDSIM_MIRROR_BUCKET", "runs-bucket")
	t.Setenv("CROWDSIM_MIRROR_ACCESS_KEY_ID", "AK")
	t.Setenv("CROWDSIM_MIRROR_SECRET_ACCESS_KEY", "SK")
	t.Setenv("CROWDSIM_MIRROR_PREFIX", "crowdsim")

	dir := t.TempDir()
	cfg := serverConfig{
		Addr:       "127.0.0.1:0",
		DataDir:    filepath.Join(dir, "data"),
		TuningPath: writeTuning(t, dir),
		MaxTicks:   25,
		DisableDB:  true,
	}
	runFor(t, cfg)
	runID := onlyRun(t, cfg.DataDir)

	mu.Lock()
	defer mu.Unlock()
	prefix := "/runs-bucket/crowdsim/runs/" + runID
	assert.Contains(t, keys, prefix+"/run.json")
	assert.Contains(t, keys, prefix+"/snapshots/000000000010.snap.zst")
	assert.Contains(t, keys, prefix+"/snapshots/000000000020.snap.zst")
}

func TestOpenSnapshotMirrorNeedsCredentials(t *testing.T) {
	t.Setenv("CROWDSIM_MIRROR_ENDPOINT", "http://127.0.0.1:1")
	t.Setenv("CROWDSIM_MIRROR_BUCKET", "")
	_, err := openSnapshotMirror(logging.NewNop())
	assert.Error(t, err)

	t.Setenv("CROWDSIM_MIRROR_ENDPOINT", "")
	m, err := openSnapshotMirror(logging.NewNop())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLoadTuningMissingFileUsesDefaults(t *testing.T) {
	tune, err := loadTuning(filepath.Join(t.TempDir(), "nope.yaml"), logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "room", tune.Scenario)
}

func TestPrepareRunRejectsUnknownScenario(t *testing.T) {
	tune, err := loadTuning("", logging.NewNop())
	require.NoError(t, err)
	_, err = prepareRun(serverConfig{DataDir: t.TempDir(), Scenario: "stadium"}, tune, logging.NewNop())
	assert.Error(t, err)

	_, err = prepareRun(serverConfig{DataDir: t.TempDir(), Policy: "jacobi"}, tune, logging.NewNop())
	assert.Error(t, err)
}

func TestMuxEndpoints(t *testing.T) {
	tune, err := loadTuning("", logging.NewNop())
	require.NoError(t, err)
	b, err := prepareRun(serverConfig{DataDir: t.TempDir(), Scenario: "crossing"}, tune, logging.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(newMux(b.world, nil, nil, false, logging.NewNop()))
	defer ts.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var sb strings.Builder
		_, _ = io.Copy(&sb, resp.Body)
		return resp.StatusCode, sb.String()
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `crowdsim_world_agents{world="world_1"} 2`)

	code, body = get("/v1/run")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"scenario":"crossing"`)

	code, _ = get("/v1/observer/bootstrap")
	assert.Equal(t, http.StatusOK, code)
}
