package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crowdsim/internal/logging"
	"crowdsim/internal/persistence/indexdb"
	persistlog "crowdsim/internal/persistence/log"
	"crowdsim/internal/persistence/s3mirror"
	"crowdsim/internal/persistence/snapshot"
	"crowdsim/internal/sim/scenario"
	"crowdsim/internal/sim/steering"
	"crowdsim/internal/sim/tuning"
	"crowdsim/internal/sim/world"
	"crowdsim/internal/transport/observer"
)

type serverConfig struct {
	Addr       string
	DataDir    string
	TuningPath string
	Scenario   string
	Seed       int64
	Policy     string
	MaxTicks   uint64
	DisableDB  bool
	Pprof      bool

	// Resume: RunID alone picks the run's latest snapshot.
	RunID        string
	SnapshotPath string
}

func main() {
	var (
		cfg      serverConfig
		logLevel string
	)
	flag.StringVar(&cfg.Addr, "addr", ":8080", "http listen address")
	flag.StringVar(&cfg.DataDir, "data", "./data", "runtime data directory")
	flag.StringVar(&cfg.TuningPath, "tuning", "./configs/tuning.yaml", "path to tuning.yaml (defaults are used when missing)")
	flag.StringVar(&cfg.Scenario, "scenario", "", "scenario to run (default: tuning scenario); one of "+strings.Join(scenario.Names(), ", "))
	flag.Int64Var(&cfg.Seed, "seed", 0, "scenario seed (0: tuning seed)")
	flag.StringVar(&cfg.Policy, "policy", "", "update policy: sequential or simultaneous (default: tuning)")
	flag.Uint64Var(&cfg.MaxTicks, "ticks", 0, "stop after running this many ticks, counted from the start or resume tick (0: run until interrupted)")
	flag.BoolVar(&cfg.DisableDB, "disable_db", false, "disable the sqlite run index")
	flag.BoolVar(&cfg.Pprof, "pprof", false, "serve /debug/pprof")
	flag.StringVar(&cfg.RunID, "run", "", "resume this run id from its latest snapshot")
	flag.StringVar(&cfg.SnapshotPath, "snapshot", "", "resume from this snapshot file")
	flag.StringVar(&logLevel, "log_level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runServer(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", logging.Err(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// runServer builds (or resumes) a run and serves it until ctx is done or the
// tick limit is reached.
func runServer(ctx context.Context, cfg serverConfig, log logging.Log) error {
	tune, err := loadTuning(cfg.TuningPath, log)
	if err != nil {
		return err
	}

	b, err := prepareRun(cfg, tune, log)
	if err != nil {
		return err
	}
	w, runDir := b.world, b.runDir
	log = log.With(logging.String("run_id", w.Config().RunID))
	w.SetLogger(log.With(logging.String("world_id", w.ID())))

	idx, err := openRuntimeIndex(runDir, cfg.DisableDB, log)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	if idx != nil {
		defer idx.Close()
		st, _ := json.Marshal(b.meta.Tuning)
		if err := idx.RecordRun(ctx, indexdb.RunRow{
			RunID:        b.meta.RunID,
			WorldID:      b.meta.WorldID,
			Scenario:     b.meta.Scenario,
			Seed:         b.meta.Seed,
			TickRateHz:   b.meta.TickRateHz,
			Timestep:     b.meta.Tuning.Timestep,
			UpdatePolicy: b.meta.UpdatePolicy,
			AgentCount:   w.AgentCount(),
			TuningJSON:   string(st),
			CreatedAt:    b.meta.CreatedAt,
		}); err != nil {
			return fmt.Errorf("index run: %w", err)
		}
	}

	mirror, err := openSnapshotMirror(log)
	if err != nil {
		return err
	}
	// Closed after g.Wait, once the snapshot writer has exited.
	defer mirror.Close()
	mirror.Push(s3mirror.RunMeta(b.meta.RunID, filepath.Join(runDir, persistlog.RunMetaFile)))

	frames := persistlog.NewFrameLogger(runDir)
	defer frames.Close()
	if idx != nil {
		w.SetFrameLogger(persistlog.Tee(frames, idx))
	} else {
		w.SetFrameLogger(frames)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	snapCh := make(chan snapshot.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)
	g.Go(func() error {
		snapDir := filepath.Join(runDir, "snapshots")
		write := func(snap snapshot.SnapshotV1) {
			path := snapshot.PathFor(snapDir, snap.Header.Tick)
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				log.Warn("snapshot write failed", logging.Uint64("tick", snap.Header.Tick), logging.Err(err))
				return
			}
			log.Debug("snapshot written", logging.Uint64("tick", snap.Header.Tick), logging.String("path", path))
			if idx != nil {
				idx.RecordSnapshot(path, snap)
			}
			mirror.Push(s3mirror.Snapshot(b.meta.RunID, snap.Header.Tick, path))
		}
		for {
			select {
			case <-gctx.Done():
				// Flush what the world already handed over.
				for {
					select {
					case snap := <-snapCh:
						write(snap)
					default:
						return nil
					}
				}
			case snap := <-snapCh:
				write(snap)
			}
		}
	})

	g.Go(func() error {
		// A tick limit ends the whole run, not just the loop.
		defer cancel()
		if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("world: %w", err)
		}
		return nil
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(w, idx, mirror, cfg.Pprof, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info("listening", logging.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info("run finished",
		logging.Uint64("ticks", w.CurrentTick()),
		logging.String("digest", w.LastDigest()),
		logging.String("run_dir", runDir),
	)
	return err
}

func loadTuning(path string, log logging.Log) (tuning.Tuning, error) {
	if strings.TrimSpace(path) == "" {
		return tuning.Defaults(), nil
	}
	tune, err := tuning.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info("tuning not found; using defaults", logging.String("path", path))
			return tuning.Defaults(), nil
		}
		return tune, fmt.Errorf("load tuning: %w", err)
	}
	return tune, nil
}

type builtRun struct {
	world  *world.World
	runDir string
	meta   persistlog.RunMeta
}

// prepareRun starts a fresh run, or rebuilds a stored one from its seed and
// fast-forwards it to a snapshot. Scenario controllers are not serialized, so
// replaying from tick zero is the only way to resume them exactly.
func prepareRun(cfg serverConfig, tune tuning.Tuning, log logging.Log) (builtRun, error) {
	snapPath := strings.TrimSpace(cfg.SnapshotPath)
	if snapPath == "" && cfg.RunID != "" {
		snapPath = latestSnapshot(filepath.Join(runsDir(cfg.DataDir), cfg.RunID))
		if snapPath == "" {
			return builtRun{}, fmt.Errorf("run %s has no snapshots", cfg.RunID)
		}
	}
	if snapPath != "" {
		return resumeRun(cfg, tune, snapPath, log)
	}

	name := tune.Scenario
	if cfg.Scenario != "" {
		name = cfg.Scenario
	}
	st, ok := tune.Scenarios[name]
	if !ok {
		return builtRun{}, fmt.Errorf("unknown scenario %q", name)
	}
	seed := tune.Seed
	if cfg.Seed != 0 {
		seed = cfg.Seed
	}
	policy := tune.UpdatePolicy
	if cfg.Policy != "" {
		p, err := steering.ParseUpdatePolicy(cfg.Policy)
		if err != nil {
			return builtRun{}, err
		}
		policy = p
	}

	wcfg := world.WorldConfig{
		RunID:              uuid.NewString(),
		Seed:               seed,
		TickRateHz:         tune.TickRateHz,
		Timestep:           st.Timestep,
		UpdatePolicy:       policy,
		SnapshotEveryTicks: tune.SnapshotEveryTicks,
		MaxTicks:           cfg.MaxTicks,
	}
	w, err := scenario.NewWorld(name, st, wcfg)
	if err != nil {
		return builtRun{}, err
	}
	runDir := filepath.Join(runsDir(cfg.DataDir), wcfg.RunID)
	meta := persistlog.RunMeta{
		RunID:        wcfg.RunID,
		WorldID:      w.ID(),
		Scenario:     name,
		Seed:         seed,
		TickRateHz:   w.Config().TickRateHz,
		UpdatePolicy: policy.String(),
		Tuning:       st,
		CreatedAt:    time.Now().UTC(),
	}
	if err := persistlog.WriteRunMeta(runDir, meta); err != nil {
		return builtRun{}, fmt.Errorf("write run meta: %w", err)
	}
	log.Info("run started",
		logging.String("run_id", meta.RunID),
		logging.String("scenario", name),
		logging.Int64("seed", seed),
		logging.String("policy", meta.UpdatePolicy),
		logging.Int("agents", w.AgentCount()),
	)
	return builtRun{world: w, runDir: runDir, meta: meta}, nil
}

func resumeRun(cfg serverConfig, tune tuning.Tuning, snapPath string, log logging.Log) (builtRun, error) {
	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		return builtRun{}, fmt.Errorf("read snapshot: %w", err)
	}
	runID := snap.Header.RunID
	if runID == "" {
		return builtRun{}, fmt.Errorf("snapshot %s has no run id", snapPath)
	}
	runDir := filepath.Join(runsDir(cfg.DataDir), runID)

	meta, err := persistlog.ReadRunMeta(runDir)
	if err != nil {
		// Without run.json fall back to current tuning; the digest check
		// below catches any drift.
		st, ok := tune.Scenarios[snap.Scenario]
		if !ok {
			return builtRun{}, fmt.Errorf("unknown scenario %q in snapshot", snap.Scenario)
		}
		st.Timestep = snap.Timestep
		meta = persistlog.RunMeta{
			RunID:        runID,
			WorldID:      snap.Header.WorldID,
			Scenario:     snap.Scenario,
			Seed:         snap.Seed,
			TickRateHz:   snap.TickRateHz,
			UpdatePolicy: snap.UpdatePolicy,
			Tuning:       st,
			CreatedAt:    time.Now().UTC(),
		}
		log.Warn("run meta unavailable; rebuilding from snapshot header", logging.Err(err))
	}
	policy, err := steering.ParseUpdatePolicy(meta.UpdatePolicy)
	if err != nil {
		return builtRun{}, err
	}

	w, err := scenario.NewWorld(meta.Scenario, meta.Tuning, world.WorldConfig{
		ID:                 meta.WorldID,
		RunID:              runID,
		Seed:               meta.Seed,
		TickRateHz:         meta.TickRateHz,
		Timestep:           meta.Tuning.Timestep,
		UpdatePolicy:       policy,
		SnapshotEveryTicks: tune.SnapshotEveryTicks,
		MaxTicks:           cfg.MaxTicks,
	})
	if err != nil {
		return builtRun{}, err
	}
	if err := w.FastForward(snap.Header.Tick, snap.Digest); err != nil {
		return builtRun{}, fmt.Errorf("resume %s: %w", filepath.Base(snapPath), err)
	}
	log.Info("resumed from snapshot",
		logging.String("snapshot", filepath.Base(snapPath)),
		logging.Uint64("tick", w.CurrentTick()),
		logging.String("digest", w.LastDigest()),
	)
	return builtRun{world: w, runDir: runDir, meta: meta}, nil
}

func runsDir(dataDir string) string { return filepath.Join(dataDir, "runs") }

// latestSnapshot returns the highest-tick snapshot of a run, or "".
func latestSnapshot(runDir string) string {
	dir := filepath.Join(runDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			continue
		}
		if best == "" || h.Tick > bestTick {
			best, bestTick = p, h.Tick
		}
	}
	return best
}

func newMux(w *world.World, idx *indexdb.SQLiteIndex, mirror *s3mirror.Mirror, enablePprof bool, log logging.Log) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(w, idx, mirror))
	mux.HandleFunc("/v1/run", func(rw http.ResponseWriter, r *http.Request) {
		cfg := w.Config()
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"run_id":        cfg.RunID,
			"world_id":      cfg.ID,
			"scenario":      cfg.Scenario,
			"seed":          cfg.Seed,
			"update_policy": cfg.UpdatePolicy.String(),
			"controller":    w.ControllerName(),
			"agents":        w.AgentCount(),
			"tick":          w.CurrentTick(),
		})
	})

	obs := observer.NewServer(w, log.With(logging.String("component", "observer")))
	mux.Handle("/v1/observer/", obs.Handler())

	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func metricsHandler(w *world.World, idx *indexdb.SQLiteIndex, mirror *s3mirror.Mirror) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		id := w.ID()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP crowdsim_world_tick Executed ticks.\n")
		fmt.Fprintf(rw, "# TYPE crowdsim_world_tick counter\n")
		fmt.Fprintf(rw, "crowdsim_world_tick{world=%q} %d\n", id, w.CurrentTick())

		fmt.Fprintf(rw, "# HELP crowdsim_world_agents Agents in the world.\n")
		fmt.Fprintf(rw, "# TYPE crowdsim_world_agents gauge\n")
		fmt.Fprintf(rw, "crowdsim_world_agents{world=%q} %d\n", id, w.AgentCount())

		if mirror != nil {
			ms := mirror.Stats()
			fmt.Fprintf(rw, "# HELP crowdsim_mirror_uploads_total Snapshot mirror uploads by result.\n")
			fmt.Fprintf(rw, "# TYPE crowdsim_mirror_uploads_total counter\n")
			fmt.Fprintf(rw, "crowdsim_mirror_uploads_total{world=%q,result=%q} %d\n", id, "ok", ms.UploadSuccessTotal)
			fmt.Fprintf(rw, "crowdsim_mirror_uploads_total{world=%q,result=%q} %d\n", id, "fail", ms.UploadFailTotal)
			fmt.Fprintf(rw, "crowdsim_mirror_uploads_total{world=%q,result=%q} %d\n", id, "dropped", ms.DroppedTotal)
			fmt.Fprintf(rw, "crowdsim_mirror_queue_depth{world=%q} %d\n", id, ms.QueueDepth)
		}

		if idx == nil {
			return
		}
		s := idx.Stats()
		fmt.Fprintf(rw, "# HELP crowdsim_index_queue_depth Index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE crowdsim_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "crowdsim_index_queue_depth{world=%q} %d\n", id, s.QueueDepth)
		fmt.Fprintf(rw, "crowdsim_index_queue_capacity{world=%q} %d\n", id, s.QueueCapacity)

		fmt.Fprintf(rw, "# HELP crowdsim_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE crowdsim_index_dropped_total counter\n")
		fmt.Fprintf(rw, "crowdsim_index_dropped_total{world=%q,kind=%q} %d\n", id, "frame", s.DropFrameTotal)
		fmt.Fprintf(rw, "crowdsim_index_dropped_total{world=%q,kind=%q} %d\n", id, "snapshot", s.DropSnapshotTotal)
	}
}
