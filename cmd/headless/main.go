// Command headless runs scenarios as fast as possible, without the HTTP
// surface, and reports crowd statistics. It is the batch counterpart of
// cmd/server and produces identical digests for the same run parameters.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"crowdsim/internal/logging"
	"crowdsim/internal/sim/scenario"
	"crowdsim/internal/sim/steering"
	"crowdsim/internal/sim/tuning"
	"crowdsim/internal/sim/world"
)

func main() {
	var (
		name       = flag.String("scenario", "", "scenario to run, or \"all\" (default: tuning scenario)")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (defaults are used when missing)")
		seed       = flag.Int64("seed", 0, "scenario seed (0: tuning seed)")
		policy     = flag.String("policy", "", "update policy: sequential or simultaneous (default: tuning)")
		ticks      = flag.Int("ticks", 600, "ticks to simulate")
		logLevel   = flag.String("log_level", "warn", "log level")
	)
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		tune = tuning.Defaults()
	}

	opts := runOptions{Seed: tune.Seed, Policy: tune.UpdatePolicy, Ticks: *ticks}
	if *seed != 0 {
		opts.Seed = *seed
	}
	if *policy != "" {
		p, err := steering.ParseUpdatePolicy(*policy)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		opts.Policy = p
	}

	names := []string{tune.Scenario}
	switch {
	case *name == "all":
		names = scenario.Names()
	case *name != "":
		names = []string{*name}
	}

	results, err := runAll(context.Background(), tune, names, opts, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printResults(os.Stdout, results)
}

type runOptions struct {
	Seed   int64
	Policy steering.UpdatePolicy
	Ticks  int
}

// Stats summarises a finished run. Clearance is the smallest gap between two
// agent discs seen after any tick; negative values are overlap.
type Stats struct {
	Scenario       string
	Agents         int
	Ticks          int
	Digest         string
	MaxSpeedRatio  float64
	MinClearance   float64
	MaxPenetration float64
	Elapsed        time.Duration
}

// runAll simulates each scenario on its own goroutine. Worlds share nothing,
// so the results match sequential runs exactly.
func runAll(ctx context.Context, tune tuning.Tuning, names []string, opts runOptions, log logging.Log) ([]Stats, error) {
	var (
		mu  sync.Mutex
		out []Stats
	)
	for _, name := range names {
		if _, ok := tune.Scenarios[name]; !ok {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			s, err := runScenario(ctx, name, tune.Scenarios[name], opts, log.With(logging.String("scenario", name)))
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			mu.Lock()
			out = append(out, s)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scenario < out[j].Scenario })
	return out, nil
}

func runScenario(ctx context.Context, name string, st tuning.ScenarioTuning, opts runOptions, log logging.Log) (Stats, error) {
	w, err := scenario.NewWorld(name, st, world.WorldConfig{
		Seed:         opts.Seed,
		UpdatePolicy: opts.Policy,
	})
	if err != nil {
		return Stats{}, err
	}
	start := time.Now()
	s := Stats{Scenario: name, Agents: w.AgentCount(), MinClearance: math.Inf(1), Digest: w.LastDigest()}
	for i := 0; i < opts.Ticks; i++ {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		_, s.Digest = w.StepOnce()
		s.Ticks++
		observe(&s, w.Agents(), w.Obstacles())
		if (i+1)%200 == 0 {
			log.Debug("progress", logging.Int("tick", i+1), logging.String("digest", s.Digest))
		}
	}
	s.Elapsed = time.Since(start)
	log.Info("scenario done", logging.Int("ticks", s.Ticks), logging.Duration("elapsed", s.Elapsed))
	return s, nil
}

func observe(s *Stats, agents []*steering.Agent, obstacles []*steering.Obstacle) {
	for i, a := range agents {
		if c := a.MaxSpeed(); c > 0 {
			s.MaxSpeedRatio = math.Max(s.MaxSpeedRatio, a.Vel.Len()/c)
		}
		for _, b := range agents[i+1:] {
			s.MinClearance = math.Min(s.MinClearance, a.Pos.Dist(b.Pos)-a.Radius()-b.Radius())
		}
		for _, o := range obstacles {
			s.MaxPenetration = math.Max(s.MaxPenetration, o.Penetration(a))
		}
	}
}

func printResults(out io.Writer, results []Stats) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join([]string{"SCENARIO", "AGENTS", "TICKS", "DIGEST", "MAX_SPEED", "MIN_CLEARANCE", "MAX_PENETRATION", "ELAPSED"}, "\t"))
	for _, s := range results {
		gap := s.MinClearance
		if math.IsInf(gap, 1) {
			gap = 0
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%.3f\t%.3f\t%.3f\t%s\n",
			s.Scenario, s.Agents, s.Ticks, s.Digest, s.MaxSpeedRatio, gap, s.MaxPenetration, s.Elapsed.Round(time.Millisecond))
	}
	_ = tw.Flush()
}
