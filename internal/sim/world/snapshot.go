package world

import (
	"fmt"

	"crowdsim/internal/persistence/snapshot"
	"crowdsim/internal/sim/geom"
	"crowdsim/internal/sim/steering"
)

// ExportSnapshot captures the state after CurrentTick ticks.
// Not safe to call concurrently with Run.
func (w *World) ExportSnapshot() snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: w.cfg.ID,
			RunID:   w.cfg.RunID,
			Tick:    w.tick.Load(),
		},
		Scenario:     w.cfg.Scenario,
		Seed:         w.cfg.Seed,
		TickRateHz:   w.cfg.TickRateHz,
		Timestep:     w.cfg.Timestep,
		UpdatePolicy: w.cfg.UpdatePolicy.String(),
		Digest:       w.lastDigest,
		Agents:       make([]snapshot.AgentV1, 0, len(w.agents)),
		Obstacles:    make([]snapshot.ObstacleV1, 0, len(w.obstacles)),
	}
	for _, a := range w.agents {
		p := a.Params()
		speedCap, horizon, hasHorizon := a.Overrides()
		snap.Agents = append(snap.Agents, snapshot.AgentV1{
			ID:         a.ID,
			Pos:        [2]float64{a.Pos.X, a.Pos.Y},
			Vel:        [2]float64{a.Vel.X, a.Vel.Y},
			Target:     [2]float64{a.Target.X, a.Target.Y},
			Radius:     p.Radius,
			MaxSpeed:   p.MaxSpeed,
			MaxForce:   p.MaxForce,
			Horizon:    p.Horizon,
			K:          p.K,
			Avoid:      p.Avoid,
			Sidestep:   p.Sidestep,
			SpeedCap:   speedCap,
			HorizonCap: horizon,
			HasHorizon: hasHorizon,
		})
	}
	for _, o := range w.obstacles {
		c := o.Center()
		snap.Obstacles = append(snap.Obstacles, snapshot.ObstacleV1{
			Center:    [2]float64{c.X, c.Y},
			Vertical:  o.Orientation() == steering.Vertical,
			Length:    o.Length(),
			Thickness: o.Thickness(),
		})
	}
	return snap
}

// ImportSnapshot builds a world holding exactly the snapshot's agents and
// obstacles. Controller state is not part of a snapshot; callers that need
// to continue a scenario rebuild it from the seed instead (see FastForward).
func ImportSnapshot(cfg WorldConfig, snap snapshot.SnapshotV1, ctrl Controller) (*World, error) {
	if snap.Header.Version != snapshot.Version {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	policy, err := steering.ParseUpdatePolicy(snap.UpdatePolicy)
	if err != nil {
		return nil, err
	}
	cfg.Scenario = snap.Scenario
	cfg.Seed = snap.Seed
	cfg.Timestep = snap.Timestep
	cfg.UpdatePolicy = policy
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = snap.TickRateHz
	}
	if cfg.RunID == "" {
		cfg.RunID = snap.Header.RunID
	}
	if cfg.ID == "" {
		cfg.ID = snap.Header.WorldID
	}

	agents := make([]*steering.Agent, 0, len(snap.Agents))
	for _, sa := range snap.Agents {
		a, err := steering.NewAgent(sa.ID, geom.V(sa.Pos[0], sa.Pos[1]), steering.Params{
			Radius:   sa.Radius,
			MaxSpeed: sa.MaxSpeed,
			MaxForce: sa.MaxForce,
			Horizon:  sa.Horizon,
			K:        sa.K,
			Avoid:    sa.Avoid,
			Sidestep: sa.Sidestep,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %d: %w", sa.ID, err)
		}
		a.Vel = geom.V(sa.Vel[0], sa.Vel[1])
		a.Target = geom.V(sa.Target[0], sa.Target[1])
		a.SetSpeedCap(sa.SpeedCap)
		if sa.HasHorizon {
			a.SetHorizon(sa.HorizonCap)
		}
		agents = append(agents, a)
	}
	obstacles := make([]*steering.Obstacle, 0, len(snap.Obstacles))
	for i, so := range snap.Obstacles {
		orient := steering.Horizontal
		if so.Vertical {
			orient = steering.Vertical
		}
		o, err := steering.NewObstacle(so.Length, orient, geom.V(so.Center[0], so.Center[1]), so.Thickness)
		if err != nil {
			return nil, fmt.Errorf("obstacle %d: %w", i, err)
		}
		obstacles = append(obstacles, o)
	}

	w, err := New(cfg, agents, obstacles, ctrl)
	if err != nil {
		return nil, err
	}
	w.tick.Store(snap.Header.Tick)
	w.lastDigest = Digest(snap.Header.Tick, w.agents, w.obstacles)
	if snap.Digest != "" && w.lastDigest != snap.Digest {
		return nil, fmt.Errorf("snapshot digest mismatch at tick %d: have %s want %s", snap.Header.Tick, w.lastDigest, snap.Digest)
	}
	return w, nil
}

// FastForward steps the world until CurrentTick reaches tick and checks the
// resulting digest against want (when non-empty).
func (w *World) FastForward(tick uint64, want string) error {
	for w.tick.Load() < tick {
		w.StepOnce()
	}
	if w.tick.Load() != tick {
		return fmt.Errorf("world already past tick %d (at %d)", tick, w.tick.Load())
	}
	if want != "" && w.lastDigest != want {
		return fmt.Errorf("digest mismatch at tick %d: have %s want %s", tick, w.lastDigest, want)
	}
	return nil
}
