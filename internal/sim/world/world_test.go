package world

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdsim/internal/observerproto"
	"crowdsim/internal/persistence/snapshot"
	"crowdsim/internal/sim/geom"
	"crowdsim/internal/sim/steering"
)

var testParams = steering.Params{Radius: 3, MaxSpeed: 30, MaxForce: 50, Horizon: 10, K: 3, Avoid: 15, Sidestep: 15}

func buildCrowd(t *testing.T, seed int64, n int) ([]*steering.Agent, []*steering.Obstacle) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	agents := make([]*steering.Agent, 0, n)
	for i := 0; i < n; i++ {
		a, err := steering.NewAgent(i, geom.V(50+rng.Float64()*200, 50+rng.Float64()*200), testParams)
		require.NoError(t, err)
		a.Target = geom.V(300-a.Pos.X, 300-a.Pos.Y)
		agents = append(agents, a)
	}
	wall, err := steering.NewObstacle(100, steering.Vertical, geom.V(150, 150), 0)
	require.NoError(t, err)
	return agents, []*steering.Obstacle{wall}
}

func newTestWorld(t *testing.T, cfg WorldConfig, seed int64, n int, ctrl Controller) *World {
	t.Helper()
	if cfg.Timestep == 0 {
		cfg.Timestep = 0.05
	}
	agents, obstacles := buildCrowd(t, seed, n)
	w, err := New(cfg, agents, obstacles, ctrl)
	require.NoError(t, err)
	return w
}

type funcController struct {
	calls int
	fn    func(env Env)
}

func (c *funcController) Name() string { return "func" }
func (c *funcController) Update(env Env) {
	c.calls++
	if c.fn != nil {
		c.fn(env)
	}
}

type frameRecorder struct{ frames []Frame }

func (r *frameRecorder) WriteFrame(f Frame) error {
	r.frames = append(r.frames, f)
	return nil
}

func TestNewValidates(t *testing.T) {
	a, err := steering.NewAgent(1, geom.V(0, 0), testParams)
	require.NoError(t, err)
	b, err := steering.NewAgent(1, geom.V(10, 0), testParams)
	require.NoError(t, err)

	_, err = New(WorldConfig{Timestep: 0.05}, []*steering.Agent{a, b}, nil, nil)
	assert.Error(t, err, "duplicate ids")

	_, err = New(WorldConfig{Timestep: 0}, []*steering.Agent{a}, nil, nil)
	assert.Error(t, err, "zero timestep")

	_, err = New(WorldConfig{Timestep: 0.05}, []*steering.Agent{a, nil}, nil, nil)
	assert.Error(t, err, "nil agent")

	w, err := New(WorldConfig{Timestep: 0.05}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "world_1", w.ID())
	assert.Equal(t, 20, w.Config().TickRateHz)
}

func TestAgentsKeptInIDOrder(t *testing.T) {
	var agents []*steering.Agent
	for _, id := range []int{5, 2, 9, 0} {
		a, err := steering.NewAgent(id, geom.V(float64(id*10), 0), testParams)
		require.NoError(t, err)
		agents = append(agents, a)
	}
	w, err := New(WorldConfig{Timestep: 0.05}, agents, nil, nil)
	require.NoError(t, err)
	ids := []int{}
	for _, a := range w.Agents() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []int{0, 2, 5, 9}, ids)
	assert.Equal(t, 9, w.Agent(9).ID)
	assert.Nil(t, w.Agent(3))
}

func TestStepOnceIsDeterministic(t *testing.T) {
	for _, policy := range []steering.UpdatePolicy{steering.Sequential, steering.Simultaneous} {
		w1 := newTestWorld(t, WorldConfig{UpdatePolicy: policy}, 42, 40, nil)
		w2 := newTestWorld(t, WorldConfig{UpdatePolicy: policy}, 42, 40, nil)
		for i := 0; i < 200; i++ {
			t1, d1 := w1.StepOnce()
			t2, d2 := w2.StepOnce()
			require.Equal(t, uint64(i), t1)
			require.Equal(t, t1, t2)
			require.Equal(t, d1, d2, "policy %s tick %d", policy, i)
		}
	}
}

func TestPolicyChangesOutcome(t *testing.T) {
	w1 := newTestWorld(t, WorldConfig{UpdatePolicy: steering.Sequential}, 7, 30, nil)
	w2 := newTestWorld(t, WorldConfig{UpdatePolicy: steering.Simultaneous}, 7, 30, nil)
	var d1, d2 string
	for i := 0; i < 50; i++ {
		_, d1 = w1.StepOnce()
		_, d2 = w2.StepOnce()
	}
	assert.NotEqual(t, d1, d2)
}

func TestSpeedNeverExceedsCap(t *testing.T) {
	w := newTestWorld(t, WorldConfig{}, 3, 60, nil)
	for i := 0; i < 150; i++ {
		w.StepOnce()
		for _, a := range w.Agents() {
			require.LessOrEqual(t, a.Vel.Len(), a.MaxSpeed()+1e-9)
		}
	}
}

func TestControllerRunsBeforeSteering(t *testing.T) {
	a, err := steering.NewAgent(0, geom.V(0, 0), testParams)
	require.NoError(t, err)
	ctrl := &funcController{fn: func(env Env) {
		env.Agent(0).Target = geom.V(100, 0)
	}}
	w, err := New(WorldConfig{Timestep: 0.05}, []*steering.Agent{a}, nil, ctrl)
	require.NoError(t, err)

	w.StepOnce()
	assert.Equal(t, 1, ctrl.calls)
	assert.Greater(t, a.Vel.X, 0.0)
	assert.InDelta(t, 0, a.Vel.Y, 1e-12)
	assert.Equal(t, "func", w.ControllerName())
}

func TestFramesRecorded(t *testing.T) {
	w := newTestWorld(t, WorldConfig{}, 1, 5, nil)
	rec := &frameRecorder{}
	w.SetFrameLogger(rec)
	for i := 0; i < 3; i++ {
		w.StepOnce()
	}
	require.Len(t, rec.frames, 3)
	last := rec.frames[2]
	assert.Equal(t, uint64(2), last.Tick)
	assert.Equal(t, w.LastDigest(), last.Digest)
	require.Len(t, last.Positions, 5)
	for _, a := range w.Agents() {
		assert.Equal(t, a.Pos, last.Positions[a.ID])
	}
	assert.Equal(t, last.Tick, w.Frame().Tick)
}

func TestSnapshotSinkCadence(t *testing.T) {
	w := newTestWorld(t, WorldConfig{SnapshotEveryTicks: 5, Scenario: "test", RunID: "r1"}, 1, 5, nil)
	sink := make(chan snapshot.SnapshotV1, 4)
	w.SetSnapshotSink(sink)
	for i := 0; i < 10; i++ {
		w.StepOnce()
	}
	require.Len(t, sink, 2)
	s1 := <-sink
	s2 := <-sink
	assert.Equal(t, uint64(5), s1.Header.Tick)
	assert.Equal(t, uint64(10), s2.Header.Tick)
	assert.Equal(t, "r1", s2.Header.RunID)
	assert.Equal(t, w.LastDigest(), s2.Digest)
}

func TestSnapshotRoundTripContinuesIdentically(t *testing.T) {
	w := newTestWorld(t, WorldConfig{Scenario: "test", Seed: 9}, 11, 30, nil)
	w.Agent(3).SetSpeedCap(45)
	w.Agent(4).SetHorizon(2)
	for i := 0; i < 20; i++ {
		w.StepOnce()
	}
	snap := w.ExportSnapshot()
	assert.Equal(t, uint64(20), snap.Header.Tick)

	path := snapshot.PathFor(t.TempDir(), snap.Header.Tick)
	require.NoError(t, snapshot.WriteSnapshot(path, snap))
	loaded, err := snapshot.ReadSnapshot(path)
	require.NoError(t, err)

	w2, err := ImportSnapshot(WorldConfig{}, loaded, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), w2.CurrentTick())
	assert.Equal(t, w.LastDigest(), w2.LastDigest())
	assert.Equal(t, 45.0, w2.Agent(3).MaxSpeed())
	assert.Equal(t, 2.0, w2.Agent(4).Horizon())

	for i := 0; i < 30; i++ {
		_, d1 := w.StepOnce()
		_, d2 := w2.StepOnce()
		require.Equal(t, d1, d2, "tick %d", i)
	}
}

func TestImportSnapshotRejectsTamperedState(t *testing.T) {
	w := newTestWorld(t, WorldConfig{}, 2, 4, nil)
	w.StepOnce()
	snap := w.ExportSnapshot()
	snap.Agents[0].Pos[0] += 1
	_, err := ImportSnapshot(WorldConfig{}, snap, nil)
	assert.Error(t, err)
}

func TestDigestCoversOverrides(t *testing.T) {
	w := newTestWorld(t, WorldConfig{}, 2, 4, nil)
	w.StepOnce()
	base := Digest(w.CurrentTick(), w.Agents(), w.Obstacles())

	w.Agent(1).SetSpeedCap(12)
	capped := Digest(w.CurrentTick(), w.Agents(), w.Obstacles())
	assert.NotEqual(t, base, capped)

	w.Agent(1).SetHorizon(0)
	assert.NotEqual(t, capped, Digest(w.CurrentTick(), w.Agents(), w.Obstacles()), "zero horizon differs from no horizon")

	w.Agent(1).ClearOverrides()
	assert.Equal(t, base, Digest(w.CurrentTick(), w.Agents(), w.Obstacles()))
}

func TestImportSnapshotRejectsTamperedOverride(t *testing.T) {
	w := newTestWorld(t, WorldConfig{}, 2, 4, nil)
	w.Agent(0).SetSpeedCap(20)
	w.StepOnce()
	snap := w.ExportSnapshot()
	snap.Agents[0].SpeedCap = 25
	_, err := ImportSnapshot(WorldConfig{}, snap, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestFastForwardVerifiesDigest(t *testing.T) {
	ref := newTestWorld(t, WorldConfig{}, 5, 10, nil)
	for i := 0; i < 15; i++ {
		ref.StepOnce()
	}

	w := newTestWorld(t, WorldConfig{}, 5, 10, nil)
	require.NoError(t, w.FastForward(15, ref.LastDigest()))

	other := newTestWorld(t, WorldConfig{}, 6, 10, nil)
	assert.Error(t, other.FastForward(15, ref.LastDigest()))
	assert.Error(t, other.FastForward(3, ""))
}

func TestObserverReceivesTicks(t *testing.T) {
	w := newTestWorld(t, WorldConfig{}, 1, 3, nil)
	out := make(chan []byte, 4)
	w.handleObserverJoin(ObserverJoinRequest{SessionID: "O1", TickOut: out, EveryTicks: 2, WithVelocity: true})

	w.StepOnce() // tick 0
	w.StepOnce() // tick 1, skipped
	w.StepOnce() // tick 2
	require.Len(t, out, 2)

	var first, second observerproto.TickMsg
	require.NoError(t, json.Unmarshal(<-out, &first))
	require.NoError(t, json.Unmarshal(<-out, &second))

	assert.Equal(t, "TICK", first.Type)
	assert.Equal(t, uint64(0), first.Tick)
	assert.Len(t, first.Agents, 3)
	assert.NotNil(t, first.Agents[0].Vel)
	assert.Len(t, first.Obstacles, 1, "first message carries obstacles")

	assert.Equal(t, uint64(2), second.Tick)
	assert.Empty(t, second.Obstacles, "static obstacles are not resent")
	assert.Equal(t, w.LastDigest(), second.Digest)

	w.handleObserverSubscribe(ObserverSubscribeRequest{SessionID: "O1", EveryTicks: 1})
	w.Obstacles()[0].Reposition(geom.V(160, 150))
	w.StepOnce()
	var third observerproto.TickMsg
	require.NoError(t, json.Unmarshal(<-out, &third))
	assert.Nil(t, third.Agents[0].Vel)
	require.Len(t, third.Obstacles, 1)
	assert.Equal(t, [2]float64{158, 100}, third.Obstacles[0].Min)

	w.handleObserverLeave("O1")
	_, ok := <-out
	assert.False(t, ok, "channel closed on leave")
}

func TestObserverGetsObstacleMoveFromSkippedTick(t *testing.T) {
	a, err := steering.NewAgent(0, geom.V(-50, -50), testParams)
	require.NoError(t, err)
	wall, err := steering.NewObstacle(20, steering.Horizontal, geom.V(0, 0), 4)
	require.NoError(t, err)
	ctrl := &funcController{fn: func(env Env) {
		if env.Tick() == 1 {
			env.Obstacles()[0].Reposition(geom.V(100, 100))
		}
	}}
	w, err := New(WorldConfig{Timestep: 0.05}, []*steering.Agent{a}, []*steering.Obstacle{wall}, ctrl)
	require.NoError(t, err)

	out := make(chan []byte, 8)
	w.handleObserverJoin(ObserverJoinRequest{SessionID: "O1", TickOut: out, EveryTicks: 2})
	for i := 0; i < 5; i++ {
		w.StepOnce()
	}
	require.Len(t, out, 3)

	msgs := make([]observerproto.TickMsg, 3)
	for i := range msgs {
		require.NoError(t, json.Unmarshal(<-out, &msgs[i]))
	}
	assert.Equal(t, uint64(0), msgs[0].Tick)
	require.Len(t, msgs[0].Obstacles, 1)
	assert.Equal(t, [2]float64{-10, -2}, msgs[0].Obstacles[0].Min)

	// The move happened on tick 1, which this client skips.
	assert.Equal(t, uint64(2), msgs[1].Tick)
	require.Len(t, msgs[1].Obstacles, 1)
	assert.Equal(t, [2]float64{90, 98}, msgs[1].Obstacles[0].Min)
	assert.Equal(t, [2]float64{110, 102}, msgs[1].Obstacles[0].Max)

	assert.Equal(t, uint64(4), msgs[2].Tick)
	assert.Empty(t, msgs[2].Obstacles)
}

func TestSendLatestDropsOldest(t *testing.T) {
	ch := make(chan []byte, 1)
	sendLatest(ch, []byte("a"))
	sendLatest(ch, []byte("b"))
	assert.Equal(t, "b", string(<-ch))
}

func TestRunStopsAtMaxTicks(t *testing.T) {
	w := newTestWorld(t, WorldConfig{TickRateHz: 1000, MaxTicks: 5}, 1, 3, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))
	assert.Equal(t, uint64(5), w.CurrentTick())
}

func TestRunCountsMaxTicksFromResumeTick(t *testing.T) {
	w := newTestWorld(t, WorldConfig{TickRateHz: 1000, MaxTicks: 5}, 1, 3, nil)
	for i := 0; i < 7; i++ {
		w.StepOnce()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))
	assert.Equal(t, uint64(12), w.CurrentTick())
}

func TestRunStopsOnStop(t *testing.T) {
	w := newTestWorld(t, WorldConfig{TickRateHz: 200}, 1, 3, nil)
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	w.Stop()
	w.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
