package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdsim/internal/sim/geom"
	"crowdsim/internal/sim/steering"
	"crowdsim/internal/sim/tuning"
	"crowdsim/internal/sim/world"
)

// fakeEnv drives a controller without a world.
type fakeEnv struct {
	tick      uint64
	dt        float64
	agents    []*steering.Agent
	obstacles []*steering.Obstacle
}

func (e *fakeEnv) Tick() uint64                    { return e.tick }
func (e *fakeEnv) Timestep() float64               { return e.dt }
func (e *fakeEnv) Agents() []*steering.Agent       { return e.agents }
func (e *fakeEnv) Obstacles() []*steering.Obstacle { return e.obstacles }

func (e *fakeEnv) Agent(id int) *steering.Agent {
	for _, a := range e.agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func scenarioTuning(t *testing.T, name string, count int) tuning.ScenarioTuning {
	t.Helper()
	st, ok := tuning.Defaults().Scenarios[name]
	require.True(t, ok, name)
	if count > 0 {
		st.Count = count
	}
	return st
}

func newScenarioWorld(t *testing.T, name string, count int, seed int64) *world.World {
	t.Helper()
	w, err := NewWorld(name, scenarioTuning(t, name, count), world.WorldConfig{Seed: seed})
	require.NoError(t, err)
	return w
}

func agentAt(t *testing.T, id int, pos geom.Vec2, p steering.Params) *steering.Agent {
	t.Helper()
	a, err := steering.NewAgent(id, pos, p)
	require.NoError(t, err)
	return a
}

func TestNamesAndUnknown(t *testing.T) {
	assert.Equal(t, []string{"airplane", "crossing", "museum", "performer", "room", "subway", "walkway"}, Names())

	_, err := Build("nope", scenarioTuning(t, "room", 0), 1)
	assert.Error(t, err)

	st := scenarioTuning(t, "room", 0)
	st.Agent.Radius = -1
	_, err = Build("room", st, 1)
	assert.Error(t, err)
}

func TestEveryScenarioBuilds(t *testing.T) {
	want := map[string]int{
		"room":      150,
		"walkway":   75,
		"subway":    40,
		"museum":    150,
		"performer": 50,
		"airplane":  102,
		"crossing":  2,
	}
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			s, err := Build(name, scenarioTuning(t, name, 0), 7)
			require.NoError(t, err)
			assert.Equal(t, name, s.Name)
			assert.Len(t, s.Agents, want[name])
			require.NotNil(t, s.Controller)
			assert.Equal(t, name, s.Controller.Name())

			seen := map[int]bool{}
			for _, a := range s.Agents {
				assert.False(t, seen[a.ID], "duplicate id %d", a.ID)
				seen[a.ID] = true
			}
		})
	}
}

func TestSameSeedSameRun(t *testing.T) {
	counts := map[string]int{"room": 40, "museum": 40, "walkway": 30, "performer": 20, "subway": 8}
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			a := newScenarioWorld(t, name, counts[name], 42)
			b := newScenarioWorld(t, name, counts[name], 42)
			require.Equal(t, a.LastDigest(), b.LastDigest())
			for i := 0; i < 60; i++ {
				_, da := a.StepOnce()
				_, db := b.StepOnce()
				require.Equal(t, da, db, "tick %d", i)
			}
		})
	}
}

func TestDifferentSeedDiffers(t *testing.T) {
	a := newScenarioWorld(t, "room", 30, 1)
	b := newScenarioWorld(t, "room", 30, 2)
	assert.NotEqual(t, a.LastDigest(), b.LastDigest())
}

func TestSpeedCapHoldsInEveryScenario(t *testing.T) {
	counts := map[string]int{"room": 40, "museum": 40, "walkway": 30, "performer": 20, "subway": 8}
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			w := newScenarioWorld(t, name, counts[name], 3)
			for i := 0; i < 120; i++ {
				w.StepOnce()
				for _, a := range w.Agents() {
					require.LessOrEqual(t, a.Vel.Len(), a.MaxSpeed()+1e-9, "agent %d tick %d", a.ID, i)
				}
			}
		})
	}
}

func TestRoomFunnelTargets(t *testing.T) {
	p := scenarioTuning(t, "room", 0).Agent
	right := agentAt(t, 0, geom.V(400, 200), p)
	left := agentAt(t, 1, geom.V(200, 200), p)
	mid := agentAt(t, 2, geom.V(300, 200), p)
	out := agentAt(t, 3, geom.V(300, 380), p)
	env := &fakeEnv{dt: 0.05, agents: []*steering.Agent{right, left, mid, out}}

	roomController{}.Update(env)

	assert.Equal(t, geom.V(270, roomGateY), right.Target)
	assert.Equal(t, geom.V(330, roomGateY), left.Target)
	assert.Equal(t, geom.V(300, roomGateY), mid.Target)
	assert.Equal(t, roomExitY, out.Target.Y)
}

func TestWalkwayLanes(t *testing.T) {
	s, err := Build("walkway", scenarioTuning(t, "walkway", 0), 1)
	require.NoError(t, err)
	assert.Len(t, s.Obstacles, 6)

	st := scenarioTuning(t, "walkway", 0)
	riding := agentAt(t, 0, geom.V(250, 335), st.Agent)
	upper := agentAt(t, 1, geom.V(180, 400), st.Agent)
	lower := agentAt(t, 2, geom.V(180, 200), st.Agent)
	env := &fakeEnv{dt: st.Timestep, agents: []*steering.Agent{riding, upper, lower}}

	s.Controller.Update(env)

	assert.InDelta(t, st.Agent.MaxSpeed*walkwayBoost, riding.MaxSpeed(), 1e-9)
	assert.Equal(t, walkwayExitX, riding.Target.X)
	assert.Equal(t, geom.V(walkwayEntryX, walkwayUpperY), upper.Target)
	assert.Equal(t, geom.V(walkwayEntryX, walkwayLowerY), lower.Target)
}

func TestSubwayTrainArrivesThenDoorsOpen(t *testing.T) {
	s, err := Build("subway", scenarioTuning(t, "subway", 6), 5)
	require.NoError(t, err)
	c := s.Controller.(*subwayController)
	w, err := world.New(world.WorldConfig{Timestep: 0.05}, s.Agents, s.Obstacles, c)
	require.NoError(t, err)

	targets := map[int]geom.Vec2{}
	for _, a := range w.Agents() {
		targets[a.ID] = a.Target
	}

	ticks := 0
	for !c.Arrived() && ticks < 200 {
		w.StepOnce()
		ticks++
		for _, a := range w.Agents() {
			require.Equal(t, targets[a.ID], a.Target, "targets held while the train moves")
		}
	}
	require.True(t, c.Arrived())
	for i, o := range s.Obstacles {
		assert.Equal(t, c.berths[i], o.Center())
	}

	w.StepOnce()
	for _, a := range w.Agents() {
		rec := c.records[a.ID]
		assert.Equal(t, subwayToDoor, rec.phase)
		switch rec.group {
		case subwayRider:
			assert.Equal(t, toScreen(subwayRiderDoorX, 0).X, a.Target.X)
		case subwayBoarder:
			assert.Equal(t, toScreen(subwayBoardDoorX, 0).X, a.Target.X)
		}
		atDoor := false
		for _, d := range subwayDoors {
			if toScreen(0, d).Y == a.Target.Y {
				atDoor = true
			}
		}
		assert.True(t, atDoor, "agent %d target %v", a.ID, a.Target)
	}
}

func TestSubwayRiderWalksOff(t *testing.T) {
	p := scenarioTuning(t, "subway", 0).Agent
	door := toScreen(subwayRiderDoorX, -11)
	rider := agentAt(t, 0, door.Add(geom.V(1, 0)), p)
	rider.Target = door
	c := &subwayController{
		arrived: true,
		records: map[int]*subwayRecord{0: {group: subwayRider, phase: subwayToDoor}},
	}
	c.Update(&fakeEnv{dt: 0.05, agents: []*steering.Agent{rider}})

	assert.Equal(t, subwayWalkingOff, c.records[0].phase)
	assert.Equal(t, door.X-subwayWalkOff, rider.Target.X)
}

func TestMuseumBookkeeping(t *testing.T) {
	s, err := Build("museum", scenarioTuning(t, "museum", 60), 11)
	require.NoError(t, err)
	c := s.Controller.(*museumController)
	require.NotEmpty(t, c.exits)

	w, err := world.New(world.WorldConfig{Timestep: 0.05}, s.Agents, s.Obstacles, c)
	require.NoError(t, err)

	moved := false
	for i := 0; i < 400; i++ {
		w.StepOnce()
		viewing, exiting, walking, inTransition := c.Stats()
		require.Equal(t, 60, viewing+exiting+walking)
		require.Equal(t, exiting+walking, inTransition)
		require.LessOrEqual(t, inTransition, museumTransitionCap)

		total := 0
		for _, n := range c.viewers {
			require.GreaterOrEqual(t, n, 0)
			total += n
		}
		require.Equal(t, viewing+walking, total)
		if inTransition > 0 {
			moved = true
		}
	}
	assert.True(t, moved, "someone should leave a painting within 20s")
}

func TestMuseumSpotsAreNearPaintings(t *testing.T) {
	s, err := Build("museum", scenarioTuning(t, "museum", 1), 2)
	require.NoError(t, err)
	c := s.Controller.(*museumController)
	for _, p := range c.spots {
		assert.False(t, c.anyPainting(p, func(d float64) bool { return d < museumMinComfort }))
		assert.True(t, c.anyPainting(p, func(d float64) bool { return d < museumMidComfort }))
	}
}

func TestPerformerAttractsOnSchedule(t *testing.T) {
	s, err := Build("performer", scenarioTuning(t, "performer", 20), 9)
	require.NoError(t, err)
	c := s.Controller.(*performerController)
	w, err := world.New(world.WorldConfig{Timestep: 0.05}, s.Agents, s.Obstacles, c)
	require.NoError(t, err)

	w.StepOnce()
	assert.Equal(t, 1, c.Watchers())
	for i := 0; i < performerAttractEvery; i++ {
		w.StepOnce()
	}
	assert.Equal(t, 2, c.Watchers())

	for id, st := range c.states {
		if st != performerViewing {
			continue
		}
		d := w.Agent(id).Target.Dist(performerPos)
		assert.Greater(t, d, performerMinComfort)
		assert.Less(t, d, performerMaxComfort)
	}
}

func TestPerformerWalkersTurnAround(t *testing.T) {
	p := scenarioTuning(t, "performer", 0).Agent
	a := agentAt(t, 0, geom.V(performerRightX-1, 300), p)
	a.Target = geom.V(performerRightX, 300)
	c := &performerController{states: map[int]performerState{0: performerWalking}}

	c.Update(&fakeEnv{tick: 1, dt: 0.05, agents: []*steering.Agent{a}})
	assert.Equal(t, performerLeftX, a.Target.X)
}

func TestAirplaneDeplanes(t *testing.T) {
	s, err := Build("airplane", scenarioTuning(t, "airplane", 0), 4)
	require.NoError(t, err)
	c := s.Controller.(*airplaneController)

	inAisle := 0
	for _, st := range c.states {
		if st == passengerInAisle {
			inAisle++
		}
	}
	assert.Equal(t, len(airplaneRows), inAisle, "one passenger per row steps out at boarding")
	assert.Equal(t, len(s.Agents), c.Remaining())

	w, err := world.New(world.WorldConfig{Timestep: 0.05}, s.Agents, s.Obstacles, c)
	require.NoError(t, err)
	for i := 0; i < 600; i++ {
		w.StepOnce()
	}
	leaving := 0
	for _, st := range c.states {
		if st == passengerExiting || st == passengerExited {
			leaving++
		}
	}
	assert.Greater(t, leaving, 0)
}

func TestCrossingReachesGoal(t *testing.T) {
	w := newScenarioWorld(t, "crossing", 0, 1)
	goal := geom.V(300, 350)
	for i := 0; i < 600; i++ {
		w.StepOnce()
	}
	for _, a := range w.Agents() {
		assert.Less(t, a.Pos.Dist(goal), 15.0, "agent %d", a.ID)
	}
}

func TestIllegalTransitionPanics(t *testing.T) {
	st := museumViewing
	assert.Panics(t, func() { museumTransitions.step(&st, museumWalking) })
	assert.NotPanics(t, func() { museumTransitions.step(&st, museumExiting) })
	assert.Equal(t, museumExiting, st)
}
