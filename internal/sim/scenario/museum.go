package scenario

import (
	"math/rand"

	"crowdsim/internal/sim/geom"
	"crowdsim/internal/sim/sampling"
	"crowdsim/internal/sim/steering"
	"crowdsim/internal/sim/tuning"
	"crowdsim/internal/sim/world"
)

// Museum: visitors stand at viewing spots in front of paintings, then step
// back to an open exit spot, pick the least crowded other painting and walk
// to a free viewing spot for it. At most museumTransitionCap visitors are
// between paintings at once.
const (
	museumTransitionCap = 20
	museumWeightAgent   = 30.0
	museumWeightArt     = 80.0
	museumMinComfort    = 30.0
	museumMidComfort    = 60.0
	museumMaxComfort    = 90.0
	museumArriveTol     = 15.0
	museumMaxDwell      = 10.0
	// Dwell timers run museumDwellRate units per simulated second.
	museumDwellRate = 10.0
	museumEdge      = 0.01
)

var museumWalls = []wallSpec{
	{300, steering.Horizontal, geom.V(300, 150)},
	{300, steering.Vertical, geom.V(450, 300)},
	{300, steering.Vertical, geom.V(150, 300)},
	{300, steering.Horizontal, geom.V(300, 450)},
}

type museumState uint8

const (
	museumViewing museumState = iota
	museumExiting
	museumWalking
)

func (s museumState) String() string {
	switch s {
	case museumViewing:
		return "viewing"
	case museumExiting:
		return "exiting"
	case museumWalking:
		return "walking"
	default:
		return "unknown"
	}
}

var museumTransitions = transitions[museumState]{
	museumViewing: {museumExiting},
	museumExiting: {museumWalking},
	museumWalking: {museumViewing},
}

type painting struct {
	id  int
	pos geom.Vec2
}

type museumRecord struct {
	state    museumState
	painting int
	spot     geom.Vec2
	timer    float64
}

// museumPaintings hangs four paintings on each gallery wall, just inside it.
func museumPaintings() []painting {
	var out []painting
	for _, x := range []float64{-50 + museumEdge, 50 - museumEdge} {
		for _, z := range []float64{-33, -11, 11, 33} {
			out = append(out, painting{pos: toScreen(x, z)})
		}
	}
	for _, z := range []float64{-50 + museumEdge, 50 - museumEdge} {
		for _, x := range []float64{-33, -11, 11, 33} {
			out = append(out, painting{pos: toScreen(x, z)})
		}
	}
	for i := range out {
		out[i].id = i
	}
	return out
}

func buildMuseum(st tuning.ScenarioTuning, rng *rand.Rand) (*Setup, error) {
	walls, err := buildWalls(museumWalls)
	if err != nil {
		return nil, err
	}
	c := &museumController{
		rng:       rng,
		paintings: museumPaintings(),
		viewers:   map[int]int{},
		records:   make(map[int]*museumRecord, st.Count),
		center:    geom.V(Screen/2, Screen/2),
	}

	all := sampling.Filter(
		sampling.PoissonDisc(rng, Screen, Screen, 2*st.Agent.Radius, 30),
		sampling.InRect(geom.V(160, 160), geom.V(440, 440)),
	)
	for _, p := range all {
		if !c.anyPainting(p, func(d float64) bool { return d < museumMinComfort }) &&
			c.anyPainting(p, func(d float64) bool { return d < museumMidComfort }) {
			c.spots = append(c.spots, p)
		}
	}
	for _, p := range all {
		if !c.anyPainting(p, func(d float64) bool { return d < museumMidComfort }) &&
			c.anyPainting(p, func(d float64) bool { return d > museumMaxComfort }) {
			c.exits = append(c.exits, p)
		}
	}

	agents := make([]*steering.Agent, 0, st.Count)
	for i := 0; i < st.Count; i++ {
		speed := drawSpeed(rng, st)
		pt := c.paintings[rng.Intn(len(c.paintings))]
		from := sampling.UniformIn(rng, 175, 425, 175, 425)
		spot := c.takeSpot(from, pt)

		a, err := steering.NewAgent(i, spot.Add(geom.V(museumEdge, museumEdge)), withSpeed(st.Agent, speed))
		if err != nil {
			return nil, err
		}
		a.Target = spot
		c.records[i] = &museumRecord{
			state:    museumViewing,
			painting: pt.id,
			spot:     spot,
			timer:    sampling.Uniform(rng, 0, museumMaxDwell),
		}
		c.viewers[pt.id]++
		agents = append(agents, a)
	}
	return &Setup{Agents: agents, Obstacles: walls, Controller: c}, nil
}

type museumController struct {
	rng          *rand.Rand
	paintings    []painting
	spots        []geom.Vec2
	exits        []geom.Vec2
	viewers      map[int]int
	inTransition int
	records      map[int]*museumRecord
	center       geom.Vec2
}

func (c *museumController) Name() string { return "museum" }

func (c *museumController) anyPainting(p geom.Vec2, pred func(float64) bool) bool {
	for _, pt := range c.paintings {
		if pred(pt.pos.Dist(p)) {
			return true
		}
	}
	return false
}

// takeSpot claims the free viewing spot that best trades walking distance
// against closeness to the painting.
func (c *museumController) takeSpot(from geom.Vec2, pt painting) geom.Vec2 {
	return takePoint(&c.spots, c.center, func(p geom.Vec2) float64 {
		return museumWeightAgent*p.Dist(from) + museumWeightArt*p.Dist(pt.pos)
	})
}

func (c *museumController) nearestExit(from geom.Vec2) geom.Vec2 {
	i := bestPoint(c.exits, func(p geom.Vec2) float64 { return p.Dist(from) })
	if i < 0 {
		return c.center
	}
	return c.exits[i]
}

// choosePainting picks the least viewed painting other than the current one.
func (c *museumController) choosePainting(current int) painting {
	best := c.paintings[c.rng.Intn(len(c.paintings))]
	minViewers := len(c.records)
	for _, pt := range c.paintings {
		if pt.id == current {
			continue
		}
		if c.viewers[pt.id] < minViewers {
			minViewers = c.viewers[pt.id]
			best = pt
		}
	}
	return best
}

func (c *museumController) Update(env world.Env) {
	dt := env.Timestep()
	for _, a := range env.Agents() {
		rec := c.records[a.ID]
		if rec == nil {
			continue
		}
		switch rec.state {
		case museumViewing:
			rec.timer -= dt * museumDwellRate
			if rec.timer > 0 {
				continue
			}
			if c.inTransition >= museumTransitionCap {
				rec.timer = sampling.Uniform(c.rng, 0, museumMaxDwell)
				continue
			}
			c.inTransition++
			a.Target = c.nearestExit(a.Pos)
			c.viewers[rec.painting]--
			museumTransitions.step(&rec.state, museumExiting)

		case museumExiting:
			if a.Pos.Dist(a.Target) >= museumArriveTol {
				continue
			}
			pt := c.choosePainting(rec.painting)
			c.spots = append(c.spots, rec.spot)
			rec.spot = c.takeSpot(a.Pos, pt)
			rec.painting = pt.id
			a.Target = rec.spot
			c.viewers[pt.id]++
			museumTransitions.step(&rec.state, museumWalking)

		case museumWalking:
			if a.Pos.Dist(rec.spot) >= museumArriveTol {
				continue
			}
			c.inTransition--
			rec.timer = sampling.Uniform(c.rng, 0, museumMaxDwell)
			museumTransitions.step(&rec.state, museumViewing)
		}
	}
}

// Stats reports visitors per state and how many are between paintings.
func (c *museumController) Stats() (viewing, exiting, walking, inTransition int) {
	for _, r := range c.records {
		switch r.state {
		case museumViewing:
			viewing++
		case museumExiting:
			exiting++
		case museumWalking:
			walking++
		}
	}
	return viewing, exiting, walking, c.inTransition
}
