package scenario

import (
	"math"
	"math/rand"

	"crowdsim/internal/sim/geom"
	"crowdsim/internal/sim/sampling"
	"crowdsim/internal/sim/steering"
	"crowdsim/internal/sim/tuning"
	"crowdsim/internal/sim/world"
)

// Airplane: passengers deplane row by row, starting from the row nearest the
// door. Within a row the two sides alternate in a shuffled order; whoever is
// nearest the aisle steps out and the rest of that side shuffle inward.
const (
	airplaneAisleX     = 300.0
	airplaneAisleTol   = 5.0
	airplaneDoorY      = 460.0
	airplaneAisleEndY  = 455.0
	airplaneExitX      = 800.0
	airplaneShuffleDX  = 4.0
	airplaneSpeedJit   = 2.0
	airplaneKJit       = 1.5
	airplaneHorizonJit = 5.0
)

var (
	airplaneRows     = rowRange(-47, 37, 5)
	airplaneSeatCols = []float64{12, 8, 4, -12, -8, -4}
)

var airplaneWalls = []wallSpec{
	{100, steering.Vertical, geom.V(14, 0)},
	{110, steering.Vertical, geom.V(-14, 5)},
	{11, steering.Horizontal, geom.V(8.5, 40)},
	{11, steering.Horizontal, geom.V(-8.5, 40)},
	{28, steering.Horizontal, geom.V(0, -50)},
	{28, steering.Horizontal, geom.V(0, 60)},
}

func rowRange(from, to, step int) []float64 {
	var out []float64
	for z := from; z < to; z += step {
		out = append(out, float64(z))
	}
	return out
}

type passengerState uint8

const (
	passengerSeated passengerState = iota
	passengerInAisle
	passengerExiting
	passengerExited
)

var passengerTransitions = transitions[passengerState]{
	passengerSeated:  {passengerInAisle},
	passengerInAisle: {passengerExiting},
	passengerExiting: {passengerExited},
}

type airplaneRow struct {
	// sides[0] holds the positive-x seats, sides[1] the negative-x seats,
	// each ordered window to aisle.
	sides [2][]*steering.Agent
	order []int
	aisle *steering.Agent
}

func buildAirplane(st tuning.ScenarioTuning, rng *rand.Rand) (*Setup, error) {
	specs := make([]wallSpec, len(airplaneWalls))
	for i, w := range airplaneWalls {
		specs[i] = wallSpec{length: w.length * 3, orient: w.orient, center: toScreen(w.center.X, w.center.Y)}
	}
	walls, err := buildWalls(specs)
	if err != nil {
		return nil, err
	}

	c := &airplaneController{states: map[int]passengerState{}}
	var agents []*steering.Agent
	for i, z := range airplaneRows {
		row := &airplaneRow{}
		for j, x := range airplaneSeatCols {
			p := st.Agent
			p.MaxSpeed = math.Max(p.MaxSpeed+sampling.Uniform(rng, -airplaneSpeedJit, airplaneSpeedJit), 0.1)
			p.K = math.Max(p.K+sampling.Uniform(rng, -airplaneKJit, airplaneKJit), 0.1)
			p.Horizon = math.Max(p.Horizon+sampling.Uniform(rng, -airplaneHorizonJit, airplaneHorizonJit), 0)
			a, err := steering.NewAgent(i*len(airplaneSeatCols)+j, toScreen(x, z), p)
			if err != nil {
				return nil, err
			}
			agents = append(agents, a)
			c.states[a.ID] = passengerSeated
			side := 0
			if x < 0 {
				side = 1
			}
			row.sides[side] = append(row.sides[side], a)
		}
		row.order = []int{0, 0, 0, 1, 1, 1}
		rng.Shuffle(len(row.order), func(a, b int) { row.order[a], row.order[b] = row.order[b], row.order[a] })
		c.rows = append(c.rows, row)
	}
	for _, row := range c.rows {
		c.shuffle(row)
	}
	c.current = len(c.rows) - 1
	return &Setup{Agents: agents, Obstacles: walls, Controller: c}, nil
}

type airplaneController struct {
	rows    []*airplaneRow
	current int
	states  map[int]passengerState
}

func (c *airplaneController) Name() string { return "airplane" }

// shuffle pops the next side from the row's order, slides that side toward
// the aisle and sends its aisle-most passenger out.
func (c *airplaneController) shuffle(row *airplaneRow) {
	side := row.order[len(row.order)-1]
	row.order = row.order[:len(row.order)-1]

	dx := -airplaneShuffleDX
	if side == 1 {
		dx = airplaneShuffleDX
	}
	seats := row.sides[side]
	for _, a := range seats {
		a.Target.X += dx
	}
	if len(seats) == 0 {
		return
	}
	next := seats[len(seats)-1]
	row.sides[side] = seats[:len(seats)-1]
	row.aisle = next
	st := c.states[next.ID]
	passengerTransitions.step(&st, passengerInAisle)
	c.states[next.ID] = st
}

func (c *airplaneController) Update(env world.Env) {
	if c.current >= 0 {
		row := c.rows[c.current]
		if row.aisle == nil && len(row.order) > 0 {
			c.shuffle(row)
		}
		if a := row.aisle; a != nil {
			if math.Abs(a.Pos.X-airplaneAisleX) >= airplaneAisleTol {
				a.Target.X = airplaneAisleX
			} else {
				a.Target.Y = airplaneDoorY
				c.setState(a, passengerExiting)
				row.aisle = nil
			}
		} else if len(row.order) == 0 {
			c.current--
		}
	}

	for _, a := range env.Agents() {
		if c.states[a.ID] != passengerExiting {
			continue
		}
		switch {
		case a.Pos.Y >= airplaneDoorY:
			a.Target.X = airplaneExitX
			c.setState(a, passengerExited)
		case a.Pos.Y < airplaneAisleEndY:
			// Stay centred in the aisle until past the last row.
			a.Target.X = airplaneAisleX
		}
	}
}

func (c *airplaneController) setState(a *steering.Agent, to passengerState) {
	st := c.states[a.ID]
	passengerTransitions.step(&st, to)
	c.states[a.ID] = st
}

// Remaining reports passengers that have not yet left through the door.
func (c *airplaneController) Remaining() int {
	n := 0
	for _, s := range c.states {
		if s != passengerExited {
			n++
		}
	}
	return n
}
