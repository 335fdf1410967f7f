package steering

import (
	"fmt"
	"strings"

	"crowdsim/internal/sim/geom"
)

// Epsilon keeps the urgency weight finite when time-to-collision is 0.
const Epsilon = 1e-6

// UpdatePolicy selects how agents within a tick observe each other.
type UpdatePolicy uint8

const (
	// Sequential updates agents in ID order and applies each result before the
	// next agent is evaluated, so later agents see this tick's positions of
	// earlier ones.
	Sequential UpdatePolicy = iota
	// Simultaneous evaluates every agent against the tick-start state and
	// applies all results afterwards.
	Simultaneous
)

func (p UpdatePolicy) String() string {
	switch p {
	case Simultaneous:
		return "simultaneous"
	default:
		return "sequential"
	}
}

func ParseUpdatePolicy(s string) (UpdatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential":
		return Sequential, nil
	case "simultaneous":
		return Simultaneous, nil
	default:
		return Sequential, fmt.Errorf("unknown update policy %q", s)
	}
}

func (p UpdatePolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *UpdatePolicy) UnmarshalText(b []byte) error {
	v, err := ParseUpdatePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ComputeForce returns the steering force on agent: a proportional pull toward
// the displacement to its target plus avoidance and sidestep terms for every
// neighbor predicted to collide within the agent's horizon.
func ComputeForce(agent *Agent, agents []*Agent) geom.Vec2 {
	goal := agent.Target.Sub(agent.Pos)
	p := agent.params
	force := goal.Sub(agent.Vel).Scale(p.K)

	horizon := agent.Horizon()
	var avoid, side geom.Vec2
	for _, n := range agents {
		if n.ID == agent.ID {
			continue
		}
		tau := TimeToCollision(agent, n)

		dir := agent.Pos.Sub(n.Pos)
		if dir.IsZero() {
			dir = geom.Vec2{X: 1}
		} else {
			dir = dir.Normalize()
		}

		left := geom.Vec2{X: -dir.Y, Y: dir.X}
		right := geom.Vec2{X: dir.Y, Y: -dir.X}
		sidestep := right
		if left.Dot(n.Vel) < right.Dot(n.Vel) {
			sidestep = left
		}

		if tau >= 0 && tau <= horizon {
			w := (horizon - tau) / (tau + Epsilon)
			avoid = avoid.Add(dir.Scale(p.Avoid * w))
			side = side.Add(sidestep.Scale(p.Sidestep * w))
		}
	}
	return force.Add(avoid).Add(side)
}

// ApplyForce integrates f over dt with the agent's force and speed caps.
func ApplyForce(agent *Agent, f geom.Vec2, dt float64) {
	f = f.ClampLen(agent.MaxForce())
	agent.Vel = agent.Vel.Add(f.Scale(dt)).ClampLen(agent.MaxSpeed())
	agent.Pos = agent.Pos.Add(agent.Vel.Scale(dt))
}

func UpdateAgent(agent *Agent, agents []*Agent, dt float64) {
	ApplyForce(agent, ComputeForce(agent, agents), dt)
}
