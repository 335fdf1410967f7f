package steering

import (
	"sort"

	"crowdsim/internal/sim/geom"
)

// Step advances agents one tick: a steering pass in ID order followed by a
// single obstacle resolve pass over every (agent, obstacle) pair. Callers that
// keep agents sorted by ID avoid the ordering copy.
func Step(agents []*Agent, obstacles []*Obstacle, dt float64, policy UpdatePolicy) {
	ordered := agents
	if !SortedByID(agents) {
		ordered = make([]*Agent, len(agents))
		copy(ordered, agents)
		SortByID(ordered)
	}

	switch policy {
	case Simultaneous:
		frozen := make([]*Agent, len(ordered))
		for i, a := range ordered {
			cp := *a
			frozen[i] = &cp
		}
		forces := make([]geom.Vec2, len(ordered))
		for i := range ordered {
			forces[i] = ComputeForce(frozen[i], frozen)
		}
		for i, a := range ordered {
			ApplyForce(a, forces[i], dt)
		}
	default:
		for _, a := range ordered {
			UpdateAgent(a, ordered, dt)
		}
	}

	for _, a := range ordered {
		for _, o := range obstacles {
			o.Resolve(a)
		}
	}
}

func SortByID(agents []*Agent) {
	sort.SliceStable(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
}

func SortedByID(agents []*Agent) bool {
	return sort.SliceIsSorted(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
}
