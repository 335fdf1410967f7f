package scenario

import "fmt"

// transitions lists the legal next states for each state of a scenario FSM.
type transitions[S comparable] map[S][]S

func (t transitions[S]) allows(from, to S) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// step moves *cur to next. An illegal transition is a controller bug.
func (t transitions[S]) step(cur *S, next S) {
	if !t.allows(*cur, next) {
		panic(fmt.Sprintf("scenario: illegal transition %v -> %v", *cur, next))
	}
	*cur = next
}
