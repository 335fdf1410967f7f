package steering

import "math"

// TimeToCollision returns the earliest non-negative time at which a and b,
// moving at their current velocities, touch. It is 0 for overlapping circles
// and +Inf when no contact is ahead.
func TimeToCollision(a, b *Agent) float64 {
	r := a.Radius() + b.Radius()
	w := b.Pos.Sub(a.Pos)
	c := w.LenSq() - r*r
	if c < 0 {
		return 0
	}
	v := a.Vel.Sub(b.Vel)
	ac := v.LenSq()
	bc := w.Dot(v)
	disc := bc*bc - ac*c
	if disc <= 0 || ac == 0 {
		return math.Inf(1)
	}
	tau := (bc - math.Sqrt(disc)) / ac
	if tau < 0 {
		return math.Inf(1)
	}
	return tau
}
