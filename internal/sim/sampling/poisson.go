// Package sampling generates placement points for scenario setup.
package sampling

import (
	"math"
	"math/rand"

	"crowdsim/internal/sim/geom"
)

// PoissonDisc returns points in [0,w)x[0,h) no two of which are closer than r,
// using Bridson's algorithm with k candidates per active point. Output order
// depends only on rng.
func PoissonDisc(rng *rand.Rand, w, h, r float64, k int) []geom.Vec2 {
	if w <= 0 || h <= 0 || r <= 0 {
		return nil
	}
	if k <= 0 {
		k = 30
	}
	cell := r / math.Sqrt2
	cols := int(math.Ceil(w / cell))
	rows := int(math.Ceil(h / cell))
	grid := make([]int, cols*rows)
	for i := range grid {
		grid[i] = -1
	}

	var points []geom.Vec2
	var active []int
	add := func(p geom.Vec2) {
		idx := len(points)
		points = append(points, p)
		active = append(active, idx)
		grid[int(p.Y/cell)*cols+int(p.X/cell)] = idx
	}
	fits := func(p geom.Vec2) bool {
		if p.X < 0 || p.Y < 0 || p.X >= w || p.Y >= h {
			return false
		}
		cx, cy := int(p.X/cell), int(p.Y/cell)
		for y := max(cy-2, 0); y <= min(cy+2, rows-1); y++ {
			for x := max(cx-2, 0); x <= min(cx+2, cols-1); x++ {
				if j := grid[y*cols+x]; j >= 0 && points[j].Sub(p).LenSq() < r*r {
					return false
				}
			}
		}
		return true
	}

	add(geom.V(rng.Float64()*w, rng.Float64()*h))
	for len(active) > 0 {
		ai := rng.Intn(len(active))
		base := points[active[ai]]
		found := false
		for i := 0; i < k; i++ {
			theta := rng.Float64() * 2 * math.Pi
			rad := r * (1 + rng.Float64())
			cand := base.Add(geom.V(rad*math.Cos(theta), rad*math.Sin(theta)))
			if fits(cand) {
				add(cand)
				found = true
				break
			}
		}
		if !found {
			active[ai] = active[len(active)-1]
			active = active[:len(active)-1]
		}
	}
	return points
}

// Filter keeps the points for which keep returns true.
func Filter(points []geom.Vec2, keep func(geom.Vec2) bool) []geom.Vec2 {
	out := make([]geom.Vec2, 0, len(points))
	for _, p := range points {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// InRect returns a Filter predicate for the open rectangle (min, max).
func InRect(min, max geom.Vec2) func(geom.Vec2) bool {
	return func(p geom.Vec2) bool {
		return p.X > min.X && p.X < max.X && p.Y > min.Y && p.Y < max.Y
	}
}

// UniformIn returns a point drawn uniformly from [minX,maxX)x[minY,maxY).
func UniformIn(rng *rand.Rand, minX, maxX, minY, maxY float64) geom.Vec2 {
	return geom.V(rng.Float64()*(maxX-minX)+minX, rng.Float64()*(maxY-minY)+minY)
}

// Uniform returns a value drawn uniformly from [lo,hi).
func Uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
