package steering

import "crowdsim/internal/sim/geom"

const DefaultThickness = 4.0

type Orientation uint8

const (
	Horizontal Orientation = iota // long axis along x
	Vertical                      // long axis along y
)

func (o Orientation) String() string {
	if o == Vertical {
		return "vertical"
	}
	return "horizontal"
}

// Obstacle is an axis-aligned wall. Center is authoritative; the rectangle is
// derived from it on demand so repositioning never leaves stale bounds.
type Obstacle struct {
	center    geom.Vec2
	orient    Orientation
	length    float64
	thickness float64
}

// NewObstacle builds a wall. A non-positive thickness selects DefaultThickness.
func NewObstacle(length float64, orient Orientation, center geom.Vec2, thickness float64) (*Obstacle, error) {
	if !finite(length) || length <= 0 {
		return nil, &ConfigError{Kind: ErrInvalidObstacle, Field: "length", Value: length}
	}
	if !finite(thickness) || thickness <= 0 {
		thickness = DefaultThickness
	}
	if !center.Finite() {
		return nil, &ConfigError{Kind: ErrInvalidObstacle, Field: "center", Value: center.X}
	}
	return &Obstacle{center: center, orient: orient, length: length, thickness: thickness}, nil
}

func (o *Obstacle) Center() geom.Vec2        { return o.center }
func (o *Obstacle) Orientation() Orientation { return o.orient }
func (o *Obstacle) Length() float64          { return o.length }
func (o *Obstacle) Thickness() float64       { return o.thickness }

func (o *Obstacle) Bounds() geom.Rect {
	if o.orient == Vertical {
		return geom.RectFromCenter(o.center, o.thickness, o.length)
	}
	return geom.RectFromCenter(o.center, o.length, o.thickness)
}

// Reposition is the single mutation path for an obstacle.
func (o *Obstacle) Reposition(center geom.Vec2) {
	if !center.Finite() {
		return
	}
	o.center = center
}

// Approach moves the center a fraction alpha toward target and returns the
// remaining distance. Controllers call it once per tick to animate entrances.
func (o *Obstacle) Approach(target geom.Vec2, alpha float64) float64 {
	o.Reposition(o.center.Lerp(target, alpha))
	return o.center.Dist(target)
}

// Resolve pushes a out of the obstacle by the minimum displacement. It only
// guarantees non-overlap with this obstacle; a later call against another
// obstacle may push a back into this one.
func (o *Obstacle) Resolve(a *Agent) {
	closest := o.Bounds().ClosestPoint(a.Pos)
	push := a.Pos.Sub(closest)
	dist := push.Len()
	r := a.Radius()
	switch {
	case dist > 0 && dist < r:
		a.Pos = a.Pos.Add(push.Normalize().Scale(r - dist))
	case dist == 0:
		a.Pos = a.Pos.Add(geom.Vec2{X: r})
	}
}

// Penetration returns how deep a overlaps the obstacle, 0 when clear.
func (o *Obstacle) Penetration(a *Agent) float64 {
	d := o.Bounds().ClosestPoint(a.Pos).Dist(a.Pos)
	if d >= a.Radius() {
		return 0
	}
	return a.Radius() - d
}
