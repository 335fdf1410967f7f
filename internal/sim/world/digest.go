package world

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"crowdsim/internal/sim/steering"
)

// Digest hashes the tick count and the bit patterns of every agent's
// position, velocity, target and controller overrides plus every obstacle
// center. Agents must be in ID order.
func Digest(tick uint64, agents []*steering.Agent, obstacles []*steering.Obstacle) string {
	h := xxhash.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	putF := func(f float64) { put(math.Float64bits(f)) }

	put(tick)
	put(uint64(len(agents)))
	for _, a := range agents {
		put(uint64(int64(a.ID)))
		putF(a.Pos.X)
		putF(a.Pos.Y)
		putF(a.Vel.X)
		putF(a.Vel.Y)
		putF(a.Target.X)
		putF(a.Target.Y)
		speedCap, horizon, hasHorizon := a.Overrides()
		putF(speedCap)
		putF(horizon)
		if hasHorizon {
			put(1)
		} else {
			put(0)
		}
	}
	put(uint64(len(obstacles)))
	for _, o := range obstacles {
		c := o.Center()
		putF(c.X)
		putF(c.Y)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
