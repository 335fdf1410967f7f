package world

import (
	"fmt"
	"math"

	"crowdsim/internal/sim/steering"
)

type WorldConfig struct {
	ID       string
	RunID    string
	Scenario string
	Seed     int64

	TickRateHz   int
	Timestep     float64
	UpdatePolicy steering.UpdatePolicy

	// Operational parameters.
	SnapshotEveryTicks int
	// MaxTicks stops Run after it has executed this many ticks. Zero runs until cancelled.
	MaxTicks uint64
}

func (c *WorldConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = "world_1"
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
}

func (c WorldConfig) validate() error {
	if math.IsNaN(c.Timestep) || math.IsInf(c.Timestep, 0) || c.Timestep <= 0 {
		return fmt.Errorf("timestep must be > 0, got %v", c.Timestep)
	}
	if c.SnapshotEveryTicks < 0 {
		return fmt.Errorf("snapshot_every_ticks must be >= 0, got %d", c.SnapshotEveryTicks)
	}
	return nil
}
