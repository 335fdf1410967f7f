package world

import (
	"crowdsim/internal/logging"
	"crowdsim/internal/sim/steering"
)

// StepOnce advances the world by a single tick using the same ordering
// semantics as Run. It returns the executed tick and the digest after it.
//
// Not safe to call concurrently with Run.
func (w *World) StepOnce() (tick uint64, digest string) {
	tick = w.tick.Load()
	w.step(tick)
	return tick, w.lastDigest
}

func (w *World) step(tick uint64) {
	// Goals first; the steering pass only reads targets.
	if w.ctrl != nil {
		w.ctrl.Update(w)
	}

	steering.Step(w.agents, w.obstacles, w.cfg.Timestep, w.cfg.UpdatePolicy)

	moved := w.refreshObstacleView()
	w.lastDigest = Digest(tick+1, w.agents, w.obstacles)

	if w.frameLogger != nil {
		if err := w.frameLogger.WriteFrame(w.frame(tick, w.lastDigest)); err != nil {
			w.log.Warn("frame write failed", logging.Uint64("tick", tick), logging.Err(err))
		}
	}
	w.broadcastObservers(tick, moved)

	w.tick.Store(tick + 1)

	if every := w.cfg.SnapshotEveryTicks; every > 0 && w.snapshotSink != nil && (tick+1)%uint64(every) == 0 {
		snap := w.ExportSnapshot()
		select {
		case w.snapshotSink <- snap:
		default:
			w.log.Warn("snapshot dropped", logging.Uint64("tick", tick))
		}
	}
}

