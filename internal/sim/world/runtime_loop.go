package world

import (
	"context"
	"time"

	"crowdsim/internal/logging"
)

// Run drives the world at TickRateHz until ctx is cancelled, Stop is called,
// or MaxTicks ticks have executed since the call. A resumed world counts from
// the tick it resumed at.
func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer w.closeObservers()

	start := w.tick.Load()
	w.log.Info("world loop started",
		logging.String("world_id", w.cfg.ID),
		logging.String("scenario", w.cfg.Scenario),
		logging.Int("agents", len(w.agents)),
		logging.Uint64("tick", start),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.observerJoin:
			w.handleObserverJoin(req)
		case req := <-w.observerSub:
			w.handleObserverSubscribe(req)
		case id := <-w.observerLeave:
			w.handleObserverLeave(id)
		case <-ticker.C:
			tick, digest := w.StepOnce()
			if tick%uint64(w.cfg.TickRateHz*10) == 0 {
				w.log.Debug("tick", logging.Uint64("tick", tick), logging.String("digest", digest))
			}
			if w.cfg.MaxTicks > 0 && tick+1-start >= w.cfg.MaxTicks {
				w.log.Info("tick limit reached", logging.Uint64("ticks", tick+1-start), logging.Uint64("tick", tick+1))
				return nil
			}
		}
	}
}

func (w *World) Stop() { w.stopOnce.Do(func() { close(w.stop) }) }
