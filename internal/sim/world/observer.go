package world

import (
	"encoding/json"

	"crowdsim/internal/observerproto"
)

type ObserverJoinRequest struct {
	SessionID string
	TickOut   chan []byte

	EveryTicks   int
	WithVelocity bool
}

// ObserverSubscribeRequest updates an existing observer session subscription settings.
type ObserverSubscribeRequest struct {
	SessionID string

	EveryTicks   int
	WithVelocity bool
}

type observerClient struct {
	id      string
	tickOut chan []byte

	everyTicks   int
	withVelocity bool

	// Obstacles are sent on the first TICK and on the next TICK the client
	// receives after one moves, even if the move fell on a skipped tick.
	sentObstacles  bool
	obstaclesDirty bool
}

func (w *World) ObserverJoin() chan<- ObserverJoinRequest           { return w.observerJoin }
func (w *World) ObserverSubscribe() chan<- ObserverSubscribeRequest { return w.observerSub }
func (w *World) ObserverLeave() chan<- string                       { return w.observerLeave }

func (w *World) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.TickOut == nil {
		return
	}
	if old := w.observers[req.SessionID]; old != nil {
		close(old.tickOut)
	}
	w.observers[req.SessionID] = &observerClient{
		id:           req.SessionID,
		tickOut:      req.TickOut,
		everyTicks:   clampEvery(req.EveryTicks),
		withVelocity: req.WithVelocity,
	}
}

func (w *World) handleObserverSubscribe(req ObserverSubscribeRequest) {
	c := w.observers[req.SessionID]
	if c == nil {
		return
	}
	c.everyTicks = clampEvery(req.EveryTicks)
	c.withVelocity = req.WithVelocity
}

func (w *World) handleObserverLeave(sessionID string) {
	if sessionID == "" {
		return
	}
	c := w.observers[sessionID]
	if c == nil {
		return
	}
	delete(w.observers, sessionID)
	close(c.tickOut)
}

func (w *World) closeObservers() {
	for id, c := range w.observers {
		delete(w.observers, id)
		close(c.tickOut)
	}
}

func clampEvery(n int) int {
	if n < 1 {
		return 1
	}
	if n > 1000 {
		return 1000
	}
	return n
}

func (w *World) broadcastObservers(tick uint64, obstaclesMoved bool) {
	if len(w.observers) == 0 {
		return
	}
	// At most four encodings per tick: with/without velocity, with/without obstacles.
	var cache [2][2][]byte
	for _, c := range w.observers {
		if obstaclesMoved {
			c.obstaclesDirty = true
		}
		if tick%uint64(c.everyTicks) != 0 {
			continue
		}
		withObs := c.obstaclesDirty || !c.sentObstacles
		vi, oi := 0, 0
		if c.withVelocity {
			vi = 1
		}
		if withObs {
			oi = 1
		}
		b := cache[vi][oi]
		if b == nil {
			msg := w.tickMsg(tick, c.withVelocity, withObs)
			var err error
			b, err = json.Marshal(msg)
			if err != nil {
				continue
			}
			cache[vi][oi] = b
		}
		sendLatest(c.tickOut, b)
		if withObs {
			c.sentObstacles = true
			c.obstaclesDirty = false
		}
	}
}

func (w *World) tickMsg(tick uint64, withVelocity, withObstacles bool) observerproto.TickMsg {
	msg := observerproto.TickMsg{
		Type:            "TICK",
		ProtocolVersion: observerproto.Version,
		Tick:            tick,
		Digest:          w.lastDigest,
		Agents:          make([]observerproto.AgentState, 0, len(w.agents)),
	}
	for _, a := range w.agents {
		st := observerproto.AgentState{
			ID:     a.ID,
			Pos:    [2]float64{a.Pos.X, a.Pos.Y},
			Radius: a.Radius(),
		}
		if withVelocity {
			v := [2]float64{a.Vel.X, a.Vel.Y}
			st.Vel = &v
		}
		msg.Agents = append(msg.Agents, st)
	}
	if withObstacles {
		msg.Obstacles = w.ObstacleStates()
	}
	return msg
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
