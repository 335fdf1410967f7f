package world

import (
	"fmt"
	"sync"
	"sync/atomic"

	"crowdsim/internal/logging"
	"crowdsim/internal/observerproto"
	"crowdsim/internal/persistence/snapshot"
	"crowdsim/internal/sim/geom"
	"crowdsim/internal/sim/steering"
)

// Env is the view of the world handed to a Controller once per tick, before
// the steering pass. Controllers may write agent targets, agent overrides and
// obstacle positions; everything else belongs to the engine.
type Env interface {
	Tick() uint64
	Timestep() float64
	Agents() []*steering.Agent
	Agent(id int) *steering.Agent
	Obstacles() []*steering.Obstacle
}

// Controller assigns goals. It is the only writer of Agent.Target.
type Controller interface {
	Name() string
	Update(env Env)
}

type FrameLogger interface {
	WriteFrame(f Frame) error
}

// Frame is the per-tick recording: agent id to position after the tick.
type Frame struct {
	Tick      uint64            `json:"tick"`
	Digest    string            `json:"digest"`
	Positions map[int]geom.Vec2 `json:"positions"`
}

type World struct {
	cfg WorldConfig
	log logging.Log

	agents    []*steering.Agent
	byID      map[int]*steering.Agent
	obstacles []*steering.Obstacle
	ctrl      Controller

	tick       atomic.Uint64
	lastDigest string

	frameLogger  FrameLogger
	snapshotSink chan<- snapshot.SnapshotV1

	obstacleBounds []geom.Rect
	obstacleView   atomic.Pointer[[]observerproto.ObstacleState]

	observers     map[string]*observerClient
	observerJoin  chan ObserverJoinRequest
	observerSub   chan ObserverSubscribeRequest
	observerLeave chan string

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg WorldConfig, agents []*steering.Agent, obstacles []*steering.Obstacle, ctrl Controller) (*World, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("world config: %w", err)
	}

	byID := make(map[int]*steering.Agent, len(agents))
	sorted := make([]*steering.Agent, 0, len(agents))
	for i, a := range agents {
		if a == nil {
			return nil, fmt.Errorf("agent at index %d is nil", i)
		}
		if _, dup := byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %d", a.ID)
		}
		byID[a.ID] = a
		sorted = append(sorted, a)
	}
	steering.SortByID(sorted)

	obs := make([]*steering.Obstacle, 0, len(obstacles))
	for i, o := range obstacles {
		if o == nil {
			return nil, fmt.Errorf("obstacle at index %d is nil", i)
		}
		obs = append(obs, o)
	}

	w := &World{
		cfg:           cfg,
		log:           logging.NewNop(),
		agents:        sorted,
		byID:          byID,
		obstacles:     obs,
		ctrl:          ctrl,
		observers:     map[string]*observerClient{},
		observerJoin:  make(chan ObserverJoinRequest, 16),
		observerSub:   make(chan ObserverSubscribeRequest, 64),
		observerLeave: make(chan string, 16),
		stop:          make(chan struct{}),
	}
	w.refreshObstacleView()
	w.lastDigest = Digest(0, w.agents, w.obstacles)
	return w, nil
}

func (w *World) SetLogger(l logging.Log) {
	if l == nil {
		l = logging.NewNop()
	}
	w.log = l
}

func (w *World) SetFrameLogger(l FrameLogger)                  { w.frameLogger = l }
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

func (w *World) Config() WorldConfig { return w.cfg }
func (w *World) ID() string          { return w.cfg.ID }

// CurrentTick is the next tick to simulate; it equals the number of executed ticks.
func (w *World) CurrentTick() uint64 { return w.tick.Load() }

// LastDigest is the state digest after the most recent tick.
func (w *World) LastDigest() string { return w.lastDigest }

func (w *World) AgentCount() int { return len(w.agents) }

func (w *World) ControllerName() string {
	if w.ctrl == nil {
		return ""
	}
	return w.ctrl.Name()
}

// Env implementation. Not safe to call concurrently with Run.

func (w *World) Tick() uint64                    { return w.tick.Load() }
func (w *World) Timestep() float64               { return w.cfg.Timestep }
func (w *World) Agents() []*steering.Agent       { return w.agents }
func (w *World) Agent(id int) *steering.Agent    { return w.byID[id] }
func (w *World) Obstacles() []*steering.Obstacle { return w.obstacles }

// Frame returns the current positions keyed by agent id.
func (w *World) Frame() Frame {
	tick := w.tick.Load()
	if tick > 0 {
		tick--
	}
	return w.frame(tick, w.lastDigest)
}

func (w *World) frame(tick uint64, digest string) Frame {
	pos := make(map[int]geom.Vec2, len(w.agents))
	for _, a := range w.agents {
		pos[a.ID] = a.Pos
	}
	return Frame{Tick: tick, Digest: digest, Positions: pos}
}

// ObstacleStates returns the latest obstacle rectangles. Safe for concurrent use.
func (w *World) ObstacleStates() []observerproto.ObstacleState {
	if p := w.obstacleView.Load(); p != nil {
		return *p
	}
	return nil
}

// refreshObstacleView recomputes obstacle bounds and reports whether any moved.
func (w *World) refreshObstacleView() bool {
	moved := len(w.obstacleBounds) != len(w.obstacles)
	if moved {
		w.obstacleBounds = make([]geom.Rect, len(w.obstacles))
	}
	for i, o := range w.obstacles {
		b := o.Bounds()
		if b != w.obstacleBounds[i] {
			moved = true
			w.obstacleBounds[i] = b
		}
	}
	if !moved && w.obstacleView.Load() != nil {
		return false
	}
	view := make([]observerproto.ObstacleState, len(w.obstacleBounds))
	for i, b := range w.obstacleBounds {
		view[i] = observerproto.ObstacleState{
			Index: i,
			Min:   [2]float64{b.Min.X, b.Min.Y},
			Max:   [2]float64{b.Max.X, b.Max.Y},
		}
	}
	w.obstacleView.Store(&view)
	return moved
}
