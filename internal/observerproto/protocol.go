package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// EveryTicks thins the stream to one TICK message per N simulated ticks.
	EveryTicks int `json:"every_ticks,omitempty"`
	// WithVelocity adds agent velocities to each TICK message.
	WithVelocity bool `json:"with_velocity,omitempty"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string          `json:"protocol_version"`
	WorldID         string          `json:"world_id"`
	RunID           string          `json:"run_id"`
	Scenario        string          `json:"scenario"`
	Tick            uint64          `json:"tick"`
	WorldParams     WorldParams     `json:"world_params"`
	Obstacles       []ObstacleState `json:"obstacles"`
}

type WorldParams struct {
	TickRateHz   int     `json:"tick_rate_hz"`
	Timestep     float64 `json:"timestep"`
	UpdatePolicy string  `json:"update_policy"`
	AgentCount   int     `json:"agent_count"`
	Seed         int64   `json:"seed"`
}

// Server -> Client. Sent every tick (or every EveryTicks ticks).
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Digest          string `json:"digest"`

	Agents []AgentState `json:"agents"`

	// Obstacles is present on the first message of a session and on the
	// first message after at least one obstacle moved.
	Obstacles []ObstacleState `json:"obstacles,omitempty"`
}

type AgentState struct {
	ID     int         `json:"id"`
	Pos    [2]float64  `json:"pos"`
	Vel    *[2]float64 `json:"vel,omitempty"`
	Radius float64     `json:"radius"`
}

type ObstacleState struct {
	Index int        `json:"index"`
	Min   [2]float64 `json:"min"`
	Max   [2]float64 `json:"max"`
}
