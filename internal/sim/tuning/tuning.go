package tuning

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"crowdsim/internal/sim/steering"
)

type Tuning struct {
	TickRateHz         int                       `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	UpdatePolicy       steering.UpdatePolicy     `yaml:"update_policy" json:"update_policy"`
	SnapshotEveryTicks int                       `yaml:"snapshot_every_ticks" json:"snapshot_every_ticks"`
	Seed               int64                     `yaml:"seed" json:"seed"`
	Scenario           string                    `yaml:"scenario" json:"scenario"`
	Scenarios          map[string]ScenarioTuning `yaml:"scenarios" json:"scenarios"`
}

// ScenarioTuning holds the crowd parameters of one scenario. Agent values are
// upper bounds or centers; scenarios may jitter them per agent at setup.
type ScenarioTuning struct {
	Count    int     `yaml:"count" json:"count"`
	Timestep float64 `yaml:"timestep" json:"timestep"`
	// MinSpeed is the lower end of the per-agent max speed draw. Zero disables the draw.
	MinSpeed float64         `yaml:"min_speed" json:"min_speed"`
	Agent    steering.Params `yaml:"agent" json:"agent"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:         20,
		UpdatePolicy:       steering.Sequential,
		SnapshotEveryTicks: 600,
		Seed:               1337,
		Scenario:           "room",
		Scenarios: map[string]ScenarioTuning{
			"room": {Count: 150, Timestep: 0.05, MinSpeed: 1, Agent: steering.Params{
				Radius: 3, MaxSpeed: 30, MaxForce: 50, Horizon: 10, K: 3, Avoid: 15, Sidestep: 15}},
			"walkway": {Count: 75, Timestep: 0.016, MinSpeed: 15, Agent: steering.Params{
				Radius: 3, MaxSpeed: 15, MaxForce: 90, Horizon: 15, K: 2, Avoid: 15, Sidestep: 15}},
			"subway": {Count: 20, Timestep: 0.05, MinSpeed: 5, Agent: steering.Params{
				Radius: 3, MaxSpeed: 15, MaxForce: 50, Horizon: 7.5, K: 5, Avoid: 15, Sidestep: 15}},
			"museum": {Count: 150, Timestep: 0.05, MinSpeed: 15, Agent: steering.Params{
				Radius: 3, MaxSpeed: 30, MaxForce: 150, Horizon: 3, K: 3, Avoid: 15, Sidestep: 15}},
			"performer": {Count: 50, Timestep: 0.05, MinSpeed: 15, Agent: steering.Params{
				Radius: 3, MaxSpeed: 22.5, MaxForce: 150, Horizon: 30, K: 6, Avoid: 15, Sidestep: 15}},
			"airplane": {Count: 102, Timestep: 0.05, Agent: steering.Params{
				Radius: 3, MaxSpeed: 5, MaxForce: 30, Horizon: 5, K: 2, Avoid: 10, Sidestep: 5}},
			"crossing": {Count: 2, Timestep: 0.05, Agent: steering.Params{
				Radius: 1, MaxSpeed: 10, MaxForce: 30, Horizon: 10, K: 2, Avoid: 5, Sidestep: 10}},
		},
	}
}

// Load reads a tuning file on top of Defaults, so a file only needs the keys
// it changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := Parse(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Parse overlays raw YAML onto t. Scenario entries are merged key by key with
// the existing entry of the same name.
func Parse(raw []byte, t *Tuning) error {
	base := make(map[string]ScenarioTuning, len(t.Scenarios))
	for k, v := range t.Scenarios {
		base[k] = v
	}
	if t.Scenarios == nil {
		t.Scenarios = map[string]ScenarioTuning{}
	}
	if err := yaml.Unmarshal(raw, t); err != nil {
		return err
	}
	var file struct {
		Scenarios map[string]yaml.Node `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return err
	}
	for name, node := range file.Scenarios {
		st := base[name]
		if err := node.Decode(&st); err != nil {
			return fmt.Errorf("scenarios.%s: %w", name, err)
		}
		t.Scenarios[name] = st
	}
	return t.Validate()
}

func (t Tuning) Validate() error {
	var errs []error
	if t.TickRateHz <= 0 {
		errs = append(errs, fmt.Errorf("tick_rate_hz must be > 0"))
	}
	if t.SnapshotEveryTicks < 0 {
		errs = append(errs, fmt.Errorf("snapshot_every_ticks must be >= 0"))
	}
	if _, ok := t.Scenarios[t.Scenario]; !ok {
		errs = append(errs, fmt.Errorf("unknown scenario %q", t.Scenario))
	}
	for _, name := range t.ScenarioNames() {
		st := t.Scenarios[name]
		if st.Count < 0 {
			errs = append(errs, fmt.Errorf("scenarios.%s.count must be >= 0", name))
		}
		if st.Timestep <= 0 {
			errs = append(errs, fmt.Errorf("scenarios.%s.timestep must be > 0", name))
		}
		if st.MinSpeed < 0 || st.MinSpeed > st.Agent.MaxSpeed {
			errs = append(errs, fmt.Errorf("scenarios.%s.min_speed must be in [0, max_speed]", name))
		}
		if err := st.Agent.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("scenarios.%s.agent: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (t Tuning) ScenarioNames() []string {
	names := make([]string, 0, len(t.Scenarios))
	for n := range t.Scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Active returns the tuning of the selected scenario.
func (t Tuning) Active() ScenarioTuning { return t.Scenarios[t.Scenario] }
