// Package team composes agents into one of four execution patterns over a
// run's blackboard.
package team

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/metalagman/clausegate/internal/agent"
	"github.com/metalagman/clausegate/internal/config"
)

// Pattern selects the control flow of a team.
type Pattern string

const (
	Sequential      Pattern = "SEQUENTIAL"
	ManagerWorker   Pattern = "MANAGER_WORKER"
	Pipeline        Pattern = "PIPELINE"
	ReviewerReferee Pattern = "REVIEWER_REFEREE"
)

// ParsePattern accepts any casing and dashes for underscores.
func ParsePattern(s string) (Pattern, error) {
	p := Pattern(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	switch p {
	case Sequential, ManagerWorker, Pipeline, ReviewerReferee:
		return p, nil
	}
	return "", fmt.Errorf("unknown pattern %q", s)
}

var (
	// ErrSealed is returned when agents are added after the first execution.
	ErrSealed = errors.New("team already executed")
	// ErrMisconfigured is returned when a team lacks an agent its pattern needs.
	ErrMisconfigured = errors.New("team misconfigured")
)

//go:embed schema.json
var definitionSchema string

// Definition is the persisted form of a team.
type Definition struct {
	Name    string       `json:"name"    yaml:"name"`
	Pattern Pattern      `json:"pattern" yaml:"pattern"`
	Agents  []agent.Spec `json:"agents"  yaml:"agents"`
}

// ParseDefinition decodes and schema-validates a JSON team definition.
func ParseDefinition(data []byte) (Definition, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Definition{}, fmt.Errorf("decode team definition: %w", err)
	}
	if err := config.ValidateDocument(definitionSchema, raw); err != nil {
		return Definition{}, fmt.Errorf("team definition: %w", err)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("decode team definition: %w", err)
	}
	return def, nil
}

// Team is a named, registered composition of agents.
type Team struct {
	name    string
	pattern Pattern

	mu       sync.RWMutex
	agents   []agent.Agent
	executed bool
}

// New builds a team.
func New(name string, pattern Pattern, agents ...agent.Agent) *Team {
	return &Team{name: name, pattern: pattern, agents: append([]agent.Agent(nil), agents...)}
}

// Build instantiates a definition. An unknown agent kind fails the whole
// definition.
func Build(def Definition, reg *agent.Registry, deps agent.Deps) (*Team, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, errors.New("team name is required")
	}
	pattern, err := ParsePattern(string(def.Pattern))
	if err != nil {
		return nil, err
	}
	agents := make([]agent.Agent, 0, len(def.Agents))
	for _, spec := range def.Agents {
		a, err := reg.New(spec, deps)
		if err != nil {
			return nil, fmt.Errorf("team %q: %w", def.Name, err)
		}
		if err := checkMember(pattern, a); err != nil {
			return nil, fmt.Errorf("team %q: %w", def.Name, err)
		}
		agents = append(agents, a)
	}
	return New(def.Name, pattern, agents...), nil
}

// checkMember rejects agents the pattern cannot run. Manager-worker workers
// run without a blackboard, so only worker agents may assess risk there.
func checkMember(p Pattern, a agent.Agent) error {
	if p != ManagerWorker {
		return nil
	}
	switch a.(type) {
	case *agent.Manager, *agent.Worker:
		return nil
	}
	if agent.HasCapability(a, agent.CapRisk) {
		return fmt.Errorf("%w: %s agent %q cannot be a manager-worker worker", ErrMisconfigured, a.Kind(), a.Name())
	}
	return nil
}

// Name returns the team name.
func (t *Team) Name() string { return t.name }

// Pattern returns the execution pattern.
func (t *Team) Pattern() Pattern { return t.pattern }

// Agents returns the agent list.
func (t *Team) Agents() []agent.Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]agent.Agent(nil), t.agents...)
}

// Executed reports whether the team has run at least once.
func (t *Team) Executed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.executed
}

// AddAgent appends an agent. It fails once the team has executed or when the
// agent does not fit the pattern.
func (t *Team) AddAgent(a agent.Agent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.executed {
		return fmt.Errorf("%w: %s", ErrSealed, t.name)
	}
	if err := checkMember(t.pattern, a); err != nil {
		return err
	}
	t.agents = append(t.agents, a)
	return nil
}

// Definition returns the persisted form.
func (t *Team) Definition() Definition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	def := Definition{Name: t.name, Pattern: t.pattern, Agents: make([]agent.Spec, len(t.agents))}
	for i, a := range t.agents {
		def.Agents[i] = agent.SpecOf(a)
	}
	return def
}

func (t *Team) seal() []agent.Agent {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executed = true
	return append([]agent.Agent(nil), t.agents...)
}

// DefaultDefinitions are the teams registered on a fresh store, one per
// pattern.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: "sequential", Pattern: Sequential, Agents: []agent.Spec{
			{Name: "parser", Kind: agent.KindParser},
			{Name: "risk", Kind: agent.KindRisk},
			{Name: "redline", Kind: agent.KindRedline},
		}},
		{Name: "manager_worker", Pattern: ManagerWorker, Agents: []agent.Spec{
			{Name: "manager", Kind: agent.KindManager},
			{Name: "worker-1", Kind: agent.KindWorker},
			{Name: "worker-2", Kind: agent.KindWorker},
		}},
		{Name: "pipeline", Pattern: Pipeline, Agents: []agent.Spec{
			{Name: "planner", Kind: agent.KindPlanner},
			{Name: "executor", Kind: agent.KindExecutor},
		}},
		{Name: "reviewer_referee", Pattern: ReviewerReferee, Agents: []agent.Spec{
			{Name: "risk", Kind: agent.KindRisk},
			{Name: "reviewer", Kind: agent.KindReviewer},
			{Name: "referee", Kind: agent.KindReferee},
		}},
	}
}
