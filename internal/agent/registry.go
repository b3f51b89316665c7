package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/metalagman/clausegate/internal/clause"
	"github.com/metalagman/clausegate/internal/risk"
)

// Built-in kinds.
const (
	KindParser    = "parser"
	KindRisk      = "risk_analyzer"
	KindRedline   = "redline_generator"
	KindManager   = "manager"
	KindWorker    = "worker"
	KindPlanner   = "planner"
	KindExecutor  = "executor"
	KindReviewer  = "reviewer"
	KindReferee   = "referee"
	defaultPoolSz = 4
)

// ErrUnknownKind is returned when a spec names an unregistered kind.
var ErrUnknownKind = errors.New("unknown agent kind")

// Spec is the persisted form of an agent.
type Spec struct {
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind" yaml:"kind"`
}

// Deps are the collaborators agents are built with.
type Deps struct {
	Risk        *risk.Client
	Parser      clause.Parser
	Concurrency int
}

func (d Deps) concurrency() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return defaultPoolSz
}

func (d Deps) parser() clause.Parser {
	if d.Parser != nil {
		return d.Parser
	}
	return clause.HeadingParser{}
}

// Constructor builds an agent from its spec.
type Constructor func(spec Spec, deps Deps) (Agent, error)

// Registry maps kinds to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns a registry with every built-in kind installed.
func NewRegistry() *Registry {
	r := &Registry{ctors: map[string]Constructor{}}
	r.Register(KindParser, func(s Spec, d Deps) (Agent, error) { return NewParser(s.Name, d), nil })
	r.Register(KindRisk, func(s Spec, d Deps) (Agent, error) { return NewRiskAnalyzer(s.Name, d) })
	r.Register(KindRedline, func(s Spec, d Deps) (Agent, error) { return NewRedlineGenerator(s.Name), nil })
	r.Register(KindManager, func(s Spec, d Deps) (Agent, error) { return NewManager(s.Name, d) })
	r.Register(KindWorker, func(s Spec, d Deps) (Agent, error) { return NewWorker(s.Name, d) })
	r.Register(KindPlanner, func(s Spec, d Deps) (Agent, error) { return NewPlanner(s.Name), nil })
	r.Register(KindExecutor, func(s Spec, d Deps) (Agent, error) { return NewExecutor(s.Name, d) })
	r.Register(KindReviewer, func(s Spec, d Deps) (Agent, error) { return NewReviewer(s.Name), nil })
	r.Register(KindReferee, func(s Spec, d Deps) (Agent, error) { return NewReferee(s.Name), nil })
	return r
}

// Register installs a constructor, replacing any previous one for kind.
func (r *Registry) Register(kind string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[kind] = ctor
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds an agent. Unknown kinds fail with ErrUnknownKind.
func (r *Registry) New(spec Spec, deps Deps) (Agent, error) {
	kind := strings.TrimSpace(spec.Kind)
	r.mu.RLock()
	ctor, ok := r.ctors[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (agent %q)", ErrUnknownKind, spec.Kind, spec.Name)
	}
	if strings.TrimSpace(spec.Name) == "" {
		spec.Name = kind
	}
	a, err := ctor(spec, deps)
	if err != nil {
		return nil, fmt.Errorf("build agent %q: %w", spec.Name, err)
	}
	return a, nil
}

// SpecOf returns the persisted form of a.
func SpecOf(a Agent) Spec {
	return Spec{Name: a.Name(), Kind: a.Kind()}
}

var defaultRegistry = NewRegistry()

// Register installs a constructor in the default registry.
func Register(kind string, ctor Constructor) {
	defaultRegistry.Register(kind, ctor)
}

// New builds an agent from the default registry.
func New(spec Spec, deps Deps) (Agent, error) {
	return defaultRegistry.New(spec, deps)
}

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}
