// Package coordinator owns runs, teams and blackboards: it drives the run
// state machine, gates progress behind human approvals and replays runs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/metalagman/clausegate/internal/agent"
	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/metalagman/clausegate/internal/clause"
	"github.com/metalagman/clausegate/internal/logging"
	"github.com/metalagman/clausegate/internal/redline"
	"github.com/metalagman/clausegate/internal/team"
	"github.com/rs/zerolog"
)

// Observer receives run lifecycle notifications.
type Observer interface {
	RunTransition(from, to Status)
	PatternExecuted(pattern string, d time.Duration, failed bool)
}

type nopObserver struct{}

func (nopObserver) RunTransition(Status, Status) {}

func (nopObserver) PatternExecuted(string, time.Duration, bool) {}

// Options configure a Coordinator. Only Deps is required for execution.
type Options struct {
	Store     Store
	Registry  *agent.Registry
	Deps      agent.Deps
	Documents DocumentSource
	Playbooks PlaybookSource
	Renderers *redline.Registry
	Parser    clause.Parser
	Exporter  ArtifactWriter
	Observer  Observer
	// ApprovalTimeout expires runs parked at a HITL gate. Zero disables expiry.
	ApprovalTimeout time.Duration
	Now             func() time.Time
}

type runEntry struct {
	mu  sync.Mutex
	run Run
	bb  *blackboard.Blackboard
}

// Coordinator is the top-level registry. It is safe for concurrent use;
// mutations of one run are serialized, distinct runs are independent.
type Coordinator struct {
	opts   Options
	logger zerolog.Logger

	mu    sync.RWMutex
	runs  map[string]*runEntry
	teams map[string]*team.Team
}

// New builds a coordinator. Call LoadTeams and Restore to pick up persisted
// state.
func New(opts Options) *Coordinator {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Registry == nil {
		opts.Registry = agent.Default()
	}
	if opts.Renderers == nil {
		opts.Renderers = redline.NewRegistry()
	}
	if opts.Parser == nil {
		opts.Parser = clause.HeadingParser{}
	}
	if opts.Documents == nil {
		opts.Documents = NewMemoryDocuments()
	}
	if opts.Exporter == nil {
		opts.Exporter = MemoryArtifacts{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		opts:   opts,
		logger: logging.Component("coordinator"),
		runs:   map[string]*runEntry{},
		teams:  map[string]*team.Team{},
	}
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now().UTC()
}

// --- teams ---

// LoadTeams instantiates every persisted team definition. On an empty store
// the default teams are registered. A definition naming an unknown agent
// kind fails the whole load.
func (c *Coordinator) LoadTeams(ctx context.Context) error {
	defs, err := c.opts.Store.Teams(ctx)
	if err != nil {
		return fmt.Errorf("load teams: %w", err)
	}
	if len(defs) == 0 {
		for _, def := range team.DefaultDefinitions() {
			if _, err := c.RegisterTeam(ctx, def); err != nil {
				return err
			}
		}
		return nil
	}
	built := make(map[string]*team.Team, len(defs))
	for _, def := range defs {
		t, err := team.Build(def, c.opts.Registry, c.opts.Deps)
		if err != nil {
			return fmt.Errorf("load team %q: %w", def.Name, err)
		}
		built[def.Name] = t
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, t := range built {
		c.teams[name] = t
	}
	c.logger.Info().Int("teams", len(built)).Msg("teams loaded")
	return nil
}

// RegisterTeam builds, persists and registers a team, replacing any team
// with the same name.
func (c *Coordinator) RegisterTeam(ctx context.Context, def team.Definition) (team.Definition, error) {
	t, err := team.Build(def, c.opts.Registry, c.opts.Deps)
	if err != nil {
		return team.Definition{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	stored := t.Definition()
	if err := c.opts.Store.SaveTeam(ctx, stored); err != nil {
		return team.Definition{}, fmt.Errorf("persist team %q: %w", def.Name, err)
	}
	c.mu.Lock()
	c.teams[t.Name()] = t
	c.mu.Unlock()
	c.logger.Info().Str("team", t.Name()).Str("pattern", string(t.Pattern())).Msg("team registered")
	return stored, nil
}

// AddAgent appends an agent to a team that has not executed yet.
func (c *Coordinator) AddAgent(ctx context.Context, teamName string, spec agent.Spec) (team.Definition, error) {
	t, err := c.team(teamName)
	if err != nil {
		return team.Definition{}, err
	}
	a, err := c.opts.Registry.New(spec, c.opts.Deps)
	if err != nil {
		return team.Definition{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := t.AddAgent(a); err != nil {
		if errors.Is(err, team.ErrSealed) {
			return team.Definition{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		if errors.Is(err, team.ErrMisconfigured) {
			return team.Definition{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return team.Definition{}, err
	}
	def := t.Definition()
	if err := c.opts.Store.SaveTeam(ctx, def); err != nil {
		return team.Definition{}, fmt.Errorf("persist team %q: %w", teamName, err)
	}
	return def, nil
}

// ListTeams returns every registered team definition sorted by name.
func (c *Coordinator) ListTeams() []team.Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]team.Definition, 0, len(c.teams))
	for _, t := range c.teams {
		out = append(out, t.Definition())
	}
	sortDefinitions(out)
	return out
}

// GetTeam returns one team definition.
func (c *Coordinator) GetTeam(name string) (team.Definition, error) {
	t, err := c.team(name)
	if err != nil {
		return team.Definition{}, err
	}
	return t.Definition(), nil
}

func (c *Coordinator) team(name string) (*team.Team, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.teams[name]
	if !ok {
		return nil, fmt.Errorf("%w: team %q", ErrNotFound, name)
	}
	return t, nil
}

// --- runs ---

func (c *Coordinator) entry(runID string) (*runEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %q", ErrNotFound, runID)
	}
	return e, nil
}

// GetRun returns the run and a snapshot of its blackboard.
func (c *Coordinator) GetRun(runID string) (View, error) {
	e, err := c.entry(runID)
	if err != nil {
		return View{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return View{Run: e.run, Blackboard: e.bb.Snapshot()}, nil
}

// ListRuns returns all runs, newest first.
func (c *Coordinator) ListRuns() []Run {
	c.mu.RLock()
	entries := make([]*runEntry, 0, len(c.runs))
	for _, e := range c.runs {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]Run, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.run)
		e.mu.Unlock()
	}
	sortRuns(out)
	return out
}

// Events returns the persisted timeline of a run.
func (c *Coordinator) Events(ctx context.Context, runID string) ([]Event, error) {
	if _, err := c.entry(runID); err != nil {
		return nil, err
	}
	return c.opts.Store.Events(ctx, runID)
}

// transition moves e to status and persists the change with an event.
// Callers hold e.mu.
func (c *Coordinator) transition(ctx context.Context, e *runEntry, to Status, evType, message string) error {
	from := e.run.Status
	e.run.Status = to
	e.run.UpdatedAt = c.now()
	if from != to {
		c.opts.Observer.RunTransition(from, to)
	}
	c.logger.Info().Str("run_id", e.run.ID).Str("from", string(from)).Str("to", string(to)).Msg(message)
	return c.persist(ctx, e, evType, message)
}

func (c *Coordinator) persist(ctx context.Context, e *runEntry, evType, message string) error {
	ev := Event{Type: evType, Message: message, Data: string(e.run.Status), At: c.now()}
	if err := c.opts.Store.SaveRun(ctx, e.run, e.bb.Snapshot(), ev); err != nil {
		return fmt.Errorf("persist run %s: %w", e.run.ID, err)
	}
	return nil
}

// StartRequest describes a new run. Text wins over DocID when both are set.
type StartRequest struct {
	DocID      string `json:"doc_id"`
	Text       string `json:"text,omitempty"`
	AgentPath  string `json:"agent_path"`
	PlaybookID string `json:"playbook_id,omitempty"`
}

// CreateRun is StartRun under its transport name.
func (c *Coordinator) CreateRun(ctx context.Context, req StartRequest) (Run, error) {
	return c.StartRun(ctx, req)
}

// StartRun creates a run, seeds its clauses, executes the team and parks the
// run at the first approval gate. Validation happens before anything is
// created.
func (c *Coordinator) StartRun(ctx context.Context, req StartRequest) (Run, error) {
	if strings.TrimSpace(req.AgentPath) == "" {
		return Run{}, fmt.Errorf("%w: agent_path is required", ErrValidation)
	}
	if req.DocID == "" && req.Text == "" {
		return Run{}, fmt.Errorf("%w: doc_id or text is required", ErrValidation)
	}
	if _, err := c.team(req.AgentPath); err != nil {
		return Run{}, err
	}
	if _, err := c.policyRules(req.PlaybookID); err != nil {
		return Run{}, err
	}
	text := req.Text
	if text == "" {
		var err error
		if text, err = c.opts.Documents.Document(ctx, req.DocID); err != nil {
			return Run{}, err
		}
	}
	if req.DocID == "" {
		req.DocID = "inline"
	}
	clauses, err := c.opts.Parser.Parse(text)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := c.now()
	id, err := newRunID(now)
	if err != nil {
		return Run{}, fmt.Errorf("generate run id: %w", err)
	}
	bb := blackboard.New(id)
	if err := bb.SetClauses(clauses); err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	bb.SetMetadata("doc_id", req.DocID)
	bb.SetMetadata("agent_path", req.AgentPath)
	if req.PlaybookID != "" {
		bb.SetMetadata("playbook_id", req.PlaybookID)
	}

	e := &runEntry{
		run: Run{
			ID:         id,
			DocID:      req.DocID,
			AgentPath:  req.AgentPath,
			PlaybookID: req.PlaybookID,
			Status:     StatusCreated,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		bb: bb,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c.mu.Lock()
	c.runs[id] = e
	c.mu.Unlock()

	if err := c.persist(ctx, e, "run_created", "run created"); err != nil {
		return e.run, err
	}
	if err := c.execute(ctx, e); err != nil {
		return e.run, err
	}
	return e.run, nil
}

// Execute runs the team of a CREATED run, typically a replay.
func (c *Coordinator) Execute(ctx context.Context, runID string) (Run, error) {
	e, err := c.entry(runID)
	if err != nil {
		return Run{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run.Status != StatusCreated {
		return e.run, fmt.Errorf("%w: run %s is %s, want %s", ErrInvalidState, runID, e.run.Status, StatusCreated)
	}
	if _, err := c.team(e.run.AgentPath); err != nil {
		return e.run, err
	}
	if err := c.execute(ctx, e); err != nil {
		return e.run, err
	}
	return e.run, nil
}

func (c *Coordinator) execute(ctx context.Context, e *runEntry) error {
	t, err := c.team(e.run.AgentPath)
	if err != nil {
		return err
	}
	rules, err := c.policyRules(e.run.PlaybookID)
	if err != nil {
		return err
	}
	if err := c.transition(ctx, e, StatusRunning, "run_started", "run started"); err != nil {
		return err
	}
	// Assessments are regenerated below; decisions from an earlier pass
	// would otherwise satisfy the risk gate.
	if n := e.bb.ClearDecisions(); n > 0 {
		c.logger.Info().Str("run_id", e.run.ID).Int("decisions", n).Msg("cleared decisions from previous pass")
	}

	started := time.Now()
	outcome, execErr := t.Execute(ctx, e.bb, team.Input{PolicyRules: rules})
	c.opts.Observer.PatternExecuted(string(t.Pattern()), time.Since(started), execErr != nil)
	if execErr != nil {
		e.run.Error = execErr.Error()
		if err := c.transition(ctx, e, StatusFailed, "run_failed", "team execution failed"); err != nil {
			return err
		}
		return fmt.Errorf("execute run %s: %w", e.run.ID, execErr)
	}

	e.run.Score = Score(e.bb.Assessments())
	if err := e.bb.SetCheckpoint("outcome", outcome); err != nil {
		return fmt.Errorf("checkpoint outcome: %w", err)
	}
	if len(e.bb.RiskyClauseIDs()) > 0 {
		return c.transition(ctx, e, StatusAwaitingRiskApproval, "awaiting_risk_approval", "risky clauses need review")
	}
	return c.transition(ctx, e, StatusAwaitingFinalApproval, "awaiting_final_approval", "no risky clauses, awaiting final approval")
}

func (c *Coordinator) policyRules(playbookID string) (map[string]any, error) {
	if playbookID == "" {
		return nil, nil
	}
	if c.opts.Playbooks == nil {
		return nil, fmt.Errorf("%w: playbook %q", ErrNotFound, playbookID)
	}
	b, err := c.opts.Playbooks.Get(playbookID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return b.Rules, nil
}

func sortDefinitions(in []team.Definition) {
	sort.Slice(in, func(i, j int) bool { return in[i].Name < in[j].Name })
}
