package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/metalagman/clausegate/internal/agent"
	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/metalagman/clausegate/internal/playbook"
	"github.com/metalagman/clausegate/internal/risk"
	"github.com/metalagman/clausegate/internal/team"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doc = `# Fees
Fees are due monthly.
# Termination
[medium] Either party may terminate on short notice.
# Liability
[high] Supplier accepts unlimited liability for all liability claims.
`

const lowDoc = `# Fees
Fees are due monthly.
# Notices
Notices are sent by email.
`

func markerAssessor() risk.Assessor {
	return risk.AssessorFunc(func(ctx context.Context, req risk.Request) (risk.Response, error) {
		switch {
		case strings.Contains(req.ClauseText, "[boom]"):
			return risk.Response{}, errors.New("upstream unavailable")
		case strings.Contains(req.ClauseText, "[high]"):
			return risk.Response{RiskLevel: "high", Rationale: "no liability cap", PolicyRefs: "LC-1"}, nil
		case strings.Contains(req.ClauseText, "[medium]"):
			return risk.Response{RiskLevel: "MEDIUM", Rationale: "notice too short"}, nil
		}
		return risk.Response{RiskLevel: "LOW", Rationale: "standard"}, nil
	})
}

type countingObserver struct {
	transitions []Status
	patterns    []string
}

func (o *countingObserver) RunTransition(_, to Status) { o.transitions = append(o.transitions, to) }

func (o *countingObserver) PatternExecuted(pattern string, _ time.Duration, _ bool) {
	o.patterns = append(o.patterns, pattern)
}

func newCoordinator(t *testing.T, mutate ...func(*Options)) *Coordinator {
	t.Helper()
	opts := Options{
		Deps: agent.Deps{
			Risk:        risk.NewClient(markerAssessor(), risk.Policy{Timeout: time.Second}),
			Concurrency: 2,
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	c := New(opts)
	require.NoError(t, c.LoadTeams(context.Background()))
	return c
}

func start(t *testing.T, c *Coordinator, agentPath, text string) Run {
	t.Helper()
	run, err := c.StartRun(context.Background(), StartRequest{DocID: "msa", Text: text, AgentPath: agentPath})
	require.NoError(t, err)
	return run
}

func TestManagerWorkerEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	obs := &countingObserver{}
	c := newCoordinator(t, func(o *Options) { o.Observer = obs })

	run := start(t, c, "manager_worker", doc)
	assert.Equal(t, StatusAwaitingRiskApproval, run.Status)
	assert.InDelta(t, 0.5, run.Score, 1e-9)

	view, err := c.GetRun(run.ID)
	require.NoError(t, err)
	require.Len(t, view.Blackboard.Assessments, 3)
	byClause := map[string]blackboard.Assessment{}
	for _, a := range view.Blackboard.Assessments {
		byClause[a.ClauseID] = a
	}
	assert.Equal(t, blackboard.RiskLow, byClause["c1"].RiskLevel)
	assert.Equal(t, blackboard.RiskMedium, byClause["c2"].RiskLevel)
	assert.Equal(t, blackboard.RiskHigh, byClause["c3"].RiskLevel)
	assert.Equal(t, []string{"LC-1"}, byClause["c3"].PolicyRefs)
	require.Len(t, view.Blackboard.Proposals, 2)

	last := view.Blackboard.History[len(view.Blackboard.History)-1]
	assert.Equal(t, "manager_worker", last.Step)
	assert.Equal(t, blackboard.StatusCompleted, last.Status)

	// Deciding only one risky clause keeps the gate closed.
	run, err = c.RiskApprove(ctx, run.ID, []RiskDecision{{ClauseID: "c2", Decision: "approve", Reviewer: "ann"}})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingRiskApproval, run.Status)

	run, err = c.RiskApprove(ctx, run.ID, []RiskDecision{{ClauseID: "c3", Decision: "reject", Reviewer: "ann"}})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingFinalApproval, run.Status)

	view, err = c.GetRun(run.ID)
	require.NoError(t, err)
	ids := make([]string, 0, len(view.Blackboard.Proposals))
	for _, p := range view.Blackboard.Proposals {
		ids = append(ids, p.ID)
	}
	run, err = c.FinalApprove(ctx, run.ID, FinalApproval{
		ApprovedProposalIDs: ids[:1],
		RejectedProposalIDs: ids[1:],
		Note:                "ship it",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, run.Status)

	view, err = c.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "ship it", view.Blackboard.Artifacts["final_note"])
	assert.Equal(t, blackboard.ProposalApproved, view.Blackboard.Proposals[0].Status)
	assert.Equal(t, blackboard.ProposalRejected, view.Blackboard.Proposals[1].Status)

	art, err := c.Export(ctx, run.ID, "md")
	require.NoError(t, err)
	assert.Equal(t, "memory://runs/"+run.ID+"/report.md", art.URI)
	assert.Contains(t, string(art.Data), "ship it")

	after, err := c.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, after.Run.Status)
	assert.Equal(t, art.URI, after.Blackboard.Artifacts["export_md"])

	assert.Equal(t, []Status{
		StatusRunning,
		StatusAwaitingRiskApproval,
		StatusAwaitingFinalApproval,
		StatusApproved,
	}, obs.transitions)
	assert.Equal(t, []string{string(team.ManagerWorker)}, obs.patterns)

	events, err := c.Events(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "run_created", events[0].Type)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
	}
}

func TestAllPatternsReachRiskGate(t *testing.T) {
	t.Parallel()
	c := newCoordinator(t)
	for _, name := range []string{"sequential", "manager_worker", "pipeline", "reviewer_referee"} {
		run := start(t, c, name, doc)
		assert.Equal(t, StatusAwaitingRiskApproval, run.Status, name)
		view, err := c.GetRun(run.ID)
		require.NoError(t, err)
		assert.Len(t, view.Blackboard.Proposals, 2, name)
	}
}

func TestStartRunWithoutRiskSkipsRiskGate(t *testing.T) {
	t.Parallel()
	c := newCoordinator(t)
	run := start(t, c, "sequential", lowDoc)
	assert.Equal(t, StatusAwaitingFinalApproval, run.Status)
	assert.Zero(t, run.Score)
}

func TestRiskCollaboratorFailureBecomesUnknown(t *testing.T) {
	t.Parallel()
	c := newCoordinator(t)
	run := start(t, c, "manager_worker", "# Fees\n[boom] Fees are due.\n")
	assert.Equal(t, StatusAwaitingFinalApproval, run.Status)

	view, err := c.GetRun(run.ID)
	require.NoError(t, err)
	require.Len(t, view.Blackboard.Assessments, 1)
	a := view.Blackboard.Assessments[0]
	assert.Equal(t, blackboard.RiskUnknown, a.RiskLevel)
	assert.True(t, strings.HasPrefix(a.Rationale, "risk assessment unavailable:"), a.Rationale)
}

func TestRiskApproveIsIdempotentAndLastWriteWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(t)
	run := start(t, c, "sequential", doc)

	items := []RiskDecision{
		{ClauseID: "c2", Decision: "approve", Reviewer: "ann"},
		{ClauseID: "c3", Decision: "approve", Reviewer: "ann"},
	}
	_, err := c.RiskApprove(ctx, run.ID, items)
	require.NoError(t, err)
	run, err = c.RiskApprove(ctx, run.ID, items)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingFinalApproval, run.Status)

	_, err = c.RiskApprove(ctx, run.ID, []RiskDecision{{ClauseID: "c3", Decision: "reject", Reviewer: "bob", RiskOverride: "low"}})
	require.NoError(t, err)

	view, err := c.GetRun(run.ID)
	require.NoError(t, err)
	require.Len(t, view.Blackboard.Decisions, 2)
	for _, d := range view.Blackboard.Decisions {
		if d.ClauseID == "c3" {
			assert.Equal(t, blackboard.DecisionRejected, d.Status)
			assert.Equal(t, "bob", d.Reviewer)
		}
	}
	for _, a := range view.Blackboard.Assessments {
		if a.ClauseID == "c3" {
			assert.Equal(t, blackboard.RiskLow, a.RiskLevel)
		}
	}
	// Proposals generated before the override stay in place.
	assert.Len(t, view.Blackboard.Proposals, 2)
}

func TestRiskApproveValidatesBeforeMutation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(t)
	run := start(t, c, "sequential", doc)

	cases := map[string][]RiskDecision{
		"unknown clause": {{ClauseID: "c2", Decision: "approve"}, {ClauseID: "c99", Decision: "approve"}},
		"bad decision":   {{ClauseID: "c2", Decision: "maybe"}},
		"bad override":   {{ClauseID: "c2", Decision: "approve", RiskOverride: "severe"}},
		"empty":          nil,
	}
	for name, items := range cases {
		_, err := c.RiskApprove(ctx, run.ID, items)
		assert.ErrorIs(t, err, ErrValidation, name)
	}
	view, err := c.GetRun(run.ID)
	require.NoError(t, err)
	assert.Empty(t, view.Blackboard.Decisions)
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(t)

	_, err := c.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.RiskApprove(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.StartRun(ctx, StartRequest{Text: doc, AgentPath: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.StartRun(ctx, StartRequest{Text: doc})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.StartRun(ctx, StartRequest{DocID: "absent", AgentPath: "sequential"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.StartRun(ctx, StartRequest{Text: doc, AgentPath: "sequential", PlaybookID: "nda"})
	assert.ErrorIs(t, err, ErrNotFound)

	run := start(t, c, "sequential", doc)
	_, err = c.FinalApprove(ctx, run.ID, FinalApproval{})
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = c.Export(ctx, run.ID, "odt")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.Export(ctx, run.ID, "pdf")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFinalApproveRejectsUnknownAndOverlappingProposals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(t)
	run := start(t, c, "sequential", lowDoc)
	require.Equal(t, StatusAwaitingFinalApproval, run.Status)

	_, err := c.FinalApprove(ctx, run.ID, FinalApproval{ApprovedProposalIDs: []string{"nope"}})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.FinalApprove(ctx, run.ID, FinalApproval{ApprovedProposalIDs: []string{"x"}, RejectedProposalIDs: []string{"x"}})
	assert.ErrorIs(t, err, ErrValidation)

	run, err = c.FinalApprove(ctx, run.ID, FinalApproval{Note: "clean"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, run.Status)
	_, err = c.FinalApprove(ctx, run.ID, FinalApproval{})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReplayDeepCopiesBlackboard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(t)
	src := start(t, c, "pipeline", doc)
	before, err := c.GetRun(src.ID)
	require.NoError(t, err)

	replayed, err := c.Replay(ctx, src.ID)
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, replayed.ID)
	assert.Equal(t, StatusCreated, replayed.Status)
	assert.Equal(t, src.ID, replayed.ReplayedFrom)

	view, err := c.GetRun(replayed.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Blackboard.Clauses, view.Blackboard.Clauses)
	assert.Equal(t, before.Blackboard.Assessments, view.Blackboard.Assessments)
	assert.Equal(t, before.Blackboard.Proposals, view.Blackboard.Proposals)
	assert.Equal(t, before.Blackboard.History, view.Blackboard.History)
	assert.Equal(t, src.ID, view.Blackboard.Metadata["replayed_from"])
	assert.Equal(t, replayed.ID, view.Blackboard.RunID)

	// Mutating the replay leaves the source untouched.
	_, err = c.Execute(ctx, replayed.ID)
	require.NoError(t, err)
	after, err := c.GetRun(src.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Blackboard.History, after.Blackboard.History)

	_, err = c.Export(ctx, replayed.ID, "md")
	require.NoError(t, err)
	_, err = c.Execute(ctx, replayed.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReplayedRunNeedsFreshRiskDecisions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(t)
	src := start(t, c, "manager_worker", doc)
	_, err := c.RiskApprove(ctx, src.ID, []RiskDecision{{ClauseID: "c3", Decision: "reject", Reviewer: "ann"}})
	require.NoError(t, err)

	replayed, err := c.Replay(ctx, src.ID)
	require.NoError(t, err)
	run, err := c.Execute(ctx, replayed.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingRiskApproval, run.Status)

	view, err := c.GetRun(run.ID)
	require.NoError(t, err)
	assert.Empty(t, view.Blackboard.Decisions)

	run, err = c.RiskApprove(ctx, run.ID, []RiskDecision{{ClauseID: "c2", Decision: "approve", Reviewer: "bob"}})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingRiskApproval, run.Status)

	run, err = c.RiskApprove(ctx, run.ID, []RiskDecision{{ClauseID: "c3", Decision: "approve", Reviewer: "bob"}})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingFinalApproval, run.Status)

	source, err := c.GetRun(src.ID)
	require.NoError(t, err)
	assert.Len(t, source.Blackboard.Decisions, 1)
}

func TestExportRefusedBeforeExecution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(t)
	src := start(t, c, "sequential", doc)
	replayed, err := c.Replay(ctx, src.ID)
	require.NoError(t, err)
	_, err = c.Export(ctx, replayed.ID, "md")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExportWithRegisteredRendererAndFileArtifacts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	c := newCoordinator(t, func(o *Options) { o.Exporter = FileArtifacts{Dir: dir} })
	c.opts.Renderers.Register("pdf", rendererFunc(func(snap blackboard.Snapshot) ([]byte, error) {
		return []byte("%PDF " + snap.RunID), nil
	}))
	run := start(t, c, "sequential", doc)

	art, err := c.Export(context.Background(), run.ID, "PDF")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(art.URI, "file://"))
	data, err := os.ReadFile(filepath.Join(dir, run.ID, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF "+run.ID, string(data))
}

type rendererFunc func(blackboard.Snapshot) ([]byte, error)

func (f rendererFunc) Render(s blackboard.Snapshot) ([]byte, error) { return f(s) }

func TestTeamsPersistAndFailLoudly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	c := newCoordinator(t, func(o *Options) { o.Store = store })
	assert.Len(t, c.ListTeams(), 4)

	def, err := c.RegisterTeam(ctx, team.Definition{
		Name:    "custom",
		Pattern: team.Sequential,
		Agents:  []agent.Spec{{Name: "p", Kind: agent.KindParser}},
	})
	require.NoError(t, err)
	assert.Equal(t, "custom", def.Name)

	def, err = c.AddAgent(ctx, "custom", agent.Spec{Name: "r", Kind: agent.KindRisk})
	require.NoError(t, err)
	assert.Len(t, def.Agents, 2)

	_, err = c.RegisterTeam(ctx, team.Definition{
		Name:    "broken",
		Pattern: team.Sequential,
		Agents:  []agent.Spec{{Name: "x", Kind: "oracle"}},
	})
	assert.ErrorIs(t, err, ErrValidation)

	restarted := newCoordinator(t, func(o *Options) { o.Store = store })
	got, err := restarted.GetTeam("custom")
	require.NoError(t, err)
	assert.Len(t, got.Agents, 2)

	_, err = c.GetTeam("absent")
	assert.ErrorIs(t, err, ErrNotFound)

	legacy := NewMemoryStore()
	require.NoError(t, legacy.SaveTeam(ctx, team.Definition{
		Name:    "legacy",
		Pattern: team.Sequential,
		Agents:  []agent.Spec{{Name: "x", Kind: "oracle"}},
	}))
	err = New(Options{Store: legacy}).LoadTeams(ctx)
	assert.ErrorIs(t, err, agent.ErrUnknownKind)
}

func TestManagerWorkerTeamRejectsRiskAnalyzer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(t)

	_, err := c.RegisterTeam(ctx, team.Definition{
		Name:    "mw-analyzer",
		Pattern: team.ManagerWorker,
		Agents: []agent.Spec{
			{Name: "manager", Kind: agent.KindManager},
			{Name: "risk", Kind: agent.KindRisk},
		},
	})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.GetTeam("mw-analyzer")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.AddAgent(ctx, "manager_worker", agent.Spec{Name: "risk", Kind: agent.KindRisk})
	assert.ErrorIs(t, err, ErrValidation)

	run := start(t, c, "manager_worker", doc)
	assert.Equal(t, StatusAwaitingRiskApproval, run.Status)
}

func TestAddAgentAfterExecutionIsInvalidState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(t)
	start(t, c, "sequential", doc)
	_, err := c.AddAgent(ctx, "sequential", agent.Spec{Name: "late", Kind: agent.KindRedline})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStartRunUsesDocumentsAndPlaybooks(t *testing.T) {
	t.Parallel()
	docs := NewMemoryDocuments()
	docs.Put("msa", lowDoc)
	books := playbook.NewSet()
	books.Put(playbook.Playbook{Name: "strict", Rules: map[string]any{"medium_keywords": []any{"email"}}})

	c := newCoordinator(t, func(o *Options) {
		o.Documents = docs
		o.Playbooks = books
		o.Deps.Risk = risk.NewClient(risk.NewStaticAssessor(), risk.Policy{Timeout: time.Second})
	})
	run, err := c.StartRun(context.Background(), StartRequest{DocID: "msa", AgentPath: "sequential", PlaybookID: "strict"})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingRiskApproval, run.Status)
	assert.Equal(t, "strict", run.PlaybookID)
}

func TestRestoreMarksInterruptedRunsFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	c := newCoordinator(t, func(o *Options) { o.Store = store })
	done := start(t, c, "sequential", doc)

	bb := blackboard.New("stuck")
	now := time.Now().UTC()
	require.NoError(t, store.SaveRun(ctx, Run{ID: "stuck", AgentPath: "sequential", Status: StatusRunning, CreatedAt: now, UpdatedAt: now}, bb.Snapshot(), Event{Type: "run_started"}))

	restarted := newCoordinator(t, func(o *Options) { o.Store = store })
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	view, err := restarted.GetRun("stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Run.Status)
	assert.Equal(t, "interrupted", view.Run.Error)

	view, err = restarted.GetRun(done.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingRiskApproval, view.Run.Status)
}

func TestExpireStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newCoordinator(t, func(o *Options) {
		o.ApprovalTimeout = time.Hour
		o.Now = func() time.Time { return now }
	})
	run := start(t, c, "sequential", doc)

	expired, err := c.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	now = now.Add(2 * time.Hour)
	expired, err = c.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{run.ID}, expired)

	_, err = c.RiskApprove(ctx, run.ID, []RiskDecision{{ClauseID: "c2", Decision: "approve"}})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPruneKeepsAwaitingRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newCoordinator(t, func(o *Options) {
		o.Now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
	})
	old := start(t, c, "sequential", lowDoc)
	_, err := c.FinalApprove(ctx, old.ID, FinalApproval{})
	require.NoError(t, err)
	parked := start(t, c, "sequential", doc)
	newest := start(t, c, "sequential", lowDoc)

	res, err := c.Prune(ctx, RetentionPolicy{KeepLast: 1}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, res.Deleted)
	_, err = c.GetRun(old.ID)
	require.NoError(t, err)

	res, err = c.Prune(ctx, RetentionPolicy{KeepLast: 1}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Considered)
	assert.Equal(t, 2, res.Kept)
	_, err = c.GetRun(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, id := range []string{parked.ID, newest.ID} {
		_, err = c.GetRun(id)
		require.NoError(t, err)
	}
}
