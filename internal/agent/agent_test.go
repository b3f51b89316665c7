package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/metalagman/clausegate/internal/clause"
	"github.com/metalagman/clausegate/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// levelByKeyword answers MEDIUM/HIGH when the clause text carries the marker.
func levelByKeyword() risk.Assessor {
	return risk.AssessorFunc(func(ctx context.Context, req risk.Request) (risk.Response, error) {
		switch {
		case strings.Contains(req.ClauseText, "[high]"):
			return risk.Response{RiskLevel: "high", Rationale: "high marker", PolicyRefs: "HR-1"}, nil
		case strings.Contains(req.ClauseText, "[medium]"):
			return risk.Response{RiskLevel: "Medium", Rationale: "medium marker", PolicyRefs: []any{"MR-1", "MR-2"}}, nil
		default:
			return risk.Response{RiskLevel: "low", Rationale: "fine"}, nil
		}
	})
}

func newDeps(a risk.Assessor) Deps {
	return Deps{Risk: risk.NewClient(a, risk.Policy{Timeout: time.Second}), Concurrency: 2}
}

func seeded(t *testing.T, texts ...string) *blackboard.Blackboard {
	t.Helper()
	bb := blackboard.New("run-test")
	clauses := make([]clause.Clause, len(texts))
	for i, text := range texts {
		id := "c" + string(rune('1'+i))
		clauses[i] = clause.Clause{ID: id, Heading: "H" + id, Text: text}
	}
	require.NoError(t, bb.SetClauses(clauses))
	return bb
}

func assessmentsByClause(bb *blackboard.Blackboard) map[string]blackboard.Assessment {
	out := map[string]blackboard.Assessment{}
	for _, a := range bb.Assessments() {
		out[a.ClauseID] = a
	}
	return out
}

func TestManager_ReplacesAssessmentsAndGeneratesProposals(t *testing.T) {
	t.Parallel()

	deps := newDeps(levelByKeyword())
	m, err := NewManager("manager", deps)
	require.NoError(t, err)
	bb := seeded(t, "plain", "[medium] renewal", "also plain")
	require.NoError(t, bb.ReplaceAssessments([]blackboard.Assessment{{ClauseID: "c1", RiskLevel: blackboard.RiskHigh}}))

	res := m.Execute(context.Background(), Task{ID: "mw", Type: TaskManage}, bb)
	require.True(t, res.Succeeded(), res.Err)

	byClause := assessmentsByClause(bb)
	require.Len(t, byClause, 3)
	assert.Equal(t, blackboard.RiskLow, byClause["c1"].RiskLevel)
	assert.Equal(t, blackboard.RiskMedium, byClause["c2"].RiskLevel)
	assert.Equal(t, []string{"MR-1", "MR-2"}, byClause["c2"].PolicyRefs)

	proposals := bb.Proposals()
	require.Len(t, proposals, 1)
	assert.Equal(t, "c2", proposals[0].ClauseID)

	history := bb.History()
	require.Len(t, history, 4)
	last := history[len(history)-1]
	assert.Equal(t, "manager_worker", last.Step)
	assert.Equal(t, blackboard.StatusCompleted, last.Status)
}

type panickyWorker struct{ base }

func (p *panickyWorker) Execute(ctx context.Context, task Task, _ *blackboard.Blackboard) Result {
	if task.ClauseID == "c2" {
		panic("worker crashed")
	}
	return success(task.ID, ClauseAssessment{Assessment: blackboard.Assessment{ClauseID: task.ClauseID, RiskLevel: blackboard.RiskLow}})
}

func TestManager_PanicBecomesFailedResult(t *testing.T) {
	t.Parallel()

	m, err := NewManager("manager", Deps{Concurrency: 4})
	require.NoError(t, err)
	m = m.WithWorkers([]Agent{&panickyWorker{base{name: "p", kind: KindWorker}}})
	bb := seeded(t, "a", "b", "c")

	res := m.Execute(context.Background(), Task{ID: "mw", Type: TaskManage}, bb)
	require.True(t, res.Succeeded())
	out := res.Output.(ManagerOutput)
	require.Len(t, out.Results, 3)

	failed := 0
	for _, r := range out.Results {
		if r.Status == StatusFailed {
			failed++
			assert.Contains(t, r.Err.Error(), "panicked")
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, blackboard.RiskUnknown, assessmentsByClause(bb)["c2"].RiskLevel)
}

func TestManager_DispatchBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	slow := risk.AssessorFunc(func(ctx context.Context, req risk.Request) (risk.Response, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return risk.Response{RiskLevel: "LOW"}, nil
	})
	m, err := NewManager("manager", newDeps(slow))
	require.NoError(t, err)
	bb := seeded(t, "a", "b", "c", "d", "e", "f")

	results := m.Dispatch(context.Background(), m.Decompose(bb, nil))
	require.Len(t, results, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorker_UnknownTaskTypeFails(t *testing.T) {
	t.Parallel()

	w, err := NewWorker("w", newDeps(levelByKeyword()))
	require.NoError(t, err)
	res := w.Execute(context.Background(), Task{ID: "t1", Type: "summarize", ClauseID: "c1"}, nil)
	assert.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
}

func TestWorker_CollaboratorFailureIsUnknown(t *testing.T) {
	t.Parallel()

	down := risk.AssessorFunc(func(ctx context.Context, req risk.Request) (risk.Response, error) {
		return risk.Response{}, errors.New("503")
	})
	w, err := NewWorker("w", newDeps(down))
	require.NoError(t, err)
	res := w.Execute(context.Background(), Task{ID: "t1", Type: TaskAssessRisk, ClauseID: "c1"}, nil)
	require.True(t, res.Succeeded())
	ca := res.Output.(ClauseAssessment)
	assert.Equal(t, blackboard.RiskUnknown, ca.Assessment.RiskLevel)
	assert.Equal(t, blackboard.StatusFailed, ca.History.Status)
}

func TestPlannerExecutor_AppendsHITLOnHigh(t *testing.T) {
	t.Parallel()

	bb := seeded(t, "[high] unlimited", "plain")
	p := NewPlanner("planner")
	assert.Equal(t, BasePlan, p.Plan(bb))

	e, err := NewExecutor("executor", newDeps(levelByKeyword()))
	require.NoError(t, err)
	res := e.Execute(context.Background(), Task{ID: "s2", Type: TaskAnalyzeRisk}, bb)
	require.True(t, res.Succeeded())
	assert.Equal(t, append(append([]string{}, BasePlan...), TaskHITLApproval), p.Plan(bb))

	var stored Result
	ok, err := bb.Checkpoint(TaskAnalyzeRisk+"_result", &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, stored.Status)
}

func TestExecutor_UnknownStepFailsAndCheckpoints(t *testing.T) {
	t.Parallel()

	bb := seeded(t, "plain")
	e, err := NewExecutor("executor", newDeps(levelByKeyword()))
	require.NoError(t, err)
	res := e.Execute(context.Background(), Task{ID: "sx", Type: "dance"}, bb)
	assert.Equal(t, StatusFailed, res.Status)

	ok, err := bb.Checkpoint("dance_result", &map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParser_SeedsWhenEmpty(t *testing.T) {
	t.Parallel()

	bb := blackboard.New("run-p")
	p := NewParser("parser", Deps{})
	res := p.Execute(context.Background(), Task{ID: "p", Type: TaskParse, Payload: map[string]any{PayloadText: "# One\nfirst\n# Two\nsecond"}}, bb)
	require.True(t, res.Succeeded(), res.Err)
	assert.Len(t, bb.Clauses(), 2)

	res = p.Execute(context.Background(), Task{ID: "p2", Type: TaskParse}, bb)
	require.True(t, res.Succeeded())
	assert.False(t, res.Output.(ParseOutput).Seeded)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	deps := newDeps(levelByKeyword())
	for _, kind := range reg.Kinds() {
		a, err := reg.New(Spec{Name: "x-" + kind, Kind: kind}, deps)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, a.Kind())
		assert.Equal(t, Spec{Name: "x-" + kind, Kind: kind}, SpecOf(a))
	}

	_, err := reg.New(Spec{Name: "ghost", Kind: "oracle"}, deps)
	require.ErrorIs(t, err, ErrUnknownKind)

	_, err = reg.New(Spec{Kind: KindWorker}, Deps{})
	require.Error(t, err)
}
