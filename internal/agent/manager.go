package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Manager fans clause risk tasks out to a bounded pool of workers and merges
// their results on its own goroutine.
type Manager struct {
	base
	concurrency int
	workers     []Agent
	fallback    Agent
}

// NewManager builds a manager. Without attached workers it uses a worker
// built from deps.
func NewManager(name string, deps Deps) (*Manager, error) {
	m := &Manager{
		base:        base{name: name, kind: KindManager, caps: []Capability{CapDecompose}},
		concurrency: deps.concurrency(),
	}
	if deps.Risk != nil {
		w, err := NewWorker(name+"-worker", deps)
		if err != nil {
			return nil, err
		}
		m.fallback = w
	}
	return m, nil
}

// WithWorkers returns a copy of m dispatching to workers in round-robin order.
func (m *Manager) WithWorkers(workers []Agent) *Manager {
	out := *m
	out.workers = append([]Agent(nil), workers...)
	return &out
}

// Concurrency is the pool size.
func (m *Manager) Concurrency() int {
	return m.concurrency
}

// ManagerOutput holds one result per decomposed task.
type ManagerOutput struct {
	Results []Result `json:"results"`
}

// Decompose turns the clause list into one assess_risk task per clause.
func (m *Manager) Decompose(bb *blackboard.Blackboard, rules map[string]any) []Task {
	clauses := bb.Clauses()
	tasks := make([]Task, len(clauses))
	for i, c := range clauses {
		tasks[i] = Task{
			ID:       fmt.Sprintf("%s-%s", TaskAssessRisk, c.ID),
			Type:     TaskAssessRisk,
			ClauseID: c.ID,
			Payload: map[string]any{
				PayloadHeading:     c.Heading,
				PayloadClauseText:  c.Text,
				PayloadPolicyRules: rules,
			},
		}
	}
	return tasks
}

// Dispatch runs tasks on the pool and returns exactly one result per task,
// in task order. A panicking worker yields a FAILED result and never
// cancels its siblings.
func (m *Manager) Dispatch(ctx context.Context, tasks []Task) []Result {
	workers := m.workers
	if len(workers) == 0 && m.fallback != nil {
		workers = []Agent{m.fallback}
	}
	results := make([]Result, len(tasks))
	if len(workers) == 0 {
		for i, t := range tasks {
			results[i] = failure(t.ID, errors.New("no workers available"))
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, t := range tasks {
		w := workers[i%len(workers)]
		g.Go(func() error {
			results[i] = runGuarded(ctx, w, t)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runGuarded(ctx context.Context, a Agent, t Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("agent", a.Name()).
				Str("task_id", t.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("agent panicked")
			res = failure(t.ID, fmt.Errorf("agent %s panicked: %v", a.Name(), r))
		}
	}()
	res = a.Execute(ctx, t, nil)
	if res.TaskID == "" {
		res.TaskID = t.ID
	}
	return res
}

// Execute implements Agent. It decomposes, dispatches and merges: worker
// history first, then the new assessments with regenerated proposals, then
// the step's completed entry.
func (m *Manager) Execute(ctx context.Context, task Task, bb *blackboard.Blackboard) Result {
	started := time.Now()
	tasks := m.Decompose(bb, task.PolicyRules())
	results := m.Dispatch(ctx, tasks)

	clauses := map[string]string{}
	for _, c := range bb.Clauses() {
		clauses[c.ID] = c.Text
	}

	assessments := make([]blackboard.Assessment, 0, len(results))
	for i, res := range results {
		ca, ok := res.Output.(ClauseAssessment)
		if res.Succeeded() && ok {
			bb.AddHistory(ca.History)
			assessments = append(assessments, ca.Assessment)
			continue
		}
		errText := "worker returned no assessment"
		if res.Err != nil {
			errText = res.Err.Error()
		}
		clauseID := tasks[i].ClauseID
		bb.AddHistory(blackboard.HistoryEntry{
			Step:       TaskAssessRisk,
			StepID:     tasks[i].ID,
			Agent:      m.name,
			Status:     blackboard.StatusFailed,
			ClauseID:   clauseID,
			ClauseText: clauses[clauseID],
			Output:     errText,
		})
		if _, known := clauses[clauseID]; known {
			assessments = append(assessments, blackboard.Assessment{
				ClauseID:   clauseID,
				RiskLevel:  blackboard.RiskUnknown,
				Rationale:  "risk assessment unavailable: " + errText,
				PolicyRefs: []string{},
			})
		}
	}

	proposals, err := installRiskResults(bb, assessments)
	if err != nil {
		return failure(task.ID, fmt.Errorf("install assessments: %w", err))
	}
	out := ManagerOutput{Results: results}
	bb.AddHistory(blackboard.HistoryEntry{
		Step:       "manager_worker",
		StepID:     task.ID,
		Agent:      m.name,
		Status:     blackboard.StatusCompleted,
		DurationMS: time.Since(started).Milliseconds(),
		Output:     outputJSON(summarize(assessments, len(proposals))),
	})
	return success(task.ID, out)
}
