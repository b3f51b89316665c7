package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/metalagman/clausegate/internal/blackboard"
)

// BasePlan is the static plan every pipeline run executes.
var BasePlan = []string{TaskParse, TaskAnalyzeRisk, TaskGenerateProposals, TaskReviewProposals}

// Planner emits the ordered step list.
type Planner struct {
	base
}

// NewPlanner builds a planner.
func NewPlanner(name string) *Planner {
	return &Planner{base: base{name: name, kind: KindPlanner, caps: []Capability{CapPlan}}}
}

// Plan returns the base plan, with hitl_approval appended when any current
// assessment is HIGH.
func (p *Planner) Plan(bb *blackboard.Blackboard) []string {
	plan := append([]string(nil), BasePlan...)
	if bb.HasRisk(blackboard.RiskHigh) {
		plan = append(plan, TaskHITLApproval)
	}
	return plan
}

// Execute implements Agent; the output is the plan.
func (p *Planner) Execute(_ context.Context, task Task, bb *blackboard.Blackboard) Result {
	plan := p.Plan(bb)
	if err := bb.SetCheckpoint("plan", plan); err != nil {
		return failure(task.ID, err)
	}
	return success(task.ID, plan)
}

// Executor runs one plan step per Execute call, on the calling goroutine.
type Executor struct {
	base
	parser   *Parser
	analyzer *RiskAnalyzer
	redline  *RedlineGenerator
}

// NewExecutor builds an executor.
func NewExecutor(name string, deps Deps) (*Executor, error) {
	analyzer, err := NewRiskAnalyzer(name+"-analyzer", deps)
	if err != nil {
		return nil, err
	}
	return &Executor{
		base:     base{name: name, kind: KindExecutor, caps: []Capability{CapExecute, CapParse, CapRisk, CapRedline}},
		parser:   NewParser(name+"-parser", deps),
		analyzer: analyzer,
		redline:  NewRedlineGenerator(name + "-redline"),
	}, nil
}

// ReviewSummary is the review_proposals step output.
type ReviewSummary struct {
	Pending   int      `json:"pending"`
	Uncovered []string `json:"uncovered,omitempty"`
}

// HITLGate is the hitl_approval step output.
type HITLGate struct {
	Required bool     `json:"required"`
	Clauses  []string `json:"clauses"`
}

// Execute implements Agent. task.Type is the step name. The step result is
// checkpointed under "<step>_result" whatever its status.
func (e *Executor) Execute(ctx context.Context, task Task, bb *blackboard.Blackboard) Result {
	started := time.Now()
	var res Result
	switch task.Type {
	case TaskParse:
		res = e.parser.Execute(ctx, task, bb)
	case TaskAnalyzeRisk:
		res = e.analyzer.Execute(ctx, task, bb)
	case TaskGenerateProposals:
		res = e.redline.Execute(ctx, task, bb)
	case TaskReviewProposals:
		res = success(task.ID, reviewProposals(bb))
	case TaskHITLApproval:
		res = success(task.ID, HITLGate{Required: true, Clauses: bb.RiskyClauseIDs()})
	default:
		res = failure(task.ID, fmt.Errorf("executor %s: unknown step %q", e.name, task.Type))
	}
	if err := bb.SetCheckpoint(task.Type+"_result", res); err != nil {
		return failure(task.ID, fmt.Errorf("checkpoint %s: %w", task.Type, err))
	}

	status := blackboard.StatusCompleted
	output := outputJSON(res.Output)
	if !res.Succeeded() {
		status = blackboard.StatusFailed
		if res.Err != nil {
			output = res.Err.Error()
		}
	}
	bb.AddHistory(blackboard.HistoryEntry{
		Step:       task.Type,
		StepID:     task.ID,
		Agent:      e.name,
		Status:     status,
		DurationMS: time.Since(started).Milliseconds(),
		Output:     output,
	})
	return res
}

func reviewProposals(bb *blackboard.Blackboard) ReviewSummary {
	covered := map[string]bool{}
	out := ReviewSummary{}
	for _, p := range bb.Proposals() {
		covered[p.ClauseID] = true
		if p.Status == blackboard.ProposalPending {
			out.Pending++
		}
	}
	for _, id := range bb.RiskyClauseIDs() {
		if !covered[id] {
			out.Uncovered = append(out.Uncovered, id)
		}
	}
	return out
}
