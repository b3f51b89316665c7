package team

import (
	"context"
	"fmt"
	"time"

	"github.com/metalagman/clausegate/internal/agent"
	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/rs/zerolog/log"
)

// Input is what a run hands to its team.
type Input struct {
	// Text is the raw document, used by a parse step when the blackboard
	// has no clauses yet.
	Text        string
	PolicyRules map[string]any
}

// Outcome collects every agent result of one execution.
type Outcome struct {
	Pattern Pattern        `json:"pattern"`
	Results []agent.Result `json:"results"`
}

// Failed counts FAILED results.
func (o Outcome) Failed() int {
	n := 0
	for _, r := range o.Results {
		if r.Status == agent.StatusFailed {
			n++
		}
	}
	return n
}

// Execute runs the team's pattern over bb. An error means the pattern could
// not run at all; individual agent failures are reported in the outcome.
func (t *Team) Execute(ctx context.Context, bb *blackboard.Blackboard, in Input) (Outcome, error) {
	agents := t.seal()
	logger := log.With().Str("run_id", bb.RunID()).Str("team", t.name).Str("pattern", string(t.pattern)).Logger()
	started := time.Now()

	bb.AddHistory(blackboard.HistoryEntry{
		Step:   "team",
		StepID: t.name,
		Agent:  t.name,
		Status: blackboard.StatusStarted,
		Output: string(t.pattern),
	})
	logger.Info().Int("agents", len(agents)).Msg("team execution started")

	var (
		out Outcome
		err error
	)
	switch t.pattern {
	case Sequential:
		out, err = runSequential(ctx, agents, bb, in)
	case ManagerWorker:
		out, err = runManagerWorker(ctx, agents, bb, in)
	case Pipeline:
		out, err = runPipeline(ctx, agents, bb, in)
	case ReviewerReferee:
		out, err = runReviewerReferee(ctx, agents, bb, in)
	default:
		err = fmt.Errorf("%w: unknown pattern %q", ErrMisconfigured, t.pattern)
	}
	out.Pattern = t.pattern

	status := blackboard.StatusCompleted
	detail := fmt.Sprintf("%d results, %d failed", len(out.Results), out.Failed())
	if err != nil {
		status = blackboard.StatusFailed
		detail = err.Error()
	}
	bb.AddHistory(blackboard.HistoryEntry{
		Step:       "team",
		StepID:     t.name,
		Agent:      t.name,
		Status:     status,
		DurationMS: time.Since(started).Milliseconds(),
		Output:     detail,
	})
	if err != nil {
		logger.Error().Err(err).Msg("team execution failed")
		return out, err
	}
	logger.Info().Int("results", len(out.Results)).Int("failed", out.Failed()).Dur("duration", time.Since(started)).Msg("team execution finished")
	return out, nil
}

func baseTask(id, typ string, in Input) agent.Task {
	return agent.Task{
		ID:   id,
		Type: typ,
		Payload: map[string]any{
			agent.PayloadText:        in.Text,
			agent.PayloadPolicyRules: in.PolicyRules,
		},
	}
}

// taskTypeFor maps an agent to the task it runs in a sequential chain.
func taskTypeFor(a agent.Agent) string {
	switch a.Kind() {
	case agent.KindParser:
		return agent.TaskParse
	case agent.KindRisk:
		return agent.TaskAnalyzeRisk
	case agent.KindRedline:
		return agent.TaskGenerateProposals
	case agent.KindManager:
		return agent.TaskManage
	case agent.KindPlanner:
		return agent.TaskPlan
	case agent.KindReviewer:
		return agent.TaskReview
	case agent.KindReferee:
		return agent.TaskArbitrate
	default:
		return a.Kind()
	}
}

func runSequential(ctx context.Context, agents []agent.Agent, bb *blackboard.Blackboard, in Input) (Outcome, error) {
	if len(agents) == 0 {
		return Outcome{}, fmt.Errorf("%w: sequential team has no agents", ErrMisconfigured)
	}
	var out Outcome
	for i, a := range agents {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		typ := taskTypeFor(a)
		task := baseTask(fmt.Sprintf("%s-%d", typ, i+1), typ, in)
		if a.Kind() == agent.KindReferee {
			task.Payload[agent.PayloadClauseIDs] = contested(bb)
		}
		out.Results = append(out.Results, a.Execute(ctx, task, bb))
	}
	return out, nil
}

func runManagerWorker(ctx context.Context, agents []agent.Agent, bb *blackboard.Blackboard, in Input) (Outcome, error) {
	var (
		manager *agent.Manager
		workers []agent.Agent
	)
	for _, a := range agents {
		switch v := a.(type) {
		case *agent.Manager:
			if manager == nil {
				manager = v
			}
		case *agent.Worker:
			workers = append(workers, v)
		default:
			if err := checkMember(ManagerWorker, a); err != nil {
				return Outcome{}, err
			}
		}
	}
	if manager == nil {
		return Outcome{}, fmt.Errorf("%w: manager-worker team has no manager", ErrMisconfigured)
	}
	if len(workers) > 0 {
		manager = manager.WithWorkers(workers)
	}
	if err := ensureClauses(ctx, bb, in); err != nil {
		return Outcome{}, err
	}
	res := manager.Execute(ctx, baseTask("manager_worker", agent.TaskManage, in), bb)
	out := Outcome{Results: []agent.Result{res}}
	if mo, ok := res.Output.(agent.ManagerOutput); ok {
		out.Results = append(out.Results, mo.Results...)
	}
	return out, nil
}

func runPipeline(ctx context.Context, agents []agent.Agent, bb *blackboard.Blackboard, in Input) (Outcome, error) {
	var (
		planner  *agent.Planner
		executor *agent.Executor
	)
	for _, a := range agents {
		switch v := a.(type) {
		case *agent.Planner:
			planner = v
		case *agent.Executor:
			executor = v
		}
	}
	if planner == nil || executor == nil {
		return Outcome{}, fmt.Errorf("%w: pipeline team needs a planner and an executor", ErrMisconfigured)
	}

	var out Outcome
	planRes := planner.Execute(ctx, baseTask("plan", agent.TaskPlan, in), bb)
	out.Results = append(out.Results, planRes)
	plan, _ := planRes.Output.([]string)

	for i := 0; i < len(plan); i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		step := plan[i]
		res := executor.Execute(ctx, baseTask(fmt.Sprintf("%s-%d", step, i+1), step, in), bb)
		out.Results = append(out.Results, res)
		if step == agent.TaskAnalyzeRisk {
			// The tail depends on the fresh assessments.
			plan = append(plan[:i+1:i+1], planner.Plan(bb)[i+1:]...)
			if err := bb.SetCheckpoint("plan", plan); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func runReviewerReferee(ctx context.Context, agents []agent.Agent, bb *blackboard.Blackboard, in Input) (Outcome, error) {
	var (
		reviewer *agent.Reviewer
		referee  *agent.Referee
		analysts []agent.Agent
	)
	for _, a := range agents {
		switch v := a.(type) {
		case *agent.Reviewer:
			reviewer = v
		case *agent.Referee:
			referee = v
		default:
			analysts = append(analysts, a)
		}
	}
	if reviewer == nil || referee == nil {
		return Outcome{}, fmt.Errorf("%w: reviewer-referee team needs a reviewer and a referee", ErrMisconfigured)
	}

	if err := ensureClauses(ctx, bb, in); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	if len(analysts) > 0 {
		pre, err := runSequential(ctx, analysts, bb, in)
		out.Results = append(out.Results, pre.Results...)
		if err != nil {
			return out, err
		}
	}
	if len(bb.Assessments()) == 0 {
		return out, fmt.Errorf("%w: nothing to review, team has no risk analysis agent", ErrMisconfigured)
	}

	rev := reviewer.Execute(ctx, baseTask("review", agent.TaskReview, in), bb)
	out.Results = append(out.Results, rev)
	ro, _ := rev.Output.(agent.ReviewOutput)
	if len(ro.Contested) == 0 {
		bb.AddHistory(blackboard.HistoryEntry{
			Step:   agent.TaskArbitrate,
			StepID: "arbitrate",
			Agent:  referee.Name(),
			Status: blackboard.StatusSkipped,
			Output: "no arbitration needed",
		})
		return out, nil
	}
	task := baseTask("arbitrate", agent.TaskArbitrate, in)
	task.Payload[agent.PayloadClauseIDs] = ro.Contested
	out.Results = append(out.Results, referee.Execute(ctx, task, bb))
	return out, nil
}

func ensureClauses(ctx context.Context, bb *blackboard.Blackboard, in Input) error {
	if len(bb.Clauses()) > 0 {
		return nil
	}
	res := agent.NewParser("parser", agent.Deps{}).Execute(ctx, baseTask("parse", agent.TaskParse, in), bb)
	if !res.Succeeded() {
		return res.Err
	}
	return nil
}

func contested(bb *blackboard.Blackboard) []string {
	var review agent.ReviewOutput
	if ok, err := bb.Checkpoint("review_result", &review); err != nil || !ok {
		return nil
	}
	return review.Contested
}
