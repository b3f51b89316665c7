package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/metalagman/clausegate/internal/clause"
	"github.com/metalagman/clausegate/internal/redline"
	"github.com/metalagman/clausegate/internal/risk"
	"github.com/rs/zerolog/log"
)

// ClauseAssessment is the output of one clause risk task.
type ClauseAssessment struct {
	Assessment blackboard.Assessment   `json:"assessment"`
	History    blackboard.HistoryEntry `json:"history"`
}

func assessClause(ctx context.Context, client *risk.Client, agentName, stepID string, c clause.Clause, rules map[string]any) ClauseAssessment {
	started := time.Now()
	out := client.Assess(ctx, risk.Request{
		ClauseID:    c.ID,
		Heading:     c.Heading,
		ClauseText:  c.Text,
		PolicyRules: rules,
	})
	a := blackboard.Assessment{
		ClauseID:   c.ID,
		RiskLevel:  blackboard.ParseRiskLevel(out.Response.RiskLevel),
		Rationale:  out.Response.Rationale,
		PolicyRefs: risk.CoercePolicyRefs(out.Response.PolicyRefs),
	}
	status := blackboard.StatusCompleted
	if out.Err != nil {
		status = blackboard.StatusFailed
	}
	return ClauseAssessment{
		Assessment: a,
		History: blackboard.HistoryEntry{
			Step:       TaskAssessRisk,
			StepID:     stepID,
			Agent:      agentName,
			Status:     status,
			Timestamp:  time.Now().UTC(),
			Prompt:     out.Response.Prompt,
			ClauseID:   c.ID,
			ClauseText: c.Text,
			DurationMS: time.Since(started).Milliseconds(),
			Output:     outputJSON(a),
		},
	}
}

// installRiskResults replaces assessments and regenerates proposals as one
// blackboard update.
func installRiskResults(bb *blackboard.Blackboard, assessments []blackboard.Assessment) ([]blackboard.Proposal, error) {
	proposals := redline.Generate(bb.Clauses(), assessments)
	if err := bb.ReplaceRiskResults(assessments, proposals); err != nil {
		return nil, err
	}
	return proposals, nil
}

// Worker assesses a single clause. It does not touch the blackboard; its
// result is merged by the manager.
type Worker struct {
	base
	client *risk.Client
}

// NewWorker builds a worker.
func NewWorker(name string, deps Deps) (*Worker, error) {
	if deps.Risk == nil {
		return nil, errors.New("worker requires a risk client")
	}
	return &Worker{
		base:   base{name: name, kind: KindWorker, caps: []Capability{CapRisk}},
		client: deps.Risk,
	}, nil
}

// Execute implements Agent. The clause is read from the task payload.
func (w *Worker) Execute(ctx context.Context, task Task, _ *blackboard.Blackboard) Result {
	if task.Type != TaskAssessRisk {
		return failure(task.ID, fmt.Errorf("worker %s: unsupported task type %q", w.name, task.Type))
	}
	if task.ClauseID == "" {
		return failure(task.ID, fmt.Errorf("worker %s: task %s has no clause id", w.name, task.ID))
	}
	c := clause.Clause{
		ID:      task.ClauseID,
		Heading: task.payloadString(PayloadHeading),
		Text:    task.payloadString(PayloadClauseText),
	}
	return success(task.ID, assessClause(ctx, w.client, w.name, task.ID, c, task.PolicyRules()))
}

// RiskAnalyzer assesses every clause of the blackboard one after another.
type RiskAnalyzer struct {
	base
	client *risk.Client
}

// NewRiskAnalyzer builds the sequential analyzer.
func NewRiskAnalyzer(name string, deps Deps) (*RiskAnalyzer, error) {
	if deps.Risk == nil {
		return nil, errors.New("risk analyzer requires a risk client")
	}
	return &RiskAnalyzer{
		base:   base{name: name, kind: KindRisk, caps: []Capability{CapRisk}},
		client: deps.Risk,
	}, nil
}

// AnalysisOutput summarizes a full pass.
type AnalysisOutput struct {
	Assessed  int                  `json:"assessed"`
	Risky     []string             `json:"risky"`
	Unknown   []string             `json:"unknown,omitempty"`
	Proposals int                  `json:"proposals"`
	Levels    map[string]int       `json:"levels"`
	Level     blackboard.RiskLevel `json:"max_level"`
}

// Execute implements Agent.
func (r *RiskAnalyzer) Execute(ctx context.Context, task Task, bb *blackboard.Blackboard) Result {
	clauses := bb.Clauses()
	logger := log.With().Str("run_id", bb.RunID()).Str("agent", r.name).Logger()

	assessments := make([]blackboard.Assessment, 0, len(clauses))
	for i, c := range clauses {
		stepID := fmt.Sprintf("%s-%d", TaskAssessRisk, i+1)
		ca := assessClause(ctx, r.client, r.name, stepID, c, task.PolicyRules())
		bb.AddHistory(ca.History)
		assessments = append(assessments, ca.Assessment)
		logger.Debug().Str("clause_id", c.ID).Str("risk_level", string(ca.Assessment.RiskLevel)).Msg("clause assessed")
	}
	proposals, err := installRiskResults(bb, assessments)
	if err != nil {
		return failure(task.ID, fmt.Errorf("install assessments: %w", err))
	}
	return success(task.ID, summarize(assessments, len(proposals)))
}

func summarize(assessments []blackboard.Assessment, proposals int) AnalysisOutput {
	out := AnalysisOutput{
		Assessed:  len(assessments),
		Proposals: proposals,
		Levels:    map[string]int{},
		Level:     blackboard.RiskLow,
	}
	rank := map[blackboard.RiskLevel]int{blackboard.RiskUnknown: 0, blackboard.RiskLow: 1, blackboard.RiskMedium: 2, blackboard.RiskHigh: 3}
	if len(assessments) == 0 {
		out.Level = blackboard.RiskUnknown
	}
	for _, a := range assessments {
		out.Levels[string(a.RiskLevel)]++
		if a.RiskLevel.IsRisky() {
			out.Risky = append(out.Risky, a.ClauseID)
		}
		if a.RiskLevel == blackboard.RiskUnknown {
			out.Unknown = append(out.Unknown, a.ClauseID)
		}
		if rank[a.RiskLevel] > rank[out.Level] {
			out.Level = a.RiskLevel
		}
	}
	return out
}
