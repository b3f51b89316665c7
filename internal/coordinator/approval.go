package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/metalagman/clausegate/internal/blackboard"
)

// RiskDecision is one reviewer verdict submitted to RiskApprove.
type RiskDecision struct {
	ClauseID     string `json:"clause_id"`
	Decision     string `json:"decision"`
	Comments     string `json:"comments,omitempty"`
	RiskOverride string `json:"risk_override,omitempty"`
	Reviewer     string `json:"reviewer,omitempty"`
}

func parseDecision(s string) (blackboard.DecisionStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return blackboard.DecisionApproved, true
	case "reject", "rejected":
		return blackboard.DecisionRejected, true
	}
	return "", false
}

func (c *Coordinator) toDecisions(bb *blackboard.Blackboard, items []RiskDecision) ([]blackboard.Decision, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one decision is required", ErrValidation)
	}
	out := make([]blackboard.Decision, 0, len(items))
	now := c.now()
	for i, item := range items {
		if _, ok := bb.Clause(item.ClauseID); !ok {
			return nil, fmt.Errorf("%w: item %d: unknown clause %q", ErrValidation, i, item.ClauseID)
		}
		status, ok := parseDecision(item.Decision)
		if !ok {
			return nil, fmt.Errorf("%w: item %d: decision must be approve or reject, got %q", ErrValidation, i, item.Decision)
		}
		d := blackboard.Decision{
			ClauseID:  item.ClauseID,
			Status:    status,
			Reviewer:  item.Reviewer,
			Comments:  item.Comments,
			DecidedAt: now,
		}
		if item.RiskOverride != "" {
			lvl := blackboard.RiskLevel(strings.ToUpper(strings.TrimSpace(item.RiskOverride)))
			if !lvl.Valid() {
				return nil, fmt.Errorf("%w: item %d: invalid risk_override %q", ErrValidation, i, item.RiskOverride)
			}
			d.RiskOverride = &lvl
		}
		out = append(out, d)
	}
	return out, nil
}

// RiskApprove records clause decisions. A repeated decision for a clause
// replaces the earlier one. Once every MEDIUM or HIGH clause is decided the
// run moves to AWAITING_FINAL_APPROVAL. Decisions may still be revised while
// the run awaits final approval.
func (c *Coordinator) RiskApprove(ctx context.Context, runID string, items []RiskDecision) (Run, error) {
	e, err := c.entry(runID)
	if err != nil {
		return Run{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.run.Status.Awaiting() {
		return e.run, fmt.Errorf("%w: run %s is %s", ErrInvalidState, runID, e.run.Status)
	}
	decisions, err := c.toDecisions(e.bb, items)
	if err != nil {
		return e.run, err
	}
	if err := e.bb.ApplyDecisions(decisions); err != nil {
		return e.run, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	e.bb.AddHistory(blackboard.HistoryEntry{
		Step:   "risk_approval",
		StepID: fmt.Sprintf("risk_approval-%d", len(e.bb.Decisions())),
		Agent:  reviewerOf(decisions),
		Status: blackboard.StatusCompleted,
		Output: fmt.Sprintf("%d decisions recorded", len(decisions)),
	})
	e.run.Score = Score(e.bb.Assessments())

	if e.run.Status == StatusAwaitingRiskApproval && allRiskyDecided(e.bb) {
		if err := c.transition(ctx, e, StatusAwaitingFinalApproval, "awaiting_final_approval", "all risky clauses decided"); err != nil {
			return e.run, err
		}
		return e.run, nil
	}
	e.run.UpdatedAt = c.now()
	if err := c.persist(ctx, e, "decisions_recorded", fmt.Sprintf("%d decisions recorded", len(decisions))); err != nil {
		return e.run, err
	}
	return e.run, nil
}

func allRiskyDecided(bb *blackboard.Blackboard) bool {
	decided := bb.DecidedClauseIDs()
	for _, id := range bb.RiskyClauseIDs() {
		if !decided[id] {
			return false
		}
	}
	return true
}

func reviewerOf(decisions []blackboard.Decision) string {
	for _, d := range decisions {
		if d.Reviewer != "" {
			return d.Reviewer
		}
	}
	return "reviewer"
}

// FinalApproval is the final sign-off request.
type FinalApproval struct {
	ApprovedProposalIDs []string `json:"approved_proposal_ids"`
	RejectedProposalIDs []string `json:"rejected_proposal_ids"`
	Note                string   `json:"note,omitempty"`
}

// FinalApprove records proposal verdicts and the final note and moves the
// run to APPROVED.
func (c *Coordinator) FinalApprove(ctx context.Context, runID string, req FinalApproval) (Run, error) {
	e, err := c.entry(runID)
	if err != nil {
		return Run{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run.Status != StatusAwaitingFinalApproval {
		return e.run, fmt.Errorf("%w: run %s is %s, want %s", ErrInvalidState, runID, e.run.Status, StatusAwaitingFinalApproval)
	}

	statuses := map[string]blackboard.ProposalStatus{}
	for _, id := range req.ApprovedProposalIDs {
		statuses[id] = blackboard.ProposalApproved
	}
	for _, id := range req.RejectedProposalIDs {
		if statuses[id] == blackboard.ProposalApproved {
			return e.run, fmt.Errorf("%w: proposal %q is both approved and rejected", ErrValidation, id)
		}
		statuses[id] = blackboard.ProposalRejected
	}
	if err := e.bb.SetProposalStatuses(statuses); err != nil {
		return e.run, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	e.bb.SetArtifact("final_note", req.Note)
	e.bb.AddHistory(blackboard.HistoryEntry{
		Step:   "final_approval",
		StepID: "final_approval",
		Agent:  "reviewer",
		Status: blackboard.StatusCompleted,
		Output: fmt.Sprintf("%d approved, %d rejected", len(req.ApprovedProposalIDs), len(req.RejectedProposalIDs)),
	})
	if err := c.transition(ctx, e, StatusApproved, "approved", "final approval recorded"); err != nil {
		return e.run, err
	}
	return e.run, nil
}
