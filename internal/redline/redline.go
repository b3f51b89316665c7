// Package redline derives edit proposals from risk assessments and renders
// review artifacts.
package redline

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/metalagman/clausegate/internal/clause"
)

// VariantConservative is the only variant the built-in generator emits.
const VariantConservative = "conservative"

// Generate returns one pending proposal per MEDIUM or HIGH assessment.
// Assessments whose clause is not present are skipped.
func Generate(clauses []clause.Clause, assessments []blackboard.Assessment) []blackboard.Proposal {
	index := clause.Index(clauses)
	out := make([]blackboard.Proposal, 0, len(assessments))
	for _, a := range assessments {
		if !a.RiskLevel.IsRisky() {
			continue
		}
		c, ok := index[a.ClauseID]
		if !ok {
			continue
		}
		out = append(out, blackboard.Proposal{
			ID:           uuid.NewString(),
			ClauseID:     a.ClauseID,
			Variant:      VariantConservative,
			OriginalText: c.Text,
			EditedText:   EditedText(a.RiskLevel, c.Text, a.Rationale),
			Rationale:    a.Rationale,
			RiskLevel:    a.RiskLevel,
			PolicyRefs:   append([]string{}, a.PolicyRefs...),
			Status:       blackboard.ProposalPending,
		})
	}
	return out
}

// EditedText is the annotation template used for generated proposals.
func EditedText(level blackboard.RiskLevel, original, rationale string) string {
	return fmt.Sprintf("[REDLINE – %s risk] %s\n\nSuggested revision: %s", level, original, rationale)
}
