// Package blackboard provides the per-run shared state that every agent of a
// team reads and writes: clauses, risk assessments, redline proposals, human
// decisions, the append-only history, step checkpoints, artifacts and metadata.
//
// A Blackboard is owned by the coordinator for the lifetime of one run. Agents
// receive a pointer for the duration of a team execution and must mutate it
// only through the accessor methods, which keep history append-only and keep
// every clause reference valid.
package blackboard

import (
	"encoding/json"
	"strings"
	"time"
)

// RiskLevel classifies a clause.
type RiskLevel string

const (
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
	RiskUnknown RiskLevel = "UNKNOWN"
)

// ParseRiskLevel normalizes free-form collaborator output. Anything that is
// not a known level becomes UNKNOWN.
func ParseRiskLevel(s string) RiskLevel {
	switch lvl := RiskLevel(strings.ToUpper(strings.TrimSpace(s))); lvl {
	case RiskLow, RiskMedium, RiskHigh:
		return lvl
	default:
		return RiskUnknown
	}
}

// Valid reports whether the level is one of the four known values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskUnknown:
		return true
	}
	return false
}

// IsRisky reports whether a clause at this level needs a redline and a HITL decision.
func (r RiskLevel) IsRisky() bool {
	return r == RiskMedium || r == RiskHigh
}

// Assessment is the risk classification of one clause.
type Assessment struct {
	ClauseID    string       `json:"clause_id"`
	RiskLevel   RiskLevel    `json:"risk_level"`
	Rationale   string       `json:"rationale"`
	PolicyRefs  []string     `json:"policy_refs"`
	Arbitration *Arbitration `json:"arbitration,omitempty"`
	FinalStatus string       `json:"final_status,omitempty"`
}

// Arbitration is the referee verdict written back onto a contested assessment.
type Arbitration struct {
	Decision       string   `json:"decision"`
	Confidence     float64  `json:"confidence"`
	KeywordMatches int      `json:"keyword_matches"`
	Items          []string `json:"items,omitempty"`
}

func (a Assessment) clone() Assessment {
	out := a
	out.PolicyRefs = cloneStrings(a.PolicyRefs)
	if a.Arbitration != nil {
		arb := *a.Arbitration
		arb.Items = cloneStrings(a.Arbitration.Items)
		out.Arbitration = &arb
	}
	return out
}

// ProposalStatus tracks a redline through final approval.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is a suggested edit for a risky clause.
type Proposal struct {
	ID           string         `json:"id"`
	ClauseID     string         `json:"clause_id"`
	Variant      string         `json:"variant"`
	OriginalText string         `json:"original_text"`
	EditedText   string         `json:"edited_text"`
	Rationale    string         `json:"rationale"`
	RiskLevel    RiskLevel      `json:"risk_level"`
	PolicyRefs   []string       `json:"policy_refs"`
	Status       ProposalStatus `json:"status"`
}

func (p Proposal) clone() Proposal {
	out := p
	out.PolicyRefs = cloneStrings(p.PolicyRefs)
	return out
}

// DecisionStatus is the human verdict on a clause.
type DecisionStatus string

const (
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
)

// Decision is a reviewer action on one clause.
type Decision struct {
	ClauseID     string         `json:"clause_id"`
	Status       DecisionStatus `json:"status"`
	Reviewer     string         `json:"reviewer"`
	Comments     string         `json:"comments,omitempty"`
	RiskOverride *RiskLevel     `json:"risk_override,omitempty"`
	DecidedAt    time.Time      `json:"decided_at"`
}

func (d Decision) clone() Decision {
	out := d
	if d.RiskOverride != nil {
		lvl := *d.RiskOverride
		out.RiskOverride = &lvl
	}
	return out
}

// HistoryEntry is one audit record. Entries are never removed or reordered.
type HistoryEntry struct {
	Step       string    `json:"step"`
	StepID     string    `json:"step_id"`
	Agent      string    `json:"agent"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Prompt     string    `json:"prompt,omitempty"`
	ClauseID   string    `json:"clause_id,omitempty"`
	ClauseText string    `json:"clause_text,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Output     string    `json:"output,omitempty"`
}

// History statuses.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
