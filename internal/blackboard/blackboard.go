package blackboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/metalagman/clausegate/internal/clause"
)

// ErrUnknownClause is returned when an entry references a clause id that is
// not part of the run.
var ErrUnknownClause = errors.New("unknown clause")

// Blackboard is the aggregate root for one run.
type Blackboard struct {
	mu          sync.RWMutex
	runID       string
	clauses     []clause.Clause
	clauseIdx   map[string]int
	assessments []Assessment
	proposals   []Proposal
	decisions   []Decision
	history     []HistoryEntry
	checkpoints map[string]json.RawMessage
	artifacts   map[string]string
	metadata    map[string]string
}

// New creates an empty blackboard for a run.
func New(runID string) *Blackboard {
	return &Blackboard{
		runID:       runID,
		clauseIdx:   map[string]int{},
		checkpoints: map[string]json.RawMessage{},
		artifacts:   map[string]string{},
		metadata:    map[string]string{},
	}
}

// RunID returns the owning run id.
func (b *Blackboard) RunID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.runID
}

// SetClauses seeds the clause list. Clause ids must be unique.
func (b *Blackboard) SetClauses(clauses []clause.Clause) error {
	idx := make(map[string]int, len(clauses))
	for i, c := range clauses {
		if c.ID == "" {
			return fmt.Errorf("clause at index %d has empty id", i)
		}
		if _, dup := idx[c.ID]; dup {
			return fmt.Errorf("duplicate clause id %q", c.ID)
		}
		idx[c.ID] = i
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clauses = append([]clause.Clause(nil), clauses...)
	b.clauseIdx = idx
	return nil
}

// Clauses returns a copy of the clause list.
func (b *Blackboard) Clauses() []clause.Clause {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]clause.Clause(nil), b.clauses...)
}

// Clause looks up a clause by id.
func (b *Blackboard) Clause(id string) (clause.Clause, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.clauseIdx[id]
	if !ok {
		return clause.Clause{}, false
	}
	return b.clauses[i], true
}

func (b *Blackboard) checkClause(id string) error {
	if _, ok := b.clauseIdx[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownClause, id)
	}
	return nil
}

// Assessments returns a deep copy of the current assessments.
func (b *Blackboard) Assessments() []Assessment {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Assessment, len(b.assessments))
	for i, a := range b.assessments {
		out[i] = a.clone()
	}
	return out
}

// Assessment returns the assessment for a clause.
func (b *Blackboard) Assessment(clauseID string) (Assessment, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, a := range b.assessments {
		if a.ClauseID == clauseID {
			return a.clone(), true
		}
	}
	return Assessment{}, false
}

// AddAssessment appends one assessment.
func (b *Blackboard) AddAssessment(a Assessment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkClause(a.ClauseID); err != nil {
		return err
	}
	b.assessments = append(b.assessments, a.clone())
	return nil
}

// ReplaceAssessments discards the previous pass and installs a fresh set.
func (b *Blackboard) ReplaceAssessments(assessments []Assessment) error {
	return b.ReplaceRiskResults(assessments, nil)
}

// ReplaceRiskResults installs a new assessment set together with the
// proposals derived from it. Both collections are swapped under one lock so a
// concurrent reader never sees fresh assessments next to stale proposals.
func (b *Blackboard) ReplaceRiskResults(assessments []Assessment, proposals []Proposal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range assessments {
		if err := b.checkClause(a.ClauseID); err != nil {
			return err
		}
	}
	for _, p := range proposals {
		if err := b.checkClause(p.ClauseID); err != nil {
			return err
		}
	}
	nextA := make([]Assessment, len(assessments))
	for i, a := range assessments {
		nextA[i] = a.clone()
	}
	nextP := make([]Proposal, len(proposals))
	for i, p := range proposals {
		nextP[i] = p.clone()
	}
	b.assessments = nextA
	b.proposals = nextP
	return nil
}

// UpdateAssessment mutates the assessment of a clause in place.
func (b *Blackboard) UpdateAssessment(clauseID string, fn func(*Assessment)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.assessments {
		if b.assessments[i].ClauseID == clauseID {
			fn(&b.assessments[i])
			return nil
		}
	}
	return fmt.Errorf("%w: no assessment for %q", ErrUnknownClause, clauseID)
}

// RiskyClauseIDs returns the clause ids whose current assessment is MEDIUM or HIGH.
func (b *Blackboard) RiskyClauseIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, a := range b.assessments {
		if a.RiskLevel.IsRisky() {
			out = append(out, a.ClauseID)
		}
	}
	return out
}

// HasRisk reports whether any current assessment is at the given level.
func (b *Blackboard) HasRisk(level RiskLevel) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, a := range b.assessments {
		if a.RiskLevel == level {
			return true
		}
	}
	return false
}

// Proposals returns a deep copy of the proposals.
func (b *Blackboard) Proposals() []Proposal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Proposal, len(b.proposals))
	for i, p := range b.proposals {
		out[i] = p.clone()
	}
	return out
}

// AddProposal appends one proposal.
func (b *Blackboard) AddProposal(p Proposal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkClause(p.ClauseID); err != nil {
		return err
	}
	b.proposals = append(b.proposals, p.clone())
	return nil
}

// ResetProposals clears all proposals.
func (b *Blackboard) ResetProposals() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proposals = nil
}

// SetProposalStatuses applies final-approval statuses. Every id must exist;
// nothing is changed when one does not.
func (b *Blackboard) SetProposalStatuses(statuses map[string]ProposalStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos := make(map[string]int, len(b.proposals))
	for i, p := range b.proposals {
		pos[p.ID] = i
	}
	for id := range statuses {
		if _, ok := pos[id]; !ok {
			return fmt.Errorf("unknown proposal %q", id)
		}
	}
	for id, st := range statuses {
		b.proposals[pos[id]].Status = st
	}
	return nil
}

// Decisions returns a copy of the recorded decisions.
func (b *Blackboard) Decisions() []Decision {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Decision, len(b.decisions))
	for i, d := range b.decisions {
		out[i] = d.clone()
	}
	return out
}

// ApplyDecisions records reviewer decisions. A decision for an already
// decided clause replaces the earlier one. A risk override rewrites the
// clause's assessment level. The batch is validated first and applied as a
// whole.
func (b *Blackboard) ApplyDecisions(decisions []Decision) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range decisions {
		if err := b.checkClause(d.ClauseID); err != nil {
			return err
		}
		if d.Status != DecisionApproved && d.Status != DecisionRejected {
			return fmt.Errorf("invalid decision status %q for clause %q", d.Status, d.ClauseID)
		}
		if d.RiskOverride != nil && !d.RiskOverride.Valid() {
			return fmt.Errorf("invalid risk override %q for clause %q", *d.RiskOverride, d.ClauseID)
		}
	}
	for _, d := range decisions {
		d = d.clone()
		if d.DecidedAt.IsZero() {
			d.DecidedAt = time.Now().UTC()
		}
		replaced := false
		for i := range b.decisions {
			if b.decisions[i].ClauseID == d.ClauseID {
				b.decisions[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			b.decisions = append(b.decisions, d)
		}
		if d.RiskOverride != nil {
			for i := range b.assessments {
				if b.assessments[i].ClauseID == d.ClauseID {
					b.assessments[i].RiskLevel = *d.RiskOverride
				}
			}
		}
	}
	return nil
}

// ClearDecisions drops every recorded decision and returns how many there
// were.
func (b *Blackboard) ClearDecisions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.decisions)
	b.decisions = nil
	return n
}

// DecidedClauseIDs returns the set of clause ids with a decision.
func (b *Blackboard) DecidedClauseIDs() map[string]bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]bool, len(b.decisions))
	for _, d := range b.decisions {
		out[d.ClauseID] = true
	}
	return out
}

// History returns a copy of the audit log in insertion order.
func (b *Blackboard) History() []HistoryEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]HistoryEntry(nil), b.history...)
}

// AddHistory appends an audit entry, stamping it when the caller did not.
func (b *Blackboard) AddHistory(e HistoryEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, e)
}

// SetCheckpoint stores a JSON-encoded step result.
func (b *Blackboard) SetCheckpoint(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", key, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkpoints[key] = data
	return nil
}

// Checkpoint decodes a stored checkpoint into out.
func (b *Blackboard) Checkpoint(key string, out any) (bool, error) {
	b.mu.RLock()
	data, ok := b.checkpoints[key]
	b.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return true, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return true, nil
}

// SetArtifact records an artifact (usually a URI) under a name.
func (b *Blackboard) SetArtifact(name, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.artifacts[name] = value
}

// Artifact returns a named artifact.
func (b *Blackboard) Artifact(name string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.artifacts[name]
	return v, ok
}

// SetMetadata stores a metadata value.
func (b *Blackboard) SetMetadata(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metadata[key] = value
}

// Metadata returns a metadata value.
func (b *Blackboard) Metadata(key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.metadata[key]
	return v, ok
}
