package blackboard

import (
	"encoding/json"

	"github.com/metalagman/clausegate/internal/clause"
)

// Snapshot is a detached value copy of a blackboard, used for reads by
// callers outside the run, persistence and rendering.
type Snapshot struct {
	RunID       string                     `json:"run_id"`
	Clauses     []clause.Clause            `json:"clauses"`
	Assessments []Assessment               `json:"assessments"`
	Proposals   []Proposal                 `json:"proposals"`
	Decisions   []Decision                 `json:"decisions"`
	History     []HistoryEntry             `json:"history"`
	Checkpoints map[string]json.RawMessage `json:"checkpoints"`
	Artifacts   map[string]string          `json:"artifacts"`
	Metadata    map[string]string          `json:"metadata"`
}

// Snapshot returns a deep copy of the current state.
func (b *Blackboard) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

func (b *Blackboard) snapshotLocked() Snapshot {
	s := Snapshot{
		RunID:       b.runID,
		Clauses:     append([]clause.Clause{}, b.clauses...),
		Assessments: make([]Assessment, len(b.assessments)),
		Proposals:   make([]Proposal, len(b.proposals)),
		Decisions:   make([]Decision, len(b.decisions)),
		History:     append([]HistoryEntry{}, b.history...),
		Checkpoints: cloneRaw(b.checkpoints),
		Artifacts:   cloneMap(b.artifacts),
		Metadata:    cloneMap(b.metadata),
	}
	for i, a := range b.assessments {
		s.Assessments[i] = a.clone()
	}
	for i, p := range b.proposals {
		s.Proposals[i] = p.clone()
	}
	for i, d := range b.decisions {
		s.Decisions[i] = d.clone()
	}
	return s
}

// FromSnapshot rebuilds a blackboard from a snapshot.
func FromSnapshot(s Snapshot) (*Blackboard, error) {
	b := New(s.RunID)
	if err := b.SetClauses(s.Clauses); err != nil {
		return nil, err
	}
	if err := b.ReplaceRiskResults(s.Assessments, s.Proposals); err != nil {
		return nil, err
	}
	b.decisions = make([]Decision, len(s.Decisions))
	for i, d := range s.Decisions {
		b.decisions[i] = d.clone()
	}
	b.history = append([]HistoryEntry(nil), s.History...)
	if s.Checkpoints != nil {
		b.checkpoints = cloneRaw(s.Checkpoints)
	}
	if s.Artifacts != nil {
		b.artifacts = cloneMap(s.Artifacts)
	}
	if s.Metadata != nil {
		b.metadata = cloneMap(s.Metadata)
	}
	return b, nil
}

// Clone deep-copies the blackboard under a new run id.
func (b *Blackboard) Clone(newRunID string) *Blackboard {
	b.mu.RLock()
	s := b.snapshotLocked()
	b.mu.RUnlock()
	s.RunID = newRunID
	// The source already passed the checks FromSnapshot runs.
	out, _ := FromSnapshot(s)
	return out
}

// MarshalJSON encodes the blackboard as its snapshot.
func (b *Blackboard) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Snapshot())
}

// UnmarshalJSON decodes a snapshot into the blackboard.
func (b *Blackboard) UnmarshalJSON(data []byte) error {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	restored, err := FromSnapshot(s)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runID = restored.runID
	b.clauses = restored.clauses
	b.clauseIdx = restored.clauseIdx
	b.assessments = restored.assessments
	b.proposals = restored.proposals
	b.decisions = restored.decisions
	b.history = restored.history
	b.checkpoints = restored.checkpoints
	b.artifacts = restored.artifacts
	b.metadata = restored.metadata
	return nil
}
