package coordinator

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/metalagman/clausegate/internal/blackboard"
)

// Error taxonomy surfaced to callers.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
)

// Status is the run state machine discriminator.
type Status string

const (
	StatusCreated               Status = "CREATED"
	StatusRunning               Status = "RUNNING"
	StatusAwaitingRiskApproval  Status = "AWAITING_RISK_APPROVAL"
	StatusAwaitingFinalApproval Status = "AWAITING_FINAL_APPROVAL"
	StatusApproved              Status = "APPROVED"
	StatusFailed                Status = "FAILED"
	StatusExpired               Status = "EXPIRED"
)

// Awaiting reports whether the run is parked at a HITL gate.
func (s Status) Awaiting() bool {
	return s == StatusAwaitingRiskApproval || s == StatusAwaitingFinalApproval
}

// Run is the metadata record of a run, distinct from its blackboard.
type Run struct {
	ID           string    `json:"run_id"`
	DocID        string    `json:"doc_id"`
	AgentPath    string    `json:"agent_path"`
	PlaybookID   string    `json:"playbook_id,omitempty"`
	Status       Status    `json:"status"`
	Score        float64   `json:"score"`
	ReplayedFrom string    `json:"replayed_from,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// View is a run together with a detached copy of its blackboard.
type View struct {
	Run        Run                 `json:"run"`
	Blackboard blackboard.Snapshot `json:"blackboard"`
}

// Score weights each clause by its risk level and averages over clauses.
// 0 means nothing risky was found, 1 means every clause is HIGH.
func Score(assessments []blackboard.Assessment) float64 {
	if len(assessments) == 0 {
		return 0
	}
	weights := map[blackboard.RiskLevel]float64{
		blackboard.RiskHigh:    1,
		blackboard.RiskMedium:  0.5,
		blackboard.RiskUnknown: 0.25,
	}
	sum := 0.0
	for _, a := range assessments {
		sum += weights[a.RiskLevel]
	}
	return sum / float64(len(assessments))
}

func newRunID(now time.Time) (string, error) {
	suffix, err := randomHex(3)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), suffix), nil
}

func randomHex(bytesLen int) (string, error) {
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
