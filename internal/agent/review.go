package agent

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/metalagman/clausegate/internal/blackboard"
)

// Severity of a checklist item.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Review classifications.
const (
	ClassPassed    = "passed"
	ClassFlagged   = "flagged"
	ClassContested = "contested"
)

// Arbitration decisions.
const (
	DecisionConfirmed = "confirmed"
	DecisionRejected  = "rejected"
)

// ChecklistItem is one reviewer rule.
type ChecklistItem struct {
	ID       string
	Severity Severity
	Keywords []string
}

// Checklist is the fixed reviewer checklist.
var Checklist = []ChecklistItem{
	{ID: "liability_cap", Severity: SeverityHigh, Keywords: []string{"liability", "unlimited", "cap", "consequential damages"}},
	{ID: "indemnification", Severity: SeverityHigh, Keywords: []string{"indemnify", "indemnification", "hold harmless", "defend"}},
	{ID: "termination", Severity: SeverityMedium, Keywords: []string{"terminate", "termination", "notice period", "for convenience"}},
	{ID: "confidentiality", Severity: SeverityMedium, Keywords: []string{"confidential", "non-disclosure", "proprietary"}},
	{ID: "governing_law", Severity: SeverityLow, Keywords: []string{"governing law", "jurisdiction", "venue"}},
}

// ItemHits counts substring hits per checklist item for text.
func ItemHits(text string) map[string]int {
	text = strings.ToLower(text)
	out := map[string]int{}
	for _, item := range Checklist {
		n := 0
		for _, kw := range item.Keywords {
			n += strings.Count(text, kw)
		}
		if n > 0 {
			out[item.ID] = n
		}
	}
	return out
}

// Classify maps per-item hits to a classification.
func Classify(hits map[string]int) string {
	total := 0
	for _, item := range Checklist {
		n := hits[item.ID]
		if item.Severity == SeverityHigh && n > 1 {
			return ClassContested
		}
		total += n
	}
	if total > 0 {
		return ClassFlagged
	}
	return ClassPassed
}

// Confidence is the referee score for a keyword hit count.
func Confidence(hits int) float64 {
	if hits < 1 {
		hits = 1
	}
	return math.Min(0.7+0.05*float64(hits-1), 0.95)
}

// Arbitrate turns a hit count into a decision.
func Arbitrate(hits int) (string, float64) {
	decision := DecisionRejected
	if hits >= 2 {
		decision = DecisionConfirmed
	}
	return decision, Confidence(hits)
}

// ReviewItem is the reviewer verdict for one assessment.
type ReviewItem struct {
	ClauseID       string         `json:"clause_id"`
	Classification string         `json:"classification"`
	Hits           map[string]int `json:"hits"`
}

// ReviewOutput is the reviewer result.
type ReviewOutput struct {
	Items     []ReviewItem `json:"items"`
	Contested []string     `json:"contested"`
}

func reviewText(bb *blackboard.Blackboard, a blackboard.Assessment) string {
	text := a.Rationale
	if c, ok := bb.Clause(a.ClauseID); ok {
		text += "\n" + c.Text
	}
	return text
}

// Reviewer evaluates every assessment against the checklist.
type Reviewer struct {
	base
}

// NewReviewer builds a reviewer.
func NewReviewer(name string) *Reviewer {
	return &Reviewer{base: base{name: name, kind: KindReviewer, caps: []Capability{CapReview}}}
}

// Execute implements Agent.
func (r *Reviewer) Execute(_ context.Context, task Task, bb *blackboard.Blackboard) Result {
	started := time.Now()
	out := ReviewOutput{Items: []ReviewItem{}, Contested: []string{}}
	for _, a := range bb.Assessments() {
		hits := ItemHits(reviewText(bb, a))
		item := ReviewItem{ClauseID: a.ClauseID, Classification: Classify(hits), Hits: hits}
		out.Items = append(out.Items, item)
		if item.Classification == ClassContested {
			out.Contested = append(out.Contested, a.ClauseID)
		}
	}
	if err := bb.SetCheckpoint("review_result", out); err != nil {
		return failure(task.ID, err)
	}
	bb.AddHistory(blackboard.HistoryEntry{
		Step:       TaskReview,
		StepID:     task.ID,
		Agent:      r.name,
		Status:     blackboard.StatusCompleted,
		DurationMS: time.Since(started).Milliseconds(),
		Output:     outputJSON(out),
	})
	return success(task.ID, out)
}

// Referee arbitrates contested assessments and writes the verdict back.
type Referee struct {
	base
}

// NewReferee builds a referee.
func NewReferee(name string) *Referee {
	return &Referee{base: base{name: name, kind: KindReferee, caps: []Capability{CapArbitrate}}}
}

// Execute implements Agent. The task payload carries the contested clause ids.
func (r *Referee) Execute(_ context.Context, task Task, bb *blackboard.Blackboard) Result {
	started := time.Now()
	ids := stringList(task.Payload[PayloadClauseIDs])
	arbitrated := map[string]blackboard.Arbitration{}
	for _, id := range ids {
		a, ok := bb.Assessment(id)
		if !ok {
			return failure(task.ID, fmt.Errorf("referee %s: no assessment for clause %q", r.name, id))
		}
		hits := ItemHits(reviewText(bb, a))
		total := 0
		items := make([]string, 0, len(hits))
		for _, item := range Checklist {
			if n := hits[item.ID]; n > 0 {
				total += n
				items = append(items, item.ID)
			}
		}
		decision, confidence := Arbitrate(total)
		arb := blackboard.Arbitration{
			Decision:       decision,
			Confidence:     confidence,
			KeywordMatches: total,
			Items:          items,
		}
		if err := bb.UpdateAssessment(id, func(a *blackboard.Assessment) {
			v := arb
			a.Arbitration = &v
			a.FinalStatus = decision
		}); err != nil {
			return failure(task.ID, err)
		}
		arbitrated[id] = arb
	}
	bb.AddHistory(blackboard.HistoryEntry{
		Step:       TaskArbitrate,
		StepID:     task.ID,
		Agent:      r.name,
		Status:     blackboard.StatusCompleted,
		DurationMS: time.Since(started).Milliseconds(),
		Output:     outputJSON(arbitrated),
	})
	return success(task.ID, arbitrated)
}

func stringList(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, x := range vals {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
