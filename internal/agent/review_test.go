package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func itemBySeverity(s Severity) []ChecklistItem {
	var out []ChecklistItem
	for _, item := range Checklist {
		if item.Severity == s {
			out = append(out, item)
		}
	}
	return out
}

func TestClassify_HighItemWithTwoHitsIsContested(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		high := rapid.SampledFrom(itemBySeverity(SeverityHigh)).Draw(t, "item")
		n := rapid.IntRange(2, 10).Draw(t, "hits")
		hits := map[string]int{high.ID: n}
		for _, item := range Checklist {
			if item.ID != high.ID {
				hits[item.ID] = rapid.IntRange(0, 3).Draw(t, item.ID)
			}
		}
		if got := Classify(hits); got != ClassContested {
			t.Fatalf("Classify(%v) = %s, want contested", hits, got)
		}
	})
}

func TestClassify_SingleHitIsFlagged(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		item := rapid.SampledFrom(Checklist).Draw(t, "item")
		if got := Classify(map[string]int{item.ID: 1}); got != ClassFlagged {
			t.Fatalf("Classify(%s:1) = %s, want flagged", item.ID, got)
		}
	})
}

func TestConfidence_BoundedAndMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.IntRange(1, 100).Draw(t, "a")
		b := rapid.IntRange(a, 100).Draw(t, "b")
		ca, cb := Confidence(a), Confidence(b)
		if ca < 0.7 || cb > 0.95 || ca > cb {
			t.Fatalf("Confidence(%d)=%v Confidence(%d)=%v", a, ca, b, cb)
		}
	})
}

func TestArbitrate(t *testing.T) {
	t.Parallel()

	d, c := Arbitrate(1)
	assert.Equal(t, DecisionRejected, d)
	assert.InDelta(t, 0.7, c, 1e-9)

	d, c = Arbitrate(3)
	assert.Equal(t, DecisionConfirmed, d)
	assert.InDelta(t, 0.8, c, 1e-9)

	_, c = Arbitrate(40)
	assert.InDelta(t, 0.95, c, 1e-9)
}

func TestItemHits_CountsSubstrings(t *testing.T) {
	t.Parallel()

	hits := ItemHits("Unlimited LIABILITY for all liability claims; governed by the governing law of Delaware.")
	assert.Equal(t, 3, hits["liability_cap"])
	assert.Equal(t, 1, hits["governing_law"])
	assert.NotContains(t, hits, "termination")
}

func TestReviewerReferee(t *testing.T) {
	t.Parallel()

	bb := seeded(t,
		"Supplier accepts unlimited liability.",
		"Either party may terminate.",
		"Payment within 30 days.",
	)
	require.NoError(t, bb.ReplaceAssessments([]blackboard.Assessment{
		{ClauseID: "c1", RiskLevel: blackboard.RiskHigh, Rationale: "no cap"},
		{ClauseID: "c2", RiskLevel: blackboard.RiskMedium, Rationale: "short notice"},
		{ClauseID: "c3", RiskLevel: blackboard.RiskLow, Rationale: "standard"},
	}))

	res := NewReviewer("reviewer").Execute(context.Background(), Task{ID: "r", Type: TaskReview}, bb)
	require.True(t, res.Succeeded())
	out := res.Output.(ReviewOutput)
	assert.Equal(t, []string{"c1"}, out.Contested)
	classes := map[string]string{}
	for _, item := range out.Items {
		classes[item.ClauseID] = item.Classification
	}
	assert.Equal(t, map[string]string{"c1": ClassContested, "c2": ClassFlagged, "c3": ClassPassed}, classes)

	res = NewReferee("referee").Execute(context.Background(), Task{ID: "a", Type: TaskArbitrate, Payload: map[string]any{PayloadClauseIDs: out.Contested}}, bb)
	require.True(t, res.Succeeded(), res.Err)

	a, ok := bb.Assessment("c1")
	require.True(t, ok)
	require.NotNil(t, a.Arbitration)
	assert.Equal(t, DecisionConfirmed, a.FinalStatus)
	assert.Equal(t, 3, a.Arbitration.KeywordMatches)
	assert.InDelta(t, 0.8, a.Arbitration.Confidence, 1e-9)
	assert.True(t, strings.HasPrefix(bb.History()[len(bb.History())-1].Step, TaskArbitrate))
}
