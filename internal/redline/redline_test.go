package redline

import (
	"errors"
	"testing"

	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/metalagman/clausegate/internal/clause"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClauses() []clause.Clause {
	return []clause.Clause{
		{ID: "c1", Heading: "Fees", Text: "Fees are due monthly."},
		{ID: "c2", Heading: "Termination", Text: "Either party may terminate."},
		{ID: "c3", Heading: "Liability", Text: "Liability is unlimited."},
	}
}

func TestGenerate_OnlyRiskyClauses(t *testing.T) {
	t.Parallel()

	assessments := []blackboard.Assessment{
		{ClauseID: "c1", RiskLevel: blackboard.RiskLow},
		{ClauseID: "c2", RiskLevel: blackboard.RiskMedium, Rationale: "notice period missing", PolicyRefs: []string{"T-1"}},
		{ClauseID: "c3", RiskLevel: blackboard.RiskHigh, Rationale: "no cap"},
	}
	got := Generate(testClauses(), assessments)
	require.Len(t, got, 2)

	byClause := map[string]blackboard.Proposal{}
	for _, p := range got {
		byClause[p.ClauseID] = p
	}
	p := byClause["c2"]
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, VariantConservative, p.Variant)
	assert.Equal(t, blackboard.ProposalPending, p.Status)
	assert.Equal(t, "Either party may terminate.", p.OriginalText)
	assert.Equal(t, "[REDLINE – MEDIUM risk] Either party may terminate.\n\nSuggested revision: notice period missing", p.EditedText)
	assert.Equal(t, []string{"T-1"}, p.PolicyRefs)
	assert.NotEqual(t, byClause["c2"].ID, byClause["c3"].ID)
}

func TestGenerate_SkipsMissingClause(t *testing.T) {
	t.Parallel()

	got := Generate(testClauses(), []blackboard.Assessment{
		{ClauseID: "c9", RiskLevel: blackboard.RiskHigh},
		{ClauseID: "c3", RiskLevel: blackboard.RiskUnknown},
	})
	assert.Empty(t, got)
}

func TestRegistry_Render(t *testing.T) {
	t.Parallel()

	b := blackboard.New("run-1")
	require.NoError(t, b.SetClauses(testClauses()))
	require.NoError(t, b.ReplaceRiskResults([]blackboard.Assessment{
		{ClauseID: "c3", RiskLevel: blackboard.RiskHigh, Rationale: "no cap"},
	}, Generate(testClauses(), []blackboard.Assessment{{ClauseID: "c3", RiskLevel: blackboard.RiskHigh, Rationale: "no cap"}})))

	reg := NewRegistry()
	out, err := reg.Render(b.Snapshot(), "MD")
	require.NoError(t, err)
	assert.Contains(t, string(out), "# Review report: run-1")
	assert.Contains(t, string(out), "> [REDLINE – HIGH risk] Liability is unlimited.")

	_, err = reg.Render(b.Snapshot(), FormatPDF)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	reg.Register(FormatPDF, RendererFunc(func(blackboard.Snapshot) ([]byte, error) { return []byte("%PDF"), nil }))
	out, err = reg.Render(b.Snapshot(), FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(out))
}
