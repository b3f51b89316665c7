package risk

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoercePolicyRefs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want []string
	}{
		{name: "nil", in: nil, want: []string{}},
		{name: "scalar", in: "PB-1", want: []string{"PB-1"}},
		{name: "blank scalar", in: "  ", want: []string{}},
		{name: "string list", in: []string{"a", " ", "b"}, want: []string{"a", "b"}},
		{name: "json list", in: []any{"a", 7.0, nil}, want: []string{"a", "7"}},
		{name: "number", in: 3, want: []string{"3"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, CoercePolicyRefs(tc.in))
		})
	}
}

func TestParseResponse_ToleratesProse(t *testing.T) {
	t.Parallel()

	resp, err := ParseResponse([]byte("Sure, here it is:\n{\"risk_level\":\"HIGH\",\"rationale\":\"cap missing\",\"policy_refs\":\"LC-1\"}\nthanks"))
	require.NoError(t, err)
	assert.Equal(t, "HIGH", resp.RiskLevel)
	assert.Equal(t, []string{"LC-1"}, CoercePolicyRefs(resp.PolicyRefs))

	_, err = ParseResponse([]byte("no json here"))
	require.ErrorIs(t, err, ErrCollaborator)

	_, err = ParseResponse([]byte(`{"rationale":"x"}`))
	require.ErrorIs(t, err, ErrCollaborator)
}

func TestClientAssess_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	backend := AssessorFunc(func(ctx context.Context, req Request) (Response, error) {
		if calls.Add(1) < 3 {
			return Response{}, errors.New("flaky")
		}
		return Response{RiskLevel: "MEDIUM", Rationale: "ok"}, nil
	})
	c := NewClient(backend, Policy{Timeout: time.Second, Retries: 2})

	out := c.Assess(context.Background(), Request{ClauseID: "c1"})
	require.NoError(t, out.Err)
	assert.Equal(t, "MEDIUM", out.Response.RiskLevel)
	assert.Equal(t, 3, out.Attempts)
}

func TestClientAssess_FallsBackToUnknown(t *testing.T) {
	t.Parallel()

	var observed []Outcome
	backend := AssessorFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{}, errors.New("service down")
	})
	c := NewClient(backend, Policy{Timeout: time.Second, Retries: 1}, WithObserver(func(o Outcome) {
		observed = append(observed, o)
	}))

	out := c.Assess(context.Background(), Request{ClauseID: "c1"})
	require.ErrorIs(t, out.Err, ErrCollaborator)
	assert.Equal(t, "UNKNOWN", out.Response.RiskLevel)
	assert.Contains(t, out.Response.Rationale, "risk assessment unavailable")
	assert.Contains(t, out.Response.Rationale, "service down")
	assert.Equal(t, 2, out.Attempts)
	require.Len(t, observed, 1)
}

func TestClientAssess_TimeoutBecomesUnknown(t *testing.T) {
	t.Parallel()

	backend := AssessorFunc(func(ctx context.Context, req Request) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	})
	c := NewClient(backend, Policy{Timeout: 20 * time.Millisecond})

	out := c.Assess(context.Background(), Request{ClauseID: "c1"})
	require.Error(t, out.Err)
	assert.Equal(t, "UNKNOWN", out.Response.RiskLevel)
	assert.Contains(t, out.Response.Rationale, "deadline exceeded")
}

func TestClientAssess_PanicIsContained(t *testing.T) {
	t.Parallel()

	backend := AssessorFunc(func(ctx context.Context, req Request) (Response, error) {
		panic("boom")
	})
	c := NewClient(backend, Policy{Timeout: time.Second})

	out := c.Assess(context.Background(), Request{ClauseID: "c1"})
	require.ErrorIs(t, out.Err, ErrCollaborator)
	assert.Equal(t, "UNKNOWN", out.Response.RiskLevel)
	assert.Contains(t, out.Response.Rationale, "boom")
}

func TestStaticAssessor(t *testing.T) {
	t.Parallel()

	s := NewStaticAssessor()
	ctx := context.Background()

	resp, err := s.Assess(ctx, Request{ClauseID: "c1", ClauseText: "Supplier shall indemnify Customer without limitation."})
	require.NoError(t, err)
	assert.Equal(t, "HIGH", resp.RiskLevel)

	resp, err = s.Assess(ctx, Request{ClauseID: "c2", ClauseText: "Either party may terminate on 30 days notice."})
	require.NoError(t, err)
	assert.Equal(t, "MEDIUM", resp.RiskLevel)

	resp, err = s.Assess(ctx, Request{ClauseID: "c3", ClauseText: "Notices are sent by email."})
	require.NoError(t, err)
	assert.Equal(t, "LOW", resp.RiskLevel)
}

func TestStaticAssessor_UsesPlaybookRules(t *testing.T) {
	t.Parallel()

	rules := map[string]any{
		"high_keywords":   []any{"Exclusivity"},
		"medium_keywords": []any{},
		"policy_refs":     map[string]any{"exclusivity": "PB-EXC-1"},
	}
	resp, err := NewStaticAssessor().Assess(context.Background(), Request{
		ClauseID:    "c1",
		ClauseText:  "This agreement grants exclusivity in the territory.",
		PolicyRules: rules,
	})
	require.NoError(t, err)
	assert.Equal(t, "HIGH", resp.RiskLevel)
	assert.Equal(t, []string{"PB-EXC-1"}, CoercePolicyRefs(resp.PolicyRefs))
}
