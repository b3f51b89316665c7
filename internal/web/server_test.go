package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/metalagman/clausegate/internal/agent"
	"github.com/metalagman/clausegate/internal/coordinator"
	"github.com/metalagman/clausegate/internal/metrics"
	"github.com/metalagman/clausegate/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doc = "# Liability\nSupplier accepts unlimited liability.\n# Fees\nFees are due monthly.\n"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	m := metrics.New()
	c := coordinator.New(coordinator.Options{
		Deps:     agent.Deps{Risk: risk.NewClient(risk.NewStaticAssessor(), risk.Policy{Timeout: time.Second})},
		Observer: m,
	})
	require.NoError(t, c.LoadTeams(context.Background()))
	srv, err := NewServer(c, m)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out := map[string]any{}
	if resp.Header.Get("Content-Type") == "application/json" {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/runs", map[string]any{"doc_id": "msa", "text": doc, "agent_path": "manager_worker"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	runID, _ := body["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, "AWAITING_RISK_APPROVAL", body["status"])

	resp, body = do(t, http.MethodGet, ts.URL+"/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bb := body["blackboard"].(map[string]any)
	proposals := bb["proposals"].([]any)
	require.Len(t, proposals, 1)
	proposalID := proposals[0].(map[string]any)["id"].(string)

	resp, _ = do(t, http.MethodPost, ts.URL+"/runs/"+runID+"/final-approval", map[string]any{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/runs/"+runID+"/risk-approval", map[string]any{
		"items": []map[string]any{{"clause_id": "c9", "decision": "approve"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPost, ts.URL+"/runs/"+runID+"/risk-approval", map[string]any{
		"items": []map[string]any{{"clause_id": "c1", "decision": "approve", "reviewer": "ann"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "AWAITING_FINAL_APPROVAL", body["status"])

	resp, body = do(t, http.MethodPost, ts.URL+"/runs/"+runID+"/final-approval", map[string]any{
		"approved_proposal_ids": []string{proposalID},
		"note":                  "approved as redlined",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "APPROVED", body["status"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/runs/"+runID+"/export?format=md", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "memory://runs/"+runID+"/report.md", resp.Header.Get("X-Artifact-URI"))

	resp, _ = do(t, http.MethodGet, ts.URL+"/runs/"+runID+"/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPost, ts.URL+"/runs/"+runID+"/replay", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	newID, _ := body["new_run_id"].(string)
	assert.NotEqual(t, runID, newID)

	resp, _ = do(t, http.MethodGet, ts.URL+"/runs/"+newID+"/export", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, body = do(t, http.MethodPost, ts.URL+"/runs/"+newID+"/execute", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "AWAITING_RISK_APPROVAL", body["status"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartRunValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, _ := do(t, http.MethodPost, ts.URL+"/runs", map[string]any{"text": doc})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/runs", map[string]any{"text": doc, "agent_path": "absent"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/runs", map[string]any{"bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTeamsOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/teams")
	require.NoError(t, err)
	var teams []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&teams))
	_ = resp.Body.Close()
	assert.Len(t, teams, 4)

	resp, body := do(t, http.MethodGet, ts.URL+"/teams/pipeline", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PIPELINE", body["pattern"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/teams/absent", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPost, ts.URL+"/teams", map[string]any{
		"name":    "quick",
		"pattern": "SEQUENTIAL",
		"agents":  []map[string]any{{"name": "p", "kind": "parser"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "quick", body["name"])

	resp, body = do(t, http.MethodPost, ts.URL+"/teams/quick/agents", map[string]any{"name": "r", "kind": "risk_analyzer"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["agents"], 2)

	resp, _ = do(t, http.MethodPost, ts.URL+"/teams", map[string]any{"name": "bad", "pattern": "SEQUENTIAL", "agents": []map[string]any{{"name": "x", "kind": "oracle"}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/teams", map[string]any{"pattern": "SEQUENTIAL"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIndexListsRuns(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	resp, _ := do(t, http.MethodPost, ts.URL+"/runs", map[string]any{"text": doc, "agent_path": "sequential"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "AWAITING_RISK_APPROVAL")
}
