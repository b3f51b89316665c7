// Package risk is the boundary to the external risk assessment collaborator.
//
// Backends implement Assessor and may fail, time out or be rate limited.
// Client wraps a backend with the orchestrator's own timeout, retry and rate
// policy and never surfaces a failure: a clause that cannot be assessed comes
// back as UNKNOWN with a rationale describing why.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrCollaborator marks a failed or timed-out collaborator call.
var ErrCollaborator = errors.New("risk collaborator failure")

// Request is one clause submitted for assessment.
type Request struct {
	ClauseID    string         `json:"clause_id"`
	Heading     string         `json:"heading,omitempty"`
	ClauseText  string         `json:"clause_text"`
	PolicyRules map[string]any `json:"policy_rules,omitempty"`
}

// Response is the raw collaborator answer. PolicyRefs is left as decoded
// JSON because collaborators return either a list or a single reference.
type Response struct {
	RiskLevel  string `json:"risk_level"`
	Rationale  string `json:"rationale"`
	PolicyRefs any    `json:"policy_refs"`
	Prompt     string `json:"prompt,omitempty"`
}

// Assessor is implemented by every backend.
type Assessor interface {
	Assess(ctx context.Context, req Request) (Response, error)
}

// AssessorFunc adapts a function to Assessor.
type AssessorFunc func(ctx context.Context, req Request) (Response, error)

// Assess implements Assessor.
func (f AssessorFunc) Assess(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// CoercePolicyRefs turns whatever the collaborator sent into a list of
// references. A scalar is wrapped, nil becomes an empty list.
func CoercePolicyRefs(v any) []string {
	switch refs := v.(type) {
	case nil:
		return []string{}
	case []string:
		out := make([]string, 0, len(refs))
		for _, r := range refs {
			if r = strings.TrimSpace(r); r != "" {
				out = append(out, r)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(refs))
		for _, r := range refs {
			if r == nil {
				continue
			}
			if s := strings.TrimSpace(fmt.Sprint(r)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(refs); s != "" {
			return []string{s}
		}
		return []string{}
	default:
		return []string{fmt.Sprint(refs)}
	}
}

const systemInstructions = `You are a contract risk reviewer. Assess the clause against the policy rules.
Respond with a single JSON object: {"risk_level": "LOW|MEDIUM|HIGH", "rationale": "<one paragraph>", "policy_refs": ["<rule id>", ...]}.
Output only JSON.`

// BuildPrompt renders the user prompt sent to text-generation backends.
func BuildPrompt(req Request) (string, error) {
	rules, err := json.Marshal(req.PolicyRules)
	if err != nil {
		return "", fmt.Errorf("marshal policy rules: %w", err)
	}
	var b strings.Builder
	b.WriteString("Policy rules (JSON):\n")
	b.Write(rules)
	b.WriteString("\n\nClause")
	if req.Heading != "" {
		b.WriteString(" \"")
		b.WriteString(req.Heading)
		b.WriteString("\"")
	}
	b.WriteString(":\n")
	b.WriteString(req.ClauseText)
	b.WriteString("\n")
	return b.String(), nil
}

// ParseResponse decodes model output, tolerating prose around the JSON object.
func ParseResponse(out []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		recovered, ok := extractJSON(out)
		if !ok {
			return Response{}, fmt.Errorf("%w: output is not JSON", ErrCollaborator)
		}
		if err := json.Unmarshal(recovered, &resp); err != nil {
			return Response{}, fmt.Errorf("%w: decode output: %v", ErrCollaborator, err)
		}
	}
	if strings.TrimSpace(resp.RiskLevel) == "" {
		return Response{}, fmt.Errorf("%w: output has no risk_level", ErrCollaborator)
	}
	return resp, nil
}

func extractJSON(data []byte) ([]byte, bool) {
	start := strings.IndexByte(string(data), '{')
	end := strings.LastIndexByte(string(data), '}')
	if start == -1 || end == -1 || start >= end {
		return nil, false
	}
	return data[start : end+1], true
}
