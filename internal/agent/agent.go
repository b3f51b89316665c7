// Package agent defines the unit of work executed by team patterns and the
// built-in agents: parsing, risk analysis, redline generation and the
// pattern roles (manager, worker, planner, executor, reviewer, referee).
package agent

import (
	"context"
	"encoding/json"

	"github.com/metalagman/clausegate/internal/blackboard"
)

// Status is the outcome of one Execute call.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusRunning Status = "RUNNING"
)

// Capability tags what an agent can do.
type Capability string

const (
	CapParse     Capability = "parse"
	CapRisk      Capability = "assess_risk"
	CapRedline   Capability = "redline"
	CapDecompose Capability = "decompose"
	CapPlan      Capability = "plan"
	CapExecute   Capability = "execute"
	CapReview    Capability = "review"
	CapArbitrate Capability = "arbitrate"
)

// Task types understood by the built-in agents.
const (
	TaskParse             = "parse"
	TaskAssessRisk        = "assess_risk"
	TaskAnalyzeRisk       = "analyze_risk"
	TaskGenerateProposals = "generate_proposals"
	TaskReviewProposals   = "review_proposals"
	TaskHITLApproval      = "hitl_approval"
	TaskManage            = "manage"
	TaskPlan              = "plan"
	TaskReview            = "review"
	TaskArbitrate         = "arbitrate"
)

// Payload keys.
const (
	PayloadText        = "text"
	PayloadHeading     = "heading"
	PayloadClauseText  = "clause_text"
	PayloadPolicyRules = "policy_rules"
	PayloadClauseIDs   = "clause_ids"
)

// Task is one unit of work handed to an agent.
type Task struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	ClauseID string         `json:"clause_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// PolicyRules returns the playbook rules carried by the task.
func (t Task) PolicyRules() map[string]any {
	rules, _ := t.Payload[PayloadPolicyRules].(map[string]any)
	return rules
}

func (t Task) payloadString(key string) string {
	s, _ := t.Payload[key].(string)
	return s
}

// Result is what Execute returns. Err is set for FAILED results.
type Result struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
	Output any    `json:"output,omitempty"`
	Err    error  `json:"-"`
}

// MarshalJSON includes the error text.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Succeeded reports whether the result is SUCCESS.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

func success(taskID string, output any) Result {
	return Result{TaskID: taskID, Status: StatusSuccess, Output: output}
}

func failure(taskID string, err error) Result {
	return Result{TaskID: taskID, Status: StatusFailed, Err: err}
}

// Agent is a polymorphic unit of work. Agents mutate the blackboard only
// through its append and replace accessors and never remove another
// agent's history.
type Agent interface {
	Name() string
	Kind() string
	Capabilities() []Capability
	Execute(ctx context.Context, task Task, bb *blackboard.Blackboard) Result
}

type base struct {
	name string
	kind string
	caps []Capability
}

func (b base) Name() string { return b.name }

func (b base) Kind() string { return b.kind }

func (b base) Capabilities() []Capability {
	return append([]Capability(nil), b.caps...)
}

// HasCapability reports whether a declares c.
func HasCapability(a Agent, c Capability) bool {
	for _, have := range a.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

func outputJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
