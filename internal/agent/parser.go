package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/metalagman/clausegate/internal/clause"
)

// Parser seeds the blackboard with clauses from the task's raw text. When
// the coordinator already seeded clauses the step only reports them.
type Parser struct {
	base
	parser clause.Parser
}

// NewParser builds a parser agent.
func NewParser(name string, deps Deps) *Parser {
	return &Parser{
		base:   base{name: name, kind: KindParser, caps: []Capability{CapParse}},
		parser: deps.parser(),
	}
}

// ParseOutput reports the seeded clause ids.
type ParseOutput struct {
	ClauseIDs []string `json:"clause_ids"`
	Seeded    bool     `json:"seeded"`
}

// Execute implements Agent.
func (p *Parser) Execute(ctx context.Context, task Task, bb *blackboard.Blackboard) Result {
	started := time.Now()
	existing := bb.Clauses()
	if len(existing) > 0 {
		return success(task.ID, ParseOutput{ClauseIDs: clauseIDs(existing)})
	}
	text := task.payloadString(PayloadText)
	if text == "" {
		return failure(task.ID, errors.New("no clauses on blackboard and no document text"))
	}
	if err := ctx.Err(); err != nil {
		return failure(task.ID, err)
	}
	clauses, err := p.parser.Parse(text)
	if err != nil {
		return failure(task.ID, fmt.Errorf("parse document: %w", err))
	}
	if err := bb.SetClauses(clauses); err != nil {
		return failure(task.ID, fmt.Errorf("seed clauses: %w", err))
	}
	out := ParseOutput{ClauseIDs: clauseIDs(clauses), Seeded: true}
	bb.AddHistory(blackboard.HistoryEntry{
		Step:       TaskParse,
		StepID:     task.ID,
		Agent:      p.name,
		Status:     blackboard.StatusCompleted,
		DurationMS: time.Since(started).Milliseconds(),
		Output:     outputJSON(out),
	})
	return success(task.ID, out)
}

func clauseIDs(clauses []clause.Clause) []string {
	out := make([]string, len(clauses))
	for i, c := range clauses {
		out[i] = c.ID
	}
	return out
}

// RedlineGenerator regenerates proposals from the current assessments.
type RedlineGenerator struct {
	base
}

// NewRedlineGenerator builds the redline agent.
func NewRedlineGenerator(name string) *RedlineGenerator {
	return &RedlineGenerator{base: base{name: name, kind: KindRedline, caps: []Capability{CapRedline}}}
}

// RedlineOutput lists generated proposal ids by clause.
type RedlineOutput struct {
	Proposals map[string]string `json:"proposals"`
}

// Execute implements Agent.
func (g *RedlineGenerator) Execute(_ context.Context, task Task, bb *blackboard.Blackboard) Result {
	proposals, err := installRiskResults(bb, bb.Assessments())
	if err != nil {
		return failure(task.ID, fmt.Errorf("regenerate proposals: %w", err))
	}
	out := RedlineOutput{Proposals: make(map[string]string, len(proposals))}
	for _, p := range proposals {
		out.Proposals[p.ClauseID] = p.ID
	}
	return success(task.ID, out)
}
