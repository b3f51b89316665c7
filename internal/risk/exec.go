package risk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/metalagman/ainvoke"
)

const requestSchema = `{
  "type": "object",
  "required": ["clause_id", "clause_text"],
  "properties": {
    "clause_id": {"type": "string"},
    "heading": {"type": "string"},
    "clause_text": {"type": "string"},
    "policy_rules": {"type": "object"}
  }
}`

const responseSchema = `{
  "type": "object",
  "required": ["risk_level"],
  "properties": {
    "risk_level": {"type": "string"},
    "rationale": {"type": "string"},
    "policy_refs": {}
  }
}`

// ExecAssessor runs an external agent command through ainvoke. The command
// reads input.json from its run directory and prints a JSON verdict.
type ExecAssessor struct {
	runner  ainvoke.Runner
	workDir string
}

// NewExecAssessor builds the backend. workDir holds per-call run
// directories; an empty value uses the system temp dir.
func NewExecAssessor(cmd []string, workDir string) (*ExecAssessor, error) {
	if len(cmd) == 0 {
		return nil, errors.New("exec risk backend requires cmd")
	}
	r, err := ainvoke.NewRunner(ainvoke.AgentConfig{Cmd: cmd})
	if err != nil {
		return nil, fmt.Errorf("create agent runner: %w", err)
	}
	return &ExecAssessor{runner: r, workDir: workDir}, nil
}

// Assess implements Assessor.
func (a *ExecAssessor) Assess(ctx context.Context, req Request) (Response, error) {
	runDir, err := os.MkdirTemp(a.workDir, "risk-")
	if err != nil {
		return Response{}, fmt.Errorf("create run dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(runDir) }()

	out, errOut, code, err := a.runner.Run(ctx, ainvoke.Invocation{
		RunDir:       runDir,
		SystemPrompt: systemInstructions,
		Input:        req,
		InputSchema:  requestSchema,
		OutputSchema: responseSchema,
	})
	if err != nil {
		return Response{}, fmt.Errorf("%w: run agent: %v", ErrCollaborator, err)
	}
	if code != 0 {
		return Response{}, fmt.Errorf("%w: agent exited with code %d: %s", ErrCollaborator, code, string(errOut))
	}
	if len(out) == 0 {
		if data, readErr := os.ReadFile(filepath.Join(runDir, "output.json")); readErr == nil {
			out = data
		}
	}
	return ParseResponse(out)
}
