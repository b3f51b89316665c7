package redline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/metalagman/clausegate/internal/blackboard"
)

// Formats accepted by Export.
const (
	FormatMarkdown = "md"
	FormatDOCX     = "docx"
	FormatPDF      = "pdf"
)

// ErrUnsupportedFormat is returned for formats without a registered renderer.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Renderer turns a run snapshot into an artifact.
type Renderer interface {
	Render(snap blackboard.Snapshot) ([]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(snap blackboard.Snapshot) ([]byte, error)

// Render implements Renderer.
func (f RendererFunc) Render(snap blackboard.Snapshot) ([]byte, error) {
	return f(snap)
}

// Registry dispatches rendering by format.
type Registry struct {
	mu        sync.RWMutex
	renderers map[string]Renderer
}

// NewRegistry returns a registry with the Markdown renderer installed.
func NewRegistry() *Registry {
	r := &Registry{renderers: map[string]Renderer{}}
	r.Register(FormatMarkdown, MarkdownRenderer{})
	return r
}

// Register installs or replaces the renderer for format.
func (r *Registry) Register(format string, renderer Renderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers[strings.ToLower(format)] = renderer
}

// Known reports whether format is one Export accepts at all.
func Known(format string) bool {
	switch strings.ToLower(format) {
	case FormatMarkdown, FormatDOCX, FormatPDF:
		return true
	}
	return false
}

// Render produces the artifact for format.
func (r *Registry) Render(snap blackboard.Snapshot, format string) ([]byte, error) {
	r.mu.RLock()
	renderer, ok := r.renderers[strings.ToLower(format)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return renderer.Render(snap)
}

// MarkdownRenderer renders a review report as Markdown.
type MarkdownRenderer struct{}

// Render implements Renderer.
func (MarkdownRenderer) Render(snap blackboard.Snapshot) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Review report: %s\n\n", snap.RunID)
	if src, ok := snap.Metadata["doc_id"]; ok {
		fmt.Fprintf(&b, "Document: `%s`\n\n", src)
	}

	assessments := map[string]blackboard.Assessment{}
	for _, a := range snap.Assessments {
		assessments[a.ClauseID] = a
	}
	proposals := map[string][]blackboard.Proposal{}
	for _, p := range snap.Proposals {
		proposals[p.ClauseID] = append(proposals[p.ClauseID], p)
	}
	decisions := map[string]blackboard.Decision{}
	for _, d := range snap.Decisions {
		decisions[d.ClauseID] = d
	}

	b.WriteString("## Summary\n\n| Clause | Heading | Risk | Decision |\n|---|---|---|---|\n")
	for _, c := range snap.Clauses {
		level := "-"
		if a, ok := assessments[c.ID]; ok {
			level = string(a.RiskLevel)
		}
		decision := "-"
		if d, ok := decisions[c.ID]; ok {
			decision = string(d.Status)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", c.ID, escapeCell(c.Heading), level, decision)
	}

	for _, c := range snap.Clauses {
		a, ok := assessments[c.ID]
		if !ok || !a.RiskLevel.IsRisky() {
			continue
		}
		fmt.Fprintf(&b, "\n## %s %s\n\n", c.ID, c.Heading)
		fmt.Fprintf(&b, "**Risk:** %s\n\n", a.RiskLevel)
		if a.Rationale != "" {
			fmt.Fprintf(&b, "**Rationale:** %s\n\n", a.Rationale)
		}
		if len(a.PolicyRefs) > 0 {
			refs := append([]string{}, a.PolicyRefs...)
			sort.Strings(refs)
			fmt.Fprintf(&b, "**Policy refs:** %s\n\n", strings.Join(refs, ", "))
		}
		if a.Arbitration != nil {
			fmt.Fprintf(&b, "**Arbitration:** %s (confidence %.2f)\n\n", a.Arbitration.Decision, a.Arbitration.Confidence)
		}
		for _, p := range proposals[c.ID] {
			fmt.Fprintf(&b, "### Proposal `%s` (%s, %s)\n\n", p.ID, p.Variant, p.Status)
			b.WriteString(quote(p.EditedText))
			b.WriteString("\n")
		}
		if d, ok := decisions[c.ID]; ok && d.Comments != "" {
			fmt.Fprintf(&b, "**Reviewer %s:** %s\n\n", d.Reviewer, d.Comments)
		}
	}
	if note, ok := snap.Artifacts["final_note"]; ok && note != "" {
		fmt.Fprintf(&b, "\n## Final note\n\n%s\n", note)
	}
	return []byte(b.String()), nil
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}

func quote(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l == "" {
			lines[i] = ">"
			continue
		}
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n") + "\n"
}
