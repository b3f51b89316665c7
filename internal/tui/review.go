// Package tui provides the terminal risk-approval review screen.
//
// The model is driven by the bubbletea event loop and is not safe for use
// from other goroutines.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/metalagman/clausegate/internal/coordinator"
)

type keyMap struct {
	Up       key.Binding
	Down     key.Binding
	Approve  key.Binding
	Reject   key.Binding
	Override key.Binding
	Submit   key.Binding
	Help     key.Binding
	Quit     key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Approve, k.Reject, k.Override, k.Submit, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.Approve, k.Reject, k.Override}, {k.Submit, k.Help, k.Quit}}
}

var keys = keyMap{
	Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "previous")),
	Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "next")),
	Approve:  key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "approve")),
	Reject:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reject")),
	Override: key.NewBinding(key.WithKeys("o"), key.WithHelp("o", "cycle risk override")),
	Submit:   key.NewBinding(key.WithKeys("s", "enter"), key.WithHelp("s", "submit")),
	Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:     key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	levelStyles   = map[blackboard.RiskLevel]lipgloss.Style{
		blackboard.RiskHigh:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		blackboard.RiskMedium:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		blackboard.RiskLow:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		blackboard.RiskUnknown: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

var overrideCycle = []blackboard.RiskLevel{"", blackboard.RiskLow, blackboard.RiskMedium, blackboard.RiskHigh}

// Item is one clause under review.
type Item struct {
	ClauseID   string
	Heading    string
	Text       string
	Level      blackboard.RiskLevel
	Rationale  string
	PolicyRefs []string
	Redline    string

	Decision string
	Override blackboard.RiskLevel
}

// ReviewModel is the bubbletea model of the risk-approval screen.
type ReviewModel struct {
	runID    string
	reviewer string
	items    []Item
	cursor   int

	viewport viewport.Model
	help     help.Model
	ready    bool

	submitted bool
	quitting  bool
	warning   string
}

// NewReviewModel lists the MEDIUM and HIGH clauses of view, seeded with any
// decisions already recorded.
func NewReviewModel(view coordinator.View, reviewer string) ReviewModel {
	snap := view.Blackboard
	text := map[string][2]string{}
	for _, c := range snap.Clauses {
		text[c.ID] = [2]string{c.Heading, c.Text}
	}
	redlines := map[string]string{}
	for _, p := range snap.Proposals {
		if _, ok := redlines[p.ClauseID]; !ok {
			redlines[p.ClauseID] = p.EditedText
		}
	}
	decided := map[string]string{}
	for _, d := range snap.Decisions {
		if d.Status == blackboard.DecisionApproved {
			decided[d.ClauseID] = "approve"
		} else {
			decided[d.ClauseID] = "reject"
		}
	}

	var items []Item
	for _, a := range snap.Assessments {
		if !a.RiskLevel.IsRisky() {
			continue
		}
		items = append(items, Item{
			ClauseID:   a.ClauseID,
			Heading:    text[a.ClauseID][0],
			Text:       text[a.ClauseID][1],
			Level:      a.RiskLevel,
			Rationale:  a.Rationale,
			PolicyRefs: a.PolicyRefs,
			Redline:    redlines[a.ClauseID],
			Decision:   decided[a.ClauseID],
		})
	}
	return ReviewModel{
		runID:    view.Run.ID,
		reviewer: reviewer,
		items:    items,
		help:     help.New(),
	}
}

// Init implements tea.Model.
func (m ReviewModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m ReviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := msg.Height - len(m.items) - 6
		if height < 3 {
			height = 3
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.help.Width = msg.Width
		m.viewport.SetContent(m.detail())
		return m, nil

	case tea.KeyMsg:
		m.warning = ""
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Down):
			if m.cursor < len(m.items)-1 {
				m.cursor++
			}
		case key.Matches(msg, keys.Approve):
			m.decide("approve")
		case key.Matches(msg, keys.Reject):
			m.decide("reject")
		case key.Matches(msg, keys.Override):
			m.cycleOverride()
		case key.Matches(msg, keys.Submit):
			if len(m.Decisions()) == 0 {
				m.warning = "no decisions to submit"
				return m, nil
			}
			m.submitted = true
			return m, tea.Quit
		}
		if m.ready {
			m.viewport.SetContent(m.detail())
			m.viewport.GotoTop()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *ReviewModel) decide(decision string) {
	if len(m.items) == 0 {
		return
	}
	m.items[m.cursor].Decision = decision
	if m.cursor < len(m.items)-1 {
		m.cursor++
	}
}

func (m *ReviewModel) cycleOverride() {
	if len(m.items) == 0 {
		return
	}
	it := &m.items[m.cursor]
	for i, lvl := range overrideCycle {
		if lvl == it.Override {
			it.Override = overrideCycle[(i+1)%len(overrideCycle)]
			return
		}
	}
	it.Override = ""
}

// Submitted reports whether the reviewer submitted rather than quit.
func (m ReviewModel) Submitted() bool {
	return m.submitted
}

// Decisions returns the decisions made so far in list order.
func (m ReviewModel) Decisions() []coordinator.RiskDecision {
	var out []coordinator.RiskDecision
	for _, it := range m.items {
		if it.Decision == "" {
			continue
		}
		out = append(out, coordinator.RiskDecision{
			ClauseID:     it.ClauseID,
			Decision:     it.Decision,
			RiskOverride: string(it.Override),
			Reviewer:     m.reviewer,
		})
	}
	return out
}

// View implements tea.Model.
func (m ReviewModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Risk review · run %s", m.runID)))
	b.WriteString("\n\n")
	if len(m.items) == 0 {
		b.WriteString(dimStyle.Render("No MEDIUM or HIGH clauses."))
		b.WriteString("\n\n")
		b.WriteString(m.help.View(keys))
		return b.String()
	}
	for i, it := range m.items {
		mark := "  "
		if i == m.cursor {
			mark = "> "
		}
		line := fmt.Sprintf("%s%-6s %s %s", mark, it.ClauseID, levelStyles[it.Level].Render(fmt.Sprintf("%-6s", it.Level)), it.Heading)
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("  ")
		b.WriteString(decisionLabel(it))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if m.ready {
		b.WriteString(m.viewport.View())
	} else {
		b.WriteString(m.detail())
	}
	b.WriteString("\n")
	if m.warning != "" {
		b.WriteString(levelStyles[blackboard.RiskHigh].Render(m.warning))
		b.WriteString("\n")
	}
	b.WriteString(m.help.View(keys))
	return b.String()
}

func decisionLabel(it Item) string {
	label := dimStyle.Render("pending")
	switch it.Decision {
	case "approve":
		label = levelStyles[blackboard.RiskLow].Render("approved")
	case "reject":
		label = levelStyles[blackboard.RiskHigh].Render("rejected")
	}
	if it.Override != "" {
		label += dimStyle.Render(" → " + string(it.Override))
	}
	return label
}

func (m ReviewModel) detail() string {
	if len(m.items) == 0 {
		return ""
	}
	it := m.items[m.cursor]
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n%s\n\n", it.Heading, it.Text)
	fmt.Fprintf(&b, "Rationale: %s\n", it.Rationale)
	if len(it.PolicyRefs) > 0 {
		fmt.Fprintf(&b, "Policy: %s\n", strings.Join(it.PolicyRefs, ", "))
	}
	if it.Redline != "" {
		fmt.Fprintf(&b, "\n%s\n", dimStyle.Render(it.Redline))
	}
	return b.String()
}
