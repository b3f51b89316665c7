// Package rollback watches prompt A/B experiments and reverts a candidate
// version whose failure rate degrades past the active version's.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/metalagman/clausegate/internal/logging"
	"github.com/rs/zerolog"
)

// Defaults.
const (
	DefaultInterval = 60 * time.Second
	DefaultWindow   = 10 * time.Minute
	DefaultMargin   = 0.05
)

// ErrNotFound is returned for an unknown prompt.
var ErrNotFound = errors.New("prompt not found")

// Experiment is a prompt with an active version and a candidate under test.
type Experiment struct {
	Prompt           string    `json:"prompt"`
	ActiveVersion    string    `json:"active_version"`
	CandidateVersion string    `json:"candidate_version"`
	TrafficSplit     float64   `json:"traffic_split"`
	Active           bool      `json:"active"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at,omitzero"`
	EndReason        string    `json:"end_reason,omitempty"`
}

// Call is one logged collaborator call of a prompt version.
type Call struct {
	Prompt  string    `json:"prompt"`
	Version string    `json:"version"`
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
}

// Store is the deployment and call-log state the monitor reads and reverts.
type Store interface {
	ActiveExperiments(ctx context.Context) ([]Experiment, error)
	// FailureRate returns failed/total for calls at or after since; zero
	// calls yield a zero rate.
	FailureRate(ctx context.Context, prompt, version string, since time.Time) (float64, int, error)
	// Revert makes the active version the only one served: traffic split 0,
	// experiment ended. It is atomic.
	Revert(ctx context.Context, prompt, reason string) error
}

// ExperimentStore adds the management operations used by the CLI and tests.
type ExperimentStore interface {
	Store
	StartExperiment(ctx context.Context, e Experiment) error
	Experiments(ctx context.Context) ([]Experiment, error)
	RecordCall(ctx context.Context, c Call) error
}

// Verdict is the outcome of evaluating one experiment.
type Verdict struct {
	Prompt        string  `json:"prompt"`
	ActiveRate    float64 `json:"active_rate"`
	CandidateRate float64 `json:"candidate_rate"`
	ActiveCalls   int     `json:"active_calls"`
	CandCalls     int     `json:"candidate_calls"`
	Reverted      bool    `json:"reverted"`
	Err           error   `json:"-"`
}

// rateTolerance absorbs float rounding in failed/total ratios.
const rateTolerance = 1e-9

// ShouldRevert is the rollback rule: strictly worse than active plus margin.
// A difference equal to the margin within rateTolerance does not revert.
func ShouldRevert(activeRate, candidateRate, margin float64) bool {
	return candidateRate-activeRate > margin+rateTolerance
}

// Monitor runs the periodic check.
type Monitor struct {
	store    Store
	interval time.Duration
	window   time.Duration
	margin   float64
	now      func() time.Time
	onRevert func(Verdict)
	onCheck  func(Verdict)
	logger   zerolog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option { return func(m *Monitor) { m.interval = d } }

// WithWindow sets the trailing failure-rate window.
func WithWindow(d time.Duration) Option { return func(m *Monitor) { m.window = d } }

// WithMargin sets the allowed degradation.
func WithMargin(v float64) Option { return func(m *Monitor) { m.margin = v } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithRevertHook is called after every successful revert.
func WithRevertHook(fn func(Verdict)) Option { return func(m *Monitor) { m.onRevert = fn } }

// WithVerdictHook is called for every evaluated experiment.
func WithVerdictHook(fn func(Verdict)) Option { return func(m *Monitor) { m.onCheck = fn } }

// NewMonitor builds a monitor with default interval, window and margin.
func NewMonitor(store Store, opts ...Option) *Monitor {
	m := &Monitor{
		store:    store,
		interval: DefaultInterval,
		window:   DefaultWindow,
		margin:   DefaultMargin,
		now:      time.Now,
		logger:   logging.Component("rollback"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.window <= 0 {
		m.window = DefaultWindow
	}
	return m
}

// Run ticks until ctx is done. Errors never stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().Dur("interval", m.interval).Dur("window", m.window).Float64("margin", m.margin).Msg("rollback monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("rollback monitor stopped")
			return nil
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce evaluates every active experiment. A failure on one experiment
// is logged and does not affect the others.
func (m *Monitor) CheckOnce(ctx context.Context) []Verdict {
	experiments, err := m.store.ActiveExperiments(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("list active experiments")
		return nil
	}
	out := make([]Verdict, 0, len(experiments))
	for _, e := range experiments {
		v := m.evaluate(ctx, e)
		if v.Err != nil {
			m.logger.Error().Err(v.Err).Str("experiment", e.Prompt).Msg("experiment check failed")
		}
		if m.onCheck != nil {
			m.onCheck(v)
		}
		out = append(out, v)
	}
	return out
}

func (m *Monitor) evaluate(ctx context.Context, e Experiment) (v Verdict) {
	v.Prompt = e.Prompt
	defer func() {
		if r := recover(); r != nil {
			v.Err = fmt.Errorf("experiment %s panicked: %v\n%s", e.Prompt, r, debug.Stack())
		}
	}()

	since := m.now().Add(-m.window)
	var err error
	v.ActiveRate, v.ActiveCalls, err = m.store.FailureRate(ctx, e.Prompt, e.ActiveVersion, since)
	if err != nil {
		v.Err = fmt.Errorf("failure rate %s@%s: %w", e.Prompt, e.ActiveVersion, err)
		return v
	}
	v.CandidateRate, v.CandCalls, err = m.store.FailureRate(ctx, e.Prompt, e.CandidateVersion, since)
	if err != nil {
		v.Err = fmt.Errorf("failure rate %s@%s: %w", e.Prompt, e.CandidateVersion, err)
		return v
	}
	if !ShouldRevert(v.ActiveRate, v.CandidateRate, m.margin) {
		return v
	}
	reason := fmt.Sprintf("candidate %s failure rate %.3f exceeds active %s rate %.3f by more than %.3f",
		e.CandidateVersion, v.CandidateRate, e.ActiveVersion, v.ActiveRate, m.margin)
	if err := m.store.Revert(ctx, e.Prompt, reason); err != nil {
		v.Err = fmt.Errorf("revert %s: %w", e.Prompt, err)
		return v
	}
	v.Reverted = true
	m.logger.Warn().
		Str("experiment", e.Prompt).
		Float64("active_rate", v.ActiveRate).
		Float64("candidate_rate", v.CandidateRate).
		Msg("experiment reverted")
	if m.onRevert != nil {
		m.onRevert(v)
	}
	return v
}

func sortExperiments(in []Experiment) {
	sort.Slice(in, func(i, j int) bool { return in[i].Prompt < in[j].Prompt })
}
