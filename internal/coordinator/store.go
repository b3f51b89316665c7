package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/metalagman/clausegate/internal/team"
)

// Event is one timeline entry persisted with a run transition.
type Event struct {
	Seq     int       `json:"seq"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Data    string    `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// StoredRun is a persisted run with its blackboard.
type StoredRun struct {
	Run        Run
	Blackboard blackboard.Snapshot
}

// RetentionPolicy controls run pruning. Zero values disable a rule.
type RetentionPolicy struct {
	KeepLast int
	KeepDays int
}

// PruneResult summarizes a prune.
type PruneResult struct {
	Considered int      `json:"considered"`
	Kept       int      `json:"kept"`
	Deleted    []string `json:"deleted"`
}

// Store persists teams and runs.
type Store interface {
	SaveTeam(ctx context.Context, def team.Definition) error
	Teams(ctx context.Context) ([]team.Definition, error)
	// SaveRun upserts the run and its blackboard and appends ev, atomically.
	SaveRun(ctx context.Context, run Run, snap blackboard.Snapshot, ev Event) error
	Runs(ctx context.Context) ([]StoredRun, error)
	Events(ctx context.Context, runID string) ([]Event, error)
	PruneRuns(ctx context.Context, policy RetentionPolicy, dryRun bool, protect func(Run) bool) (PruneResult, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	teams  map[string]team.Definition
	order  []string
	runs   map[string]StoredRun
	events map[string][]Event
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams:  map[string]team.Definition{},
		runs:   map[string]StoredRun{},
		events: map[string][]Event{},
	}
}

// SaveTeam implements Store.
func (m *MemoryStore) SaveTeam(_ context.Context, def team.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[def.Name]; !ok {
		m.order = append(m.order, def.Name)
	}
	m.teams[def.Name] = def
	return nil
}

// Teams implements Store.
func (m *MemoryStore) Teams(context.Context) ([]team.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]team.Definition, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.teams[name])
	}
	return out, nil
}

// SaveRun implements Store.
func (m *MemoryStore) SaveRun(_ context.Context, run Run, snap blackboard.Snapshot, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = StoredRun{Run: run, Blackboard: snap}
	if ev.Type != "" {
		ev.Seq = len(m.events[run.ID]) + 1
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		m.events[run.ID] = append(m.events[run.ID], ev)
	}
	return nil
}

// Runs implements Store.
func (m *MemoryStore) Runs(context.Context) ([]StoredRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sortStored(out)
	return out, nil
}

// Events implements Store.
func (m *MemoryStore) Events(_ context.Context, runID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events[runID]...), nil
}

// PruneRuns implements Store.
func (m *MemoryStore) PruneRuns(_ context.Context, policy RetentionPolicy, dryRun bool, protect func(Run) bool) (PruneResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make([]StoredRun, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	sortStored(runs)
	list := make([]Run, len(runs))
	for i, r := range runs {
		list[i] = r.Run
	}
	res := SelectPrunable(list, policy, time.Now().UTC(), protect)
	if !dryRun {
		for _, id := range res.Deleted {
			delete(m.runs, id)
			delete(m.events, id)
		}
	}
	return res, nil
}

func sortStored(in []StoredRun) {
	sort.Slice(in, func(i, j int) bool { return newerFirst(in[i].Run, in[j].Run) })
}

func sortRuns(in []Run) {
	sort.Slice(in, func(i, j int) bool { return newerFirst(in[i], in[j]) })
}

func newerFirst(a, b Run) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// SelectPrunable applies a retention policy to runs sorted newest first.
// Runs in progress or for which protect returns true are always kept.
func SelectPrunable(runs []Run, policy RetentionPolicy, now time.Time, protect func(Run) bool) PruneResult {
	res := PruneResult{Considered: len(runs), Deleted: []string{}}
	if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
		res.Kept = len(runs)
		return res
	}
	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = now.Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}
	for idx, r := range runs {
		keep := r.Status == StatusRunning
		if !keep && protect != nil && protect(r) {
			keep = true
		}
		if !keep && policy.KeepLast > 0 && idx < policy.KeepLast {
			keep = true
		}
		if !keep && policy.KeepDays > 0 && r.CreatedAt.After(cutoff) {
			keep = true
		}
		if keep {
			res.Kept++
			continue
		}
		res.Deleted = append(res.Deleted, r.ID)
	}
	return res
}
