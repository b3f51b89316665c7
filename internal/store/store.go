package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/metalagman/clausegate/internal/agent"
	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/metalagman/clausegate/internal/coordinator"
	"github.com/metalagman/clausegate/internal/rollback"
	"github.com/metalagman/clausegate/internal/team"
)

// tsLayout is fixed width so stored timestamps order lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

var (
	_ coordinator.Store        = (*Store)(nil)
	_ rollback.ExperimentStore = (*Store)(nil)
)

// Store implements coordinator.Store and rollback.ExperimentStore on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveTeam upserts a team definition.
func (s *Store) SaveTeam(ctx context.Context, def team.Definition) error {
	agents, err := json.Marshal(def.Agents)
	if err != nil {
		return fmt.Errorf("encode agents: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO teams(name, pattern, agents_json, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET pattern=excluded.pattern, agents_json=excluded.agents_json, updated_at=excluded.updated_at`,
		def.Name, string(def.Pattern), string(agents), formatTS(s.now())); err != nil {
		return fmt.Errorf("save team %s: %w", def.Name, err)
	}
	return nil
}

// Teams returns definitions in registration order.
func (s *Store) Teams(ctx context.Context) ([]team.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, pattern, agents_json FROM teams ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []team.Definition
	for rows.Next() {
		var name, pattern, agentsJSON string
		if err := rows.Scan(&name, &pattern, &agentsJSON); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		var specs []agent.Spec
		if err := json.Unmarshal([]byte(agentsJSON), &specs); err != nil {
			return nil, fmt.Errorf("decode agents of team %s: %w", name, err)
		}
		out = append(out, team.Definition{Name: name, Pattern: team.Pattern(pattern), Agents: specs})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate teams: %w", err)
	}
	return out, nil
}

// SaveRun upserts the run and its blackboard and appends ev in one
// transaction.
func (s *Store) SaveRun(ctx context.Context, run coordinator.Run, snap blackboard.Snapshot, ev coordinator.Event) error {
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode blackboard: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin save run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id, doc_id, agent_path, playbook_id, status, score, replayed_from, error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, score=excluded.score, error=excluded.error, updated_at=excluded.updated_at`,
		run.ID, run.DocID, run.AgentPath, nullableString(run.PlaybookID), string(run.Status), run.Score,
		nullableString(run.ReplayedFrom), nullableString(run.Error), formatTS(run.CreatedAt), formatTS(run.UpdatedAt)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO blackboards(run_id, snapshot_json) VALUES(?, ?)
		ON CONFLICT(run_id) DO UPDATE SET snapshot_json=excluded.snapshot_json`, run.ID, string(snapJSON)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert blackboard: %w", err)
	}
	if ev.Type != "" {
		at := ev.At
		if at.IsZero() {
			at = s.now()
		}
		if err := s.insertEvent(ctx, tx, run.ID, ev.Type, ev.Message, ev.Data, at); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save run: %w", err)
	}
	return nil
}

// Runs returns every run with its blackboard, newest first.
func (s *Store) Runs(ctx context.Context) ([]coordinator.StoredRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT r.run_id, r.doc_id, r.agent_path, r.playbook_id, r.status, r.score,
		r.replayed_from, r.error, r.created_at, r.updated_at, b.snapshot_json
		FROM runs r JOIN blackboards b ON b.run_id = r.run_id
		ORDER BY r.created_at DESC, r.run_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []coordinator.StoredRun
	for rows.Next() {
		var (
			run                                 coordinator.Run
			status, createdAt, updatedAt, snapJ string
			playbookID, replayedFrom, runErr    sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.DocID, &run.AgentPath, &playbookID, &status, &run.Score,
			&replayedFrom, &runErr, &createdAt, &updatedAt, &snapJ); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = coordinator.Status(status)
		run.PlaybookID = playbookID.String
		run.ReplayedFrom = replayedFrom.String
		run.Error = runErr.String
		if run.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at of run %s: %w", run.ID, err)
		}
		if run.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at of run %s: %w", run.ID, err)
		}
		var snap blackboard.Snapshot
		if err := json.Unmarshal([]byte(snapJ), &snap); err != nil {
			return nil, fmt.Errorf("decode blackboard of run %s: %w", run.ID, err)
		}
		out = append(out, coordinator.StoredRun{Run: run, Blackboard: snap})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Events returns the timeline of a run in sequence order.
func (s *Store) Events(ctx context.Context, runID string) ([]coordinator.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, ts, type, message, data_json FROM events WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []coordinator.Event
	for rows.Next() {
		var (
			ev   coordinator.Event
			ts   string
			data sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ts, &ev.Type, &ev.Message, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.At, err = parseTS(ts); err != nil {
			return nil, fmt.Errorf("parse event ts: %w", err)
		}
		ev.Data = data.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// GetRunStatus returns the status for a run id, or empty if missing.
func (s *Store) GetRunStatus(ctx context.Context, runID string) (coordinator.Status, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id=?`, runID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read run status: %w", err)
	}
	return coordinator.Status(status), nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, runID, typ, message, data string, at time.Time) error {
	seq, err := s.nextSeq(ctx, tx, runID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(run_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		runID, seq, formatTS(at), typ, message, nullableString(data)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) nextSeq(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id=?`, runID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read event seq: %w", err)
	}
	return seq + 1, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
