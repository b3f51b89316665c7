package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/metalagman/clausegate/internal/rollback"
)

// StartExperiment creates or restarts the experiment of a prompt.
func (s *Store) StartExperiment(ctx context.Context, e rollback.Experiment) error {
	if e.Prompt == "" || e.ActiveVersion == "" || e.CandidateVersion == "" {
		return errors.New("prompt, active and candidate versions are required")
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO prompts(name, active_version, candidate_version, traffic_split, active, started_at, ended_at, end_reason)
		VALUES(?, ?, ?, ?, 1, ?, NULL, NULL)
		ON CONFLICT(name) DO UPDATE SET active_version=excluded.active_version, candidate_version=excluded.candidate_version,
			traffic_split=excluded.traffic_split, active=1, started_at=excluded.started_at, ended_at=NULL, end_reason=NULL`,
		e.Prompt, e.ActiveVersion, e.CandidateVersion, e.TrafficSplit, formatTS(e.StartedAt)); err != nil {
		return fmt.Errorf("start experiment %s: %w", e.Prompt, err)
	}
	return nil
}

// ActiveExperiments returns running experiments sorted by prompt.
func (s *Store) ActiveExperiments(ctx context.Context) ([]rollback.Experiment, error) {
	return s.experiments(ctx, `WHERE active=1`)
}

// Experiments returns every experiment sorted by prompt.
func (s *Store) Experiments(ctx context.Context) ([]rollback.Experiment, error) {
	return s.experiments(ctx, "")
}

func (s *Store) experiments(ctx context.Context, where string) ([]rollback.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, active_version, candidate_version, traffic_split, active, started_at, ended_at, end_reason
		FROM prompts `+where+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []rollback.Experiment
	for rows.Next() {
		var (
			e                 rollback.Experiment
			active            int
			startedAt         string
			endedAt, endedWhy sql.NullString
		)
		if err := rows.Scan(&e.Prompt, &e.ActiveVersion, &e.CandidateVersion, &e.TrafficSplit, &active, &startedAt, &endedAt, &endedWhy); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		e.Active = active == 1
		if e.StartedAt, err = parseTS(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at of %s: %w", e.Prompt, err)
		}
		if endedAt.Valid {
			if e.EndedAt, err = parseTS(endedAt.String); err != nil {
				return nil, fmt.Errorf("parse ended_at of %s: %w", e.Prompt, err)
			}
		}
		e.EndReason = endedWhy.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experiments: %w", err)
	}
	return out, nil
}

// RecordCall appends a call log entry.
func (s *Store) RecordCall(ctx context.Context, c rollback.Call) error {
	if c.At.IsZero() {
		c.At = s.now()
	}
	success := 0
	if c.Success {
		success = 1
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO call_logs(prompt, version, success, ts) VALUES(?, ?, ?, ?)`,
		c.Prompt, c.Version, success, formatTS(c.At)); err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// FailureRate returns failed/total for calls at or after since.
func (s *Store) FailureRate(ctx context.Context, prompt, version string, since time.Time) (float64, int, error) {
	var total, failed int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN success=0 THEN 1 ELSE 0 END), 0)
		FROM call_logs WHERE prompt=? AND version=? AND ts>=?`, prompt, version, formatTS(since))
	if err := row.Scan(&total, &failed); err != nil {
		return 0, 0, fmt.Errorf("failure rate %s@%s: %w", prompt, version, err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(failed) / float64(total), total, nil
}

// Revert ends the experiment of prompt and zeroes its traffic split in one
// transaction.
func (s *Store) Revert(ctx context.Context, prompt, reason string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin revert: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE prompts SET traffic_split=0, active=0, ended_at=?, end_reason=? WHERE name=?`,
		formatTS(s.now()), reason, prompt)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("revert %s: %w", prompt, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("revert %s: %w", prompt, err)
	}
	if n == 0 {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %s", rollback.ErrNotFound, prompt)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revert: %w", err)
	}
	return nil
}
