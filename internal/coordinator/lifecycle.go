package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/metalagman/clausegate/internal/blackboard"
	"github.com/metalagman/clausegate/internal/redline"
)

// Artifact is the result of an export.
type Artifact struct {
	URI    string `json:"uri"`
	Format string `json:"format"`
	Data   []byte `json:"-"`
}

// Export renders the run in format and records the artifact URI on the
// blackboard. The run status does not change.
func (c *Coordinator) Export(ctx context.Context, runID, format string) (Artifact, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = redline.FormatMarkdown
	}
	if !redline.Known(format) {
		return Artifact{}, fmt.Errorf("%w: unknown export format %q", ErrValidation, format)
	}
	e, err := c.entry(runID)
	if err != nil {
		return Artifact{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run.Status == StatusCreated {
		return Artifact{}, fmt.Errorf("%w: run %s has not executed yet", ErrInvalidState, runID)
	}

	data, err := c.opts.Renderers.Render(e.bb.Snapshot(), format)
	if err != nil {
		if errors.Is(err, redline.ErrUnsupportedFormat) {
			return Artifact{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return Artifact{}, fmt.Errorf("render %s: %w", format, err)
	}
	uri, err := c.opts.Exporter.Write(ctx, runID, format, data)
	if err != nil {
		return Artifact{}, err
	}
	e.bb.SetArtifact("export_"+format, uri)
	if err := c.persist(ctx, e, "exported", uri); err != nil {
		return Artifact{}, err
	}
	c.logger.Info().Str("run_id", runID).Str("format", format).Str("uri", uri).Msg("run exported")
	return Artifact{URI: uri, Format: format, Data: data}, nil
}

// Replay clones the blackboard of any run into a new CREATED run carrying a
// replayed_from backlink. The new run is not executed; call Execute for a
// fresh pass.
func (c *Coordinator) Replay(ctx context.Context, runID string) (Run, error) {
	src, err := c.entry(runID)
	if err != nil {
		return Run{}, err
	}
	src.mu.Lock()
	srcRun := src.run
	now := c.now()
	id, err := newRunID(now)
	if err != nil {
		src.mu.Unlock()
		return Run{}, fmt.Errorf("generate run id: %w", err)
	}
	bb := src.bb.Clone(id)
	src.mu.Unlock()

	bb.SetMetadata("replayed_from", srcRun.ID)
	e := &runEntry{
		run: Run{
			ID:           id,
			DocID:        srcRun.DocID,
			AgentPath:    srcRun.AgentPath,
			PlaybookID:   srcRun.PlaybookID,
			Status:       StatusCreated,
			Score:        srcRun.Score,
			ReplayedFrom: srcRun.ID,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		bb: bb,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c.mu.Lock()
	c.runs[id] = e
	c.mu.Unlock()
	if err := c.persist(ctx, e, "run_replayed", "replayed from "+srcRun.ID); err != nil {
		return e.run, err
	}
	c.logger.Info().Str("run_id", id).Str("replayed_from", srcRun.ID).Msg("run replayed")
	return e.run, nil
}

// ExpireStale moves runs parked at an approval gate for longer than the
// configured approval timeout to EXPIRED. It returns the expired run ids.
func (c *Coordinator) ExpireStale(ctx context.Context) ([]string, error) {
	if c.opts.ApprovalTimeout <= 0 {
		return nil, nil
	}
	cutoff := c.now().Add(-c.opts.ApprovalTimeout)

	c.mu.RLock()
	entries := make([]*runEntry, 0, len(c.runs))
	for _, e := range c.runs {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	var expired []string
	var errs []error
	for _, e := range entries {
		e.mu.Lock()
		if e.run.Status.Awaiting() && e.run.UpdatedAt.Before(cutoff) {
			if err := c.transition(ctx, e, StatusExpired, "run_expired", "approval timed out"); err != nil {
				errs = append(errs, err)
			} else {
				expired = append(expired, e.run.ID)
			}
		}
		e.mu.Unlock()
	}
	return expired, errors.Join(errs...)
}

// Restore loads persisted runs into memory. Runs stored as RUNNING were
// interrupted by a restart and are marked FAILED.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	stored, err := c.opts.Store.Runs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load runs: %w", err)
	}
	restored := 0
	for _, sr := range stored {
		bb, err := blackboard.FromSnapshot(sr.Blackboard)
		if err != nil {
			return restored, fmt.Errorf("restore run %s: %w", sr.Run.ID, err)
		}
		e := &runEntry{run: sr.Run, bb: bb}
		c.mu.Lock()
		c.runs[sr.Run.ID] = e
		c.mu.Unlock()
		restored++

		if sr.Run.Status != StatusRunning {
			continue
		}
		e.mu.Lock()
		e.run.Error = "interrupted"
		err = c.transition(ctx, e, StatusFailed, "run_failed", "run interrupted by restart")
		e.mu.Unlock()
		if err != nil {
			return restored, err
		}
	}
	c.logger.Info().Int("runs", restored).Msg("runs restored")
	return restored, nil
}

// Prune removes old runs according to policy. Runs parked at an approval
// gate or still executing are never pruned.
func (c *Coordinator) Prune(ctx context.Context, policy RetentionPolicy, dryRun bool) (PruneResult, error) {
	res, err := c.opts.Store.PruneRuns(ctx, policy, dryRun, protectActive)
	if err != nil {
		return res, fmt.Errorf("prune runs: %w", err)
	}
	if dryRun {
		return res, nil
	}
	c.mu.Lock()
	for _, id := range res.Deleted {
		delete(c.runs, id)
	}
	c.mu.Unlock()
	c.logger.Info().Int("deleted", len(res.Deleted)).Int("kept", res.Kept).Msg("runs pruned")
	return res, nil
}

func protectActive(r Run) bool {
	return r.Status == StatusRunning || r.Status == StatusCreated || r.Status.Awaiting()
}
