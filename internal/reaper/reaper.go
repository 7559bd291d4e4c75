package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/renderforge/server/internal/domain"
	"github.com/renderforge/server/internal/infra"
	"github.com/renderforge/server/internal/lifecycle"
	"github.com/renderforge/server/internal/sqlinline"
)

const defaultBatchSize = 100

// Reaper periodically fails jobs stuck in non-terminal states past the
// staleness threshold. It goes through the same failure path as
// executor-reported errors, so quota release and history pruning apply
// identically, and the terminal-transition guard makes it safe to race a
// late-arriving callback.
type Reaper struct {
	db         infra.SQLExecutor
	manager    *lifecycle.Manager
	logger     zerolog.Logger
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int

	// Now is overridable in tests.
	Now func() time.Time
}

func New(db infra.SQLExecutor, manager *lifecycle.Manager, logger zerolog.Logger, interval, staleAfter time.Duration) *Reaper {
	return &Reaper{
		db:         db,
		manager:    manager,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  defaultBatchSize,
		Now:        time.Now,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("interval", r.interval).
		Dur("stale_after", r.staleAfter).
		Msg("reaper started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reaper sweep failed")
			} else if n > 0 {
				r.logger.Info().Int("reaped", n).Msg("reaper sweep done")
			}
		}
	}
}

// Sweep fails every orphaned job older than the staleness threshold and
// returns how many it reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.Now().Add(-r.staleAfter)
	rows, err := r.db.Query(ctx, sqlinline.QSelectStaleJobs, cutoff, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		err := r.manager.FailJob(ctx, id, "job timed out waiting for executor")
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, domain.ErrAlreadyFinalized), errors.Is(err, domain.ErrNotFound):
			// Finished or pruned between the listing and the claim.
		default:
			r.logger.Error().Err(err).Str("job_id", id).Msg("reap failed")
		}
	}
	return reaped, nil
}
