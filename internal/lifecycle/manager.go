package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/renderforge/server/internal/callback"
	"github.com/renderforge/server/internal/dispatch"
	"github.com/renderforge/server/internal/domain"
	"github.com/renderforge/server/internal/infra"
	"github.com/renderforge/server/internal/quota"
	"github.com/renderforge/server/internal/sqlinline"
)

const (
	// DefaultRetentionCap is how many jobs a tenant keeps; older jobs and
	// their assets are pruned after every terminal transition.
	DefaultRetentionCap = 20

	errMessageLimit = 500
)

// OutputIngester pulls declared outputs into owned storage. Satisfied by
// *ingest.Ingester.
type OutputIngester interface {
	Persist(ctx context.Context, tenantID, jobID string, outputs []domain.DeclaredOutput) ([]domain.Asset, error)
}

// Manager owns the job state machine, its transaction boundaries, and the
// idempotent terminal transitions. Terminal transitions go through a single
// conditional update guarded on finished_at being unset, so duplicate
// callbacks, a sync-reply racing a later callback, or the reaper racing a
// callback all collapse to one winner and silent no-ops.
type Manager struct {
	db       infra.SQLExecutor
	tx       infra.TxRunner
	ledger   *quota.Ledger
	ingester OutputIngester
	logger   zerolog.Logger

	retentionCap int
}

func NewManager(db infra.SQLExecutor, tx infra.TxRunner, ledger *quota.Ledger, ingester OutputIngester, logger zerolog.Logger, retentionCap int) *Manager {
	if retentionCap <= 0 {
		retentionCap = DefaultRetentionCap
	}
	return &Manager{db: db, tx: tx, ledger: ledger, ingester: ingester, logger: logger, retentionCap: retentionCap}
}

// CreateJob reserves quota and inserts the pending job in one transaction,
// so a crash between the two cannot leave a reservation without its job or
// vice versa. It returns the job and the raw callback token; the token is
// handed to the executor and never stored.
func (m *Manager) CreateJob(ctx context.Context, tenant *domain.Tenant, params domain.GenerationParams, count int) (*domain.Job, string, error) {
	rawToken, tokenHash, err := callback.MintToken()
	if err != nil {
		return nil, "", err
	}

	job := &domain.Job{
		ID:       uuid.NewString(),
		TenantID: tenant.ID,
		Status:   domain.JobStatusPending,
		Options: domain.JobOptions{
			Params:            params,
			CallbackTokenHash: tokenHash,
		},
	}

	err = m.tx.WithinTx(ctx, func(q infra.SQLExecutor) error {
		reservation, err := m.ledger.Reserve(ctx, q, tenant, count)
		if err != nil {
			return err
		}
		job.Options.Reservation = reservation

		optionsJSON, err := json.Marshal(job.Options)
		if err != nil {
			return fmt.Errorf("marshal job options: %w", err)
		}
		if _, err := q.Exec(ctx, sqlinline.QInsertJob, job.ID, job.TenantID, optionsJSON); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return job, rawToken, nil
}

// GetJob loads a job by id.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := m.db.QueryRow(ctx, sqlinline.QSelectJobByID, jobID)
	var job domain.Job
	var optionsJSON []byte
	if err := row.Scan(&job.ID, &job.TenantID, &job.Status, &optionsJSON, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt, &job.FinishedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
			return nil, fmt.Errorf("parse job options: %w", err)
		}
	}
	return &job, nil
}

// MarkDispatched moves a pending job to its in-flight state. A job no longer
// pending is left alone.
func (m *Manager) MarkDispatched(ctx context.Context, jobID string, status domain.JobStatus) error {
	if status != domain.JobStatusRunning && status != domain.JobStatusProcessing {
		return fmt.Errorf("invalid dispatch status %q", status)
	}
	if _, err := m.db.Exec(ctx, sqlinline.QMarkJobDispatched, jobID, status); err != nil {
		return fmt.Errorf("mark job dispatched: %w", err)
	}
	return nil
}

// CompleteJob ingests the declared outputs into owned storage, then claims
// the success transition and inserts the asset rows in one transaction, so a
// failed insert rolls the claim back and leaves the job open for a retry or
// the reaper. A claim losing to an earlier terminal transition returns
// domain.ErrAlreadyFinalized and changes nothing in the database; objects
// already uploaded for the losing attempt are left to storage lifecycle
// cleanup.
func (m *Manager) CompleteJob(ctx context.Context, job *domain.Job, outputs []domain.DeclaredOutput) error {
	assets, err := m.ingester.Persist(ctx, job.TenantID, job.ID, outputs)
	if err != nil {
		return err
	}

	// Re-marshalling the loaded options merges nothing away: every prior
	// field travels with the claim.
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal job options: %w", err)
	}

	err = m.tx.WithinTx(ctx, func(q infra.SQLExecutor) error {
		tag, err := q.Exec(ctx, sqlinline.QFinalizeJobSuccess, job.ID, optionsJSON)
		if err != nil {
			return fmt.Errorf("finalize job success: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrAlreadyFinalized
		}

		for _, asset := range assets {
			if _, err := q.Exec(ctx, sqlinline.QInsertAsset,
				asset.ID, asset.TenantID, asset.JobID, asset.Type,
				asset.URL, asset.ThumbnailURL, asset.DurationSeconds, asset.Bytes, asset.SourceOrigin,
			); err != nil {
				return fmt.Errorf("insert asset: %w", err)
			}
		}

		// Jobs created under the reservation protocol already accounted
		// usage at creation time; only legacy jobs without a reservation
		// pay here.
		if job.Options.Reservation == nil {
			if err := m.ledger.IncrementUsage(ctx, q, job.TenantID, 1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.pruneHistory(ctx, job.TenantID)
	return nil
}

// FailJob claims the failure transition, stores a truncated error message,
// and releases exactly the reservation recorded on the job. Claim and
// release commit together, and the release runs only when this caller wins
// the claim, so duplicate failures release at most once.
func (m *Manager) FailJob(ctx context.Context, jobID, cause string) error {
	job, err := m.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	msg := dispatch.TruncateError(cause, errMessageLimit)
	err = m.tx.WithinTx(ctx, func(q infra.SQLExecutor) error {
		tag, err := q.Exec(ctx, sqlinline.QFinalizeJobFailure, jobID, msg)
		if err != nil {
			return fmt.Errorf("finalize job failure: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrAlreadyFinalized
		}
		if res := job.Options.Reservation; res != nil {
			if err := m.ledger.Release(ctx, q, job.TenantID, res.ReservedCount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().Str("job_id", jobID).Str("tenant_id", job.TenantID).Str("cause", msg).Msg("job failed")
	m.pruneHistory(ctx, job.TenantID)
	return nil
}

// ListAssets returns the persisted assets of a job in creation order.
func (m *Manager) ListAssets(ctx context.Context, jobID string) ([]domain.Asset, error) {
	rows, err := m.db.Query(ctx, sqlinline.QSelectAssetsByJob, jobID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		var a domain.Asset
		if err := rows.Scan(&a.ID, &a.TenantID, &a.JobID, &a.Type, &a.URL, &a.ThumbnailURL, &a.DurationSeconds, &a.Bytes, &a.SourceOrigin, &a.CreatedAt); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// pruneHistory deletes the oldest jobs past the retention cap, assets first.
// Pruning is best-effort; a failed prune never fails the transition that
// triggered it.
func (m *Manager) pruneHistory(ctx context.Context, tenantID string) {
	rows, err := m.db.Query(ctx, sqlinline.QSelectPrunableJobs, tenantID, m.retentionCap)
	if err != nil {
		m.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("prune lookup failed")
		return
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			m.logger.Error().Err(err).Msg("prune scan failed")
			return
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil || len(ids) == 0 {
		return
	}

	if _, err := m.db.Exec(ctx, sqlinline.QDeleteAssetsByJobs, ids); err != nil {
		m.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("prune assets failed")
		return
	}
	if _, err := m.db.Exec(ctx, sqlinline.QDeleteJobs, ids); err != nil {
		m.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("prune jobs failed")
		return
	}
	m.logger.Info().Str("tenant_id", tenantID).Int("pruned", len(ids)).Msg("pruned job history")
}
