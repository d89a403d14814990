package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"genledger/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type jobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo creates a new JobRepository.
func NewJobRepo(pool *pgxpool.Pool) JobRepository {
	return &jobRepo{pool: pool}
}

const jobColumns = `
	id, account_id, idempotency_key, kind, preset_id, prompt, is_edit, charge_kind, charge_amount,
	state, COALESCE(reservation_id, ''), COALESCE(provider_request_ref, ''), attempts, failure_reason,
	artifact, artifact_key, created_at, updated_at, finalized_at, reversed_at
`

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j            model.Job
		kind, state  string
		chargeKind   *string
		chargeAmount int64
		artifact     []byte
	)
	err := row.Scan(
		&j.ID,
		&j.AccountID,
		&j.IdempotencyKey,
		&kind,
		&j.Spec.PresetID,
		&j.Spec.Prompt,
		&j.Spec.Edit,
		&chargeKind,
		&chargeAmount,
		&state,
		&j.ReservationID,
		&j.ProviderRef,
		&j.Attempts,
		&j.FailureReason,
		&artifact,
		&j.ArtifactKey,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.FinalizedAt,
		&j.ReversedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Spec.Kind = model.Kind(kind)
	j.State = model.JobState(state)
	if chargeKind != nil {
		j.Charge = &model.Charge{Kind: model.ChargeKind(*chargeKind), Amount: chargeAmount}
	}
	if len(artifact) > 0 {
		var a model.Artifact
		if err := json.Unmarshal(artifact, &a); err != nil {
			return nil, fmt.Errorf("unmarshal artifact for job %s: %w", j.ID, err)
		}
		j.Artifact = &a
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]model.Job, error) {
	defer rows.Close()
	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// CreateIfAbsent inserts a pending job keyed by idempotencyKey.
func (r *jobRepo) CreateIfAbsent(ctx context.Context, idempotencyKey, accountID string, spec model.JobSpec) (*model.Job, bool, error) {
	insertQ := `
		INSERT INTO generation_jobs (id, account_id, idempotency_key, kind, preset_id, prompt, is_edit, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + jobColumns
	job, err := scanJob(r.pool.QueryRow(ctx, insertQ,
		uuid.NewString(), accountID, idempotencyKey, string(spec.Kind), spec.PresetID, spec.Prompt, spec.Edit))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return nil, false, fmt.Errorf("creating job for key %s: %w", idempotencyKey, err)
	}

	selectQ := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE idempotency_key = $1`
	job, err = scanJob(r.pool.QueryRow(ctx, selectQ, idempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("fetching job for key %s: %w", idempotencyKey, err)
	}
	if job.AccountID != accountID || job.Spec != spec {
		return nil, false, ErrIdempotencyConflict
	}
	return job, false, nil
}

func (r *jobRepo) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1`
	job, err := scanJob(r.pool.QueryRow(ctx, q, jobID))
	if err != nil {
		return nil, fmt.Errorf("fetch job %s: %w", jobID, err)
	}
	return job, nil
}

func (r *jobRepo) GetJobByProviderRef(ctx context.Context, providerRef string) (*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE provider_request_ref = $1`
	job, err := scanJob(r.pool.QueryRow(ctx, q, providerRef))
	if err != nil {
		return nil, fmt.Errorf("fetch job by provider ref %s: %w", providerRef, err)
	}
	return job, nil
}

func (r *jobRepo) ListJobs(ctx context.Context, accountID string, limit int) ([]model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs for %s: %w", accountID, err)
	}
	return collectJobs(rows)
}

// Transition applies an optimistic state change guarded by WHERE state = from,
// and records it in job_transitions in the same transaction.
func (r *jobRepo) Transition(ctx context.Context, jobID string, from, to model.JobState, patch TransitionPatch) (*model.Job, error) {
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	var (
		chargeKind   *string
		chargeAmount *int64
		artifact     []byte
	)
	if patch.Charge != nil {
		k := string(patch.Charge.Kind)
		chargeKind = &k
		chargeAmount = &patch.Charge.Amount
	}
	if patch.Artifact != nil {
		b, err := json.Marshal(patch.Artifact)
		if err != nil {
			return nil, fmt.Errorf("marshal artifact: %w", err)
		}
		artifact = b
	}

	var job *model.Job
	err := runInTx(ctx, r.pool, func(tx pgx.Tx) error {
		updateQ := `
			UPDATE generation_jobs SET
				state                = $3,
				charge_kind          = COALESCE($4::text, charge_kind),
				charge_amount        = COALESCE($5::bigint, charge_amount),
				reservation_id       = COALESCE(NULLIF($6::text, ''), reservation_id),
				provider_request_ref = COALESCE(NULLIF($7::text, ''), provider_request_ref),
				failure_reason       = COALESCE(NULLIF($8::text, ''), failure_reason),
				artifact             = COALESCE($9::jsonb, artifact),
				artifact_key         = COALESCE(NULLIF($10::text, ''), artifact_key),
				attempts             = GREATEST(attempts, $11::int),
				finalized_at         = CASE WHEN $12::boolean THEN NOW() ELSE finalized_at END,
				updated_at           = NOW()
			WHERE id = $1 AND state = $2::text
			RETURNING ` + jobColumns
		var err error
		job, err = scanJob(tx.QueryRow(ctx, updateQ,
			jobID, string(from), string(to),
			chargeKind, chargeAmount,
			patch.ReservationID, patch.ProviderRef, patch.FailureReason,
			artifact, patch.ArtifactKey, patch.Attempts, to.Terminal(),
		))
		if errors.Is(err, ErrJobNotFound) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM generation_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
				return fmt.Errorf("checking job %s: %w", jobID, err)
			}
			if !exists {
				return ErrJobNotFound
			}
			return ErrStaleTransition
		}
		if err != nil {
			return fmt.Errorf("transitioning job %s %s -> %s: %w", jobID, from, to, err)
		}

		const historyQ = `INSERT INTO job_transitions (job_id, from_state, to_state, reason) VALUES ($1, $2, $3, $4)`
		note := patch.Note
		if note == "" {
			note = patch.FailureReason
		}
		if _, err := tx.Exec(ctx, historyQ, jobID, string(from), string(to), note); err != nil {
			return fmt.Errorf("recording transition for job %s: %w", jobID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *jobRepo) History(ctx context.Context, jobID string) ([]model.JobTransition, error) {
	const q = `
		SELECT job_id, from_state, to_state, reason, created_at
		FROM job_transitions
		WHERE job_id = $1
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying history for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var history []model.JobTransition
	for rows.Next() {
		var (
			t        model.JobTransition
			from, to string
		)
		if err := rows.Scan(&t.JobID, &from, &to, &t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.From = model.JobState(from)
		t.To = model.JobState(to)
		history = append(history, t)
	}
	return history, rows.Err()
}

func (r *jobRepo) ListStale(ctx context.Context, state model.JobState, olderThan time.Time, limit int) ([]model.Job, error) {
	q := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, q, string(state), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale %s jobs: %w", state, err)
	}
	return collectJobs(rows)
}

func (r *jobRepo) ListUnsettled(ctx context.Context, limit int) ([]model.Job, error) {
	q := `
		SELECT ` + jobColumns + `
		FROM generation_jobs j
		WHERE j.state IN ('failed', 'rejected')
		  AND (j.reversed_at IS NULL OR EXISTS (
		      SELECT 1 FROM ledger_entries e
		      WHERE e.reference = j.id
		        AND e.reason IN ('quota_reserve', 'charge_reserve')
		        AND NOT EXISTS (SELECT 1 FROM ledger_entries r WHERE r.reverses = e.id)))
		ORDER BY j.updated_at
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unsettled jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *jobRepo) MarkReversed(ctx context.Context, jobID string) error {
	const q = `UPDATE generation_jobs SET reversed_at = COALESCE(reversed_at, NOW()) WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, jobID)
	if err != nil {
		return fmt.Errorf("marking job %s reversed: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}
