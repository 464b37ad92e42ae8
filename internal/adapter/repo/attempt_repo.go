package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// AttemptRepositoryPG implements domain.AttemptRepository.
type AttemptRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new attempt repository backed by PostgreSQL.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepositoryPG {
	return &AttemptRepositoryPG{pool: pool}
}

// Create inserts a new generation attempt. The attempt number is guarded by a
// database constraint on (render_id, attempt_number) in addition to the
// in-process check, so re-executed jobs cannot duplicate attempts. When the
// insert loses to a concurrent worker, the existing row is adopted so the
// caller continues against the attempt that actually exists.
func (r *AttemptRepositoryPG) Create(ctx context.Context, a *domain.GenerationAttempt) error {
	if a.Number < 1 {
		return domain.ErrInvalidParams
	}
	if a.Number > domain.MaxAttempts {
		return domain.ErrAttemptsExhausted
	}
	query := `
INSERT INTO generation_attempts
    (id, render_id, attempt_number, steps, sampler, cfg_scale, structure_scale)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (render_id, attempt_number) DO NOTHING;
`
	tag, err := r.pool.Exec(ctx, query,
		a.ID,
		a.RenderID,
		a.Number,
		a.Params.Steps,
		a.Params.Sampler,
		a.Params.CFGScale,
		a.Params.StructureScale,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	row := r.pool.QueryRow(ctx, `
SELECT id, steps, sampler, cfg_scale, structure_scale, qc_verdict, failure_reason,
       suggested_fix, artifact_ref, raw_response, created_at, completed_at
FROM generation_attempts
WHERE render_id = $1 AND attempt_number = $2;
`, a.RenderID, a.Number)
	var (
		failureReason *string
		suggestedFix  *string
		artifactRef   *string
	)
	if err := row.Scan(
		&a.ID,
		&a.Params.Steps,
		&a.Params.Sampler,
		&a.Params.CFGScale,
		&a.Params.StructureScale,
		&a.Verdict,
		&failureReason,
		&suggestedFix,
		&artifactRef,
		&a.RawResponse,
		&a.CreatedAt,
		&a.CompletedAt,
	); err != nil {
		return err
	}
	a.FailureReason = derefString(failureReason)
	a.SuggestedFix = derefString(suggestedFix)
	a.ArtifactRef = derefString(artifactRef)
	return nil
}

// Finalize records the attempt verdict and advances the owning render inside
// one transaction. A crash can therefore never leave a PASS attempt visible
// while its render is not yet marked PASSED.
func (r *AttemptRepositoryPG) Finalize(ctx context.Context, a *domain.GenerationAttempt, renderState domain.RenderState) error {
	if !a.Finalized() {
		return domain.ErrInvalidVerdict
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE generation_attempts
SET qc_verdict = $2,
    failure_reason = $3,
    suggested_fix = $4,
    artifact_ref = $5,
    raw_response = $6,
    completed_at = NOW()
WHERE id = $1 AND qc_verdict IS NULL;
`,
		a.ID,
		a.Verdict,
		nullableString(a.FailureReason),
		nullableString(a.SuggestedFix),
		nullableString(a.ArtifactRef),
		nullableBytes(a.RawResponse),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// A concurrent worker already recorded a verdict for this attempt.
		// Abort so the render state cannot advance on top of it.
		return domain.ErrAttemptFinalized
	}

	if _, err := tx.Exec(ctx, `
UPDATE renders
SET state = $2, updated_at = NOW()
WHERE id = $1;
`, a.RenderID, renderState); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListByRender returns a render's attempts ordered by attempt number.
func (r *AttemptRepositoryPG) ListByRender(ctx context.Context, renderID string) ([]domain.GenerationAttempt, error) {
	query := `
SELECT id, render_id, attempt_number, steps, sampler, cfg_scale, structure_scale,
       qc_verdict, failure_reason, suggested_fix, artifact_ref, raw_response,
       created_at, completed_at
FROM generation_attempts
WHERE render_id = $1
ORDER BY attempt_number ASC;
`
	rows, err := r.pool.Query(ctx, query, renderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.GenerationAttempt
	for rows.Next() {
		var (
			a             domain.GenerationAttempt
			failureReason *string
			suggestedFix  *string
			artifactRef   *string
		)
		if err := rows.Scan(
			&a.ID,
			&a.RenderID,
			&a.Number,
			&a.Params.Steps,
			&a.Params.Sampler,
			&a.Params.CFGScale,
			&a.Params.StructureScale,
			&a.Verdict,
			&failureReason,
			&suggestedFix,
			&artifactRef,
			&a.RawResponse,
			&a.CreatedAt,
			&a.CompletedAt,
		); err != nil {
			return nil, err
		}
		a.FailureReason = derefString(failureReason)
		a.SuggestedFix = derefString(suggestedFix)
		a.ArtifactRef = derefString(artifactRef)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ domain.AttemptRepository = (*AttemptRepositoryPG)(nil)
