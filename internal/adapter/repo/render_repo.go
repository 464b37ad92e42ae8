package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// RenderRepositoryPG implements domain.RenderRepository.
type RenderRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewRenderRepository creates a new render repository backed by PostgreSQL.
func NewRenderRepository(pool *pgxpool.Pool) *RenderRepositoryPG {
	return &RenderRepositoryPG{pool: pool}
}

// CreateBatch inserts the render stubs for a job's source images in one
// transaction.
func (r *RenderRepositoryPG) CreateBatch(ctx context.Context, renders []domain.Render) error {
	if len(renders) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
INSERT INTO renders (id, job_id, source_image_ref, state)
VALUES ($1, $2, $3, $4);
`
	for _, render := range renders {
		if _, err := tx.Exec(ctx, query, render.ID, render.JobID, render.SourceImageRef, render.State); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListByJob returns all renders owned by the job, oldest first.
func (r *RenderRepositoryPG) ListByJob(ctx context.Context, jobID string) ([]domain.Render, error) {
	query := `
SELECT id, job_id, source_image_ref, state, detected_shot_type, confidence,
       generated_prompt, technical_tags, motion_recommendation, raw_analysis,
       processing_seconds, error_message, created_at, updated_at
FROM renders
WHERE job_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var renders []domain.Render
	for rows.Next() {
		var render domain.Render
		if err := rows.Scan(
			&render.ID,
			&render.JobID,
			&render.SourceImageRef,
			&render.State,
			&render.ShotType,
			&render.Confidence,
			&render.Prompt,
			&render.Tags,
			&render.MotionRec,
			&render.RawAnalysis,
			&render.ProcessingSeconds,
			&render.ErrorMessage,
			&render.CreatedAt,
			&render.UpdatedAt,
		); err != nil {
			return nil, err
		}
		renders = append(renders, render)
	}
	return renders, rows.Err()
}

// SaveClassification persists the classifier output and the CLASSIFIED state.
// Shot type and confidence are written together, never separately.
func (r *RenderRepositoryPG) SaveClassification(ctx context.Context, render *domain.Render) error {
	query := `
UPDATE renders
SET state = $2,
    detected_shot_type = $3,
    confidence = $4,
    generated_prompt = $5,
    technical_tags = $6,
    motion_recommendation = $7,
    raw_analysis = $8,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query,
		render.ID,
		render.State,
		render.ShotType,
		render.Confidence,
		render.Prompt,
		render.Tags,
		render.MotionRec,
		render.RawAnalysis,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateState advances the render state, recording processing time and, on
// failure, the error message.
func (r *RenderRepositoryPG) UpdateState(ctx context.Context, renderID string, state domain.RenderState, errMsg *string, processingSeconds float64) error {
	query := `
UPDATE renders
SET state = $2,
    error_message = COALESCE($3, error_message),
    processing_seconds = $4,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, renderID, state, errMsg, processingSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.RenderRepository = (*RenderRepositoryPG)(nil)
