package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"server/internal/domain"
)

type createJobRequest struct {
	PropertyID string   `json:"property_id" validate:"required"`
	BatchID    *string  `json:"batch_id"`
	ImageRefs  []string `json:"image_refs" validate:"required,min=1,dive,required"`
}

// CreateJob enqueues a job in QUEUED with one render stub per source image.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := a.Validate.Struct(req); err != nil {
		a.error(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	job := &domain.Job{
		ID:         uuid.NewString(),
		PropertyID: req.PropertyID,
		BatchID:    req.BatchID,
		Status:     domain.JobStatusQueued,
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Msg("handlers: create job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}

	renders := make([]domain.Render, len(req.ImageRefs))
	renderIDs := make([]string, len(req.ImageRefs))
	for i, ref := range req.ImageRefs {
		renderIDs[i] = uuid.NewString()
		renders[i] = domain.Render{
			ID:             renderIDs[i],
			JobID:          job.ID,
			SourceImageRef: ref,
			State:          domain.RenderStateUnclassified,
		}
	}
	if err := a.Renders.CreateBatch(r.Context(), renders); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("handlers: create renders failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create renders")
		return
	}

	a.json(w, http.StatusCreated, map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"render_ids": renderIDs,
	})
}

// GetJob returns a job with its renders.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	renders, err := a.Renders.ListByJob(r.Context(), jobID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load renders")
		return
	}

	out := make([]map[string]any, len(renders))
	for i, render := range renders {
		out[i] = map[string]any{
			"id":                 render.ID,
			"source_image_ref":   render.SourceImageRef,
			"state":              render.State,
			"detected_shot_type": render.ShotType,
			"confidence":         render.Confidence,
			"tags":               render.Tags,
			"motion":             render.MotionRec,
			"processing_seconds": render.ProcessingSeconds,
			"error_message":      render.ErrorMessage,
		}
	}
	a.json(w, http.StatusOK, map[string]any{
		"id":          job.ID,
		"property_id": job.PropertyID,
		"batch_id":    job.BatchID,
		"status":      job.Status,
		"retry_count": job.RetryCount,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
		"renders":     out,
	})
}

// ListAttempts returns a render's attempts in attempt order. Raw audit
// payloads are retained server-side but not surfaced here.
func (a *App) ListAttempts(w http.ResponseWriter, r *http.Request) {
	renderID := chi.URLParam(r, "id")
	attempts, err := a.Attempts.ListByRender(r.Context(), renderID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load attempts")
		return
	}
	out := make([]map[string]any, len(attempts))
	for i, attempt := range attempts {
		out[i] = map[string]any{
			"id":             attempt.ID,
			"attempt_number": attempt.Number,
			"params":         attempt.Params,
			"qc_verdict":     attempt.Verdict,
			"failure_reason": attempt.FailureReason,
			"suggested_fix":  attempt.SuggestedFix,
			"artifact_ref":   attempt.ArtifactRef,
			"created_at":     attempt.CreatedAt,
			"completed_at":   attempt.CompletedAt,
		}
	}
	a.json(w, http.StatusOK, map[string]any{"render_id": renderID, "attempts": out})
}

// RetryJob is the explicit operator transition FAILED -> QUEUED.
func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	if job.Status != domain.JobStatusFailed {
		a.error(w, http.StatusConflict, "conflict", "only FAILED jobs can be retried")
		return
	}
	if err := a.Jobs.Requeue(r.Context(), jobID, 0, 0); err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to requeue job")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"job_id": jobID, "status": domain.JobStatusQueued})
}

// CancelJob flags the job; the render loop observes the flag between attempts.
func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := a.Jobs.RequestCancel(r.Context(), jobID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"job_id": jobID, "cancel_requested": true})
}

// DeleteJob removes the job aggregate: the job, its renders, and their
// attempts, in one transaction.
func (a *App) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := a.Jobs.DeleteAggregate(r.Context(), jobID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
