package handlers

import (
	"net/http"
	"strconv"
	"time"

	"server/internal/sqlinline"
)

// Operator read models. These endpoints aggregate pipeline state for
// dashboards; they never mutate it.

func (a *App) StatsJobsByStatus(w http.ResponseWriter, r *http.Request) {
	rows, err := a.SQL.Query(r.Context(), sqlinline.QStatsJobsByStatus)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load stats")
		return
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			a.error(w, http.StatusInternalServerError, "internal", "failed to load stats")
			return
		}
		counts[status] = count
	}
	a.json(w, http.StatusOK, map[string]any{"jobs_by_status": counts})
}

func (a *App) StatsRecentRenders(w http.ResponseWriter, r *http.Request) {
	rows, err := a.SQL.Query(r.Context(), sqlinline.QStatsRecentRenders, queryLimit(r, 20))
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load renders")
		return
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			id, jobID, jobStatus, state, sourceRef string
			shotType                               *string
			confidence                             *float64
			processingSeconds                      float64
			updatedAt                              time.Time
		)
		if err := rows.Scan(&id, &jobID, &jobStatus, &state, &sourceRef, &shotType, &confidence, &processingSeconds, &updatedAt); err != nil {
			a.error(w, http.StatusInternalServerError, "internal", "failed to load renders")
			return
		}
		out = append(out, map[string]any{
			"id":                 id,
			"job_id":             jobID,
			"job_status":         jobStatus,
			"state":              state,
			"source_image_ref":   sourceRef,
			"detected_shot_type": shotType,
			"confidence":         confidence,
			"processing_seconds": processingSeconds,
			"updated_at":         updatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"renders": out})
}

func (a *App) StatsRenderRetries(w http.ResponseWriter, r *http.Request) {
	rows, err := a.SQL.Query(r.Context(), sqlinline.QStatsRenderRetryTotals, queryLimit(r, 20))
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load retry totals")
		return
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			id, jobID, state         string
			attempts, passed, failed int64
		)
		if err := rows.Scan(&id, &jobID, &state, &attempts, &passed, &failed); err != nil {
			a.error(w, http.StatusInternalServerError, "internal", "failed to load retry totals")
			return
		}
		out = append(out, map[string]any{
			"render_id": id,
			"job_id":    jobID,
			"state":     state,
			"attempts":  attempts,
			"passed":    passed,
			"failed":    failed,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"renders": out})
}

func (a *App) StatsRecentAttempts(w http.ResponseWriter, r *http.Request) {
	rows, err := a.SQL.Query(r.Context(), sqlinline.QStatsRecentAttempts, queryLimit(r, 20))
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load attempts")
		return
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			id, renderID, renderState         string
			attemptNumber                     int
			verdict, reason, fix, shotType    *string
			createdAt                         time.Time
		)
		if err := rows.Scan(&id, &renderID, &attemptNumber, &verdict, &reason, &fix, &shotType, &renderState, &createdAt); err != nil {
			a.error(w, http.StatusInternalServerError, "internal", "failed to load attempts")
			return
		}
		out = append(out, map[string]any{
			"id":                 id,
			"render_id":          renderID,
			"attempt_number":     attemptNumber,
			"qc_verdict":         verdict,
			"failure_reason":     reason,
			"suggested_fix":      fix,
			"detected_shot_type": shotType,
			"render_state":       renderState,
			"created_at":         createdAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"attempts": out})
}

func queryLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			return n
		}
	}
	return fallback
}
