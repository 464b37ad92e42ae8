package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/pkg/zip"
)

// DownloadArtifacts bundles the QC-passed artifacts of a job into a single
// zip. Only renders in PASSED contribute; a job with nothing passed yet
// returns 409.
func (a *App) DownloadArtifacts(w http.ResponseWriter, r *http.Request) {
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

	var assets []zip.Asset
	for _, render := range renders {
		if render.State != domain.RenderStatePassed {
			continue
		}
		attempts, err := a.Attempts.ListByRender(r.Context(), render.ID)
		if err != nil {
			a.error(w, http.StatusInternalServerError, "internal", "failed to load attempts")
			return
		}
		for _, attempt := range attempts {
			if attempt.Verdict == nil || *attempt.Verdict != domain.VerdictPass || attempt.ArtifactRef == "" {
				continue
			}
			data, err := a.Store.Read(r.Context(), attempt.ArtifactRef)
			if err != nil {
				a.Logger.Error().Err(err).Str("artifact", attempt.ArtifactRef).Msg("handlers: artifact read failed")
				continue
			}
			assets = append(assets, zip.Asset{
				Filename: fmt.Sprintf("%s-attempt-%02d.png", render.ID, attempt.Number),
				MIME:     "image/png",
				Data:     data,
			})
			break
		}
	}
	if len(assets) == 0 {
		a.error(w, http.StatusConflict, "conflict", "no passed artifacts available")
		return
	}

	archive := zip.ArchiveAssets(assets)
	if archive == nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to build archive")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
