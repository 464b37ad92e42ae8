package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/storage"
)

// App carries the dependencies shared by all HTTP handlers.
type App struct {
	Pool     *pgxpool.Pool
	SQL      infra.SQLExecutor
	Jobs     domain.JobRepository
	Renders  domain.RenderRepository
	Attempts domain.AttemptRepository
	Store    *storage.FileStore
	Validate *validator.Validate
	Logger   infra.Logger
}

func NewApp(pool *pgxpool.Pool, sql infra.SQLExecutor, jobs domain.JobRepository, renders domain.RenderRepository, attempts domain.AttemptRepository, store *storage.FileStore, logger infra.Logger) *App {
	return &App{
		Pool:     pool,
		SQL:      sql,
		Jobs:     jobs,
		Renders:  renders,
		Attempts: attempts,
		Store:    store,
		Validate: validator.New(),
		Logger:   logger,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, message string) {
	a.json(w, code, map[string]any{
		"error":   slug,
		"message": message,
	})
}
