package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	if a.Pool != nil {
		if err := a.Pool.Ping(r.Context()); err != nil {
			a.error(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
