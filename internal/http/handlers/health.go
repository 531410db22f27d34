package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GenerationQueue reports how busy the generation service is.
func (a *App) GenerationQueue(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "generation service not configured")
		return
	}
	depth, err := a.Queue.QueueDepth(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, depth)
}
