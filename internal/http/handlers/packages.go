package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/packaging"
)

const maxMissionBytes = 1 << 20

// sseKeepAlive is how often an idle event stream gets a comment line.
var sseKeepAlive = 15 * time.Second

type submitResponse struct {
	PackageID string              `json:"package_id"`
	State     domain.PackageState `json:"state"`
}

type packageResponse struct {
	PackageID string                     `json:"package_id"`
	Progress  *domain.GenerationProgress `json:"progress,omitempty"`
	Result    *domain.PackageResult      `json:"result,omitempty"`
}

// CreatePackage accepts a mission as JSON or YAML. With ?wait=true the
// response carries the finished result.
func (a *App) CreatePackage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMissionBytes+1))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if len(raw) > maxMissionBytes {
		a.error(w, http.StatusRequestEntityTooLarge, "too_large", "mission definition too large")
		return
	}
	cfg, err := packaging.DecodePackageConfig(raw, bodyFormat(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	id, result, err := a.Packages.Submit(r.Context(), cfg, wait)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !wait {
		w.Header().Set("Location", "/v1/packages/"+id)
		a.json(w, http.StatusAccepted, submitResponse{PackageID: id, State: domain.PackageStateQueued})
		return
	}
	a.json(w, http.StatusOK, result)
}

func bodyFormat(r *http.Request) string {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return "yaml"
	}
	return "json"
}

func (a *App) GetPackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	progress, err := a.Packages.Progress(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := packageResponse{PackageID: id, Progress: progress}
	if result, err := a.Packages.Result(r.Context(), id); err == nil {
		resp.Result = result
	}
	a.json(w, http.StatusOK, resp)
}

func (a *App) PackageProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := a.Packages.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, progress)
}

func (a *App) PackageManifest(w http.ResponseWriter, r *http.Request) {
	manifest, err := a.Packages.Manifest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, manifest)
}

func (a *App) CancelPackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Packages.Cancel(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"package_id": id, "cancel_requested": true})
}

// PackageEvents streams progress snapshots as server-sent events until the
// package is terminal or the client disconnects.
func (a *App) PackageEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	updates, stop, err := a.Packages.Watch(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer stop()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case p, ok := <-updates:
			if !ok {
				_, _ = io.WriteString(w, "event: done\ndata: {}\n\n")
				_ = rc.Flush()
				return
			}
			payload, err := json.Marshal(p)
			if err != nil {
				a.Logger.Warn().Err(err).Str("package_id", id).Msg("http: encode progress event failed")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
