package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/comfy"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/packaging"
)

// PackageService is the part of packaging.Service the handlers use.
type PackageService interface {
	Submit(ctx context.Context, cfg domain.PackageConfig, wait bool) (string, *domain.PackageResult, error)
	Progress(ctx context.Context, id string) (*domain.GenerationProgress, error)
	Manifest(ctx context.Context, id string) (*domain.AssetManifest, error)
	Result(ctx context.Context, id string) (*domain.PackageResult, error)
	Cancel(ctx context.Context, id string) error
	Watch(ctx context.Context, id string) (<-chan domain.GenerationProgress, func(), error)
}

// QueueReporter reports the generation service backlog.
type QueueReporter interface {
	QueueDepth(ctx context.Context) (comfy.QueueDepth, error)
}

type App struct {
	Packages PackageService
	Queue    QueueReporter
	Logger   *infra.Logger
}

func NewApp(packages PackageService, queue QueueReporter, logger *infra.Logger) *App {
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &App{Packages: packages, Queue: queue, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// fail maps a service error onto a status code.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "package not found")
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, packaging.ErrAlreadyRunning):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrUnreachableService):
		a.error(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
	default:
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("http: request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
