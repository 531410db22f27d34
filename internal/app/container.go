// Package app wires the process-wide dependencies once so both binaries
// share the same construction order.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/adapter/repo"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/comfy"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/packaging"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/providers/audio"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/providers/prompt"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/tracker"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/workflow"
)

type Container struct {
	Config       *infra.Config
	Logger       *infra.Logger
	Comfy        *comfy.Client
	Events       *comfy.EventStream
	Tracker      *tracker.Tracker
	Audio        *audio.Client
	Orchestrator *packaging.Orchestrator
	Store        domain.PackageStore
	Service      *packaging.Service

	pool *pgxpool.Pool
}

// Build constructs every collaborator from cfg. A failed websocket dial is
// not fatal; jobs are then tracked by polling.
func Build(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	c := &Container{Config: cfg, Logger: logger}

	client, err := comfy.NewClient(comfy.Options{
		BaseURL:        cfg.ComfyUIURL,
		Logger:         logger,
		RequestTimeout: cfg.ComfyUITimeout,
	})
	if err != nil {
		return nil, err
	}
	c.Comfy = client

	trackerOpts := tracker.Options{
		Client:       client,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
		CancelGrace:  cfg.CancelGrace,
		Deadline:     cfg.JobTimeout,
	}
	if cfg.ComfyUIUseWebsocket {
		stream, err := comfy.DialEvents(ctx, comfy.StreamOptions{
			BaseURL:  cfg.ComfyUIURL,
			ClientID: client.ClientID(),
			Logger:   logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("app: websocket unavailable, tracking jobs by polling")
		} else {
			c.Events = stream
			trackerOpts.Events = stream
		}
	}
	c.Tracker = tracker.New(trackerOpts)

	c.Audio, err = audio.NewClient(audio.Options{BaseURL: cfg.TTSURL, Logger: logger})
	if err != nil {
		c.closeEvents()
		return nil, err
	}
	if !c.Audio.Enabled() {
		logger.Info().Msg("app: TTS_URL not set, voice and sound phases are skipped")
	}

	defaults := domain.GenerationDefaults{
		Checkpoint:     cfg.DefaultCheckpoint,
		Sampler:        cfg.DefaultSampler,
		Scheduler:      cfg.DefaultScheduler,
		Steps:          cfg.DefaultSteps,
		CFGScale:       cfg.DefaultCFG,
		NegativePrompt: cfg.DefaultNegative,
	}
	orch, err := packaging.NewOrchestrator(packaging.Options{
		Images:        packaging.NewComfyGenerator(workflow.NewBuilder(nil), client, c.Tracker, logger),
		Audio:         c.Audio,
		Planner:       packaging.NewPlanner(prompt.NewTemplateComposer(cfg.DefaultNegative), defaults),
		StorageRoot:   cfg.StoragePath,
		MaxConcurrent: cfg.ComfyUIMaxConcurrent,
		JobTimeout:    cfg.JobTimeout,
		SigningKey:    []byte(cfg.ManifestSigningKey),
		Logger:        logger,
	})
	if err != nil {
		c.closeEvents()
		return nil, err
	}
	c.Orchestrator = orch

	if err := c.openStore(ctx); err != nil {
		c.closeEvents()
		return nil, err
	}
	c.Service = packaging.NewService(orch, c.Store, logger)
	return c, nil
}

func (c *Container) openStore(ctx context.Context) error {
	if c.Config.DatabaseURL == "" {
		c.Store = repo.NewMemoryPackageStore()
		return nil
	}
	pool, err := infra.NewDBPool(ctx, c.Config)
	if err != nil {
		return err
	}
	pg := repo.NewPackageRepository(infra.NewSQLRunner(pool, *c.Logger))
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("app: ensure package schema: %w", err)
	}
	c.pool = pool
	c.Store = pg
	return nil
}

func (c *Container) closeEvents() {
	if c.Events != nil {
		_ = c.Events.Close()
	}
}

// Close cancels running packages, waits for their manifests, then releases
// the connections.
func (c *Container) Close(ctx context.Context) error {
	var err error
	if c.Service != nil {
		err = c.Service.Shutdown(ctx)
	}
	c.closeEvents()
	if c.pool != nil {
		c.pool.Close()
	}
	return err
}
