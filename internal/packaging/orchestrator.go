package packaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/providers/audio"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/storage"
	"github.com/Justin21523/game-dialogue-simulator-sub000/pkg/zip"
)

// ManifestFile is the manifest name at the package root.
const ManifestFile = "manifest.json"

// ProgressFunc receives package progress. Calls are serialized.
type ProgressFunc func(domain.GenerationProgress)

// Options configures an Orchestrator.
type Options struct {
	Images  ImageGenerator
	Audio   AudioGenerator
	Planner *Planner
	// StorageRoot holds one directory per package.
	StorageRoot string
	// MaxConcurrent is the generation server's slot count. Remote calls from
	// all packages together never exceed it.
	MaxConcurrent int
	JobTimeout    time.Duration
	SigningKey    []byte
	Logger        *infra.Logger
	Now           func() time.Time
}

// Orchestrator drives the phases of a package.
type Orchestrator struct {
	images        ImageGenerator
	audio         AudioGenerator
	planner       *Planner
	root          string
	maxConcurrent int
	slots         *semaphore.Weighted
	jobTimeout    time.Duration
	signingKey    []byte
	logger        *infra.Logger
	now           func() time.Time
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Images == nil {
		return nil, errors.New("packaging: image generator is required")
	}
	if strings.TrimSpace(opts.StorageRoot) == "" {
		return nil, errors.New("packaging: storage root is required")
	}
	o := &Orchestrator{
		images:        opts.Images,
		audio:         opts.Audio,
		planner:       opts.Planner,
		root:          opts.StorageRoot,
		maxConcurrent: opts.MaxConcurrent,
		jobTimeout:    opts.JobTimeout,
		signingKey:    opts.SigningKey,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if o.planner == nil {
		o.planner = NewPlanner(nil, domain.GenerationDefaults{})
	}
	if o.maxConcurrent <= 0 {
		o.maxConcurrent = 1
	}
	o.slots = semaphore.NewWeighted(int64(o.maxConcurrent))
	if o.jobTimeout <= 0 {
		o.jobTimeout = 10 * time.Minute
	}
	if o.logger == nil {
		discard := zerolog.New(io.Discard)
		o.logger = &discard
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Concurrency returns the worker count for one package, never above the
// server cap. Remote calls also take a slot shared by every package.
func (o *Orchestrator) Concurrency(cfg domain.PackageConfig) int {
	if cfg.Concurrency > 0 && cfg.Concurrency < o.maxConcurrent {
		return cfg.Concurrency
	}
	return o.maxConcurrent
}

// Generate runs every enabled phase of cfg. Per-call failures end up in the
// result. The returned error is reserved for failures to persist the
// manifest. When ctx is cancelled the phases finished so far are kept and a
// partial manifest is written.
func (o *Orchestrator) Generate(ctx context.Context, packageID string, cfg domain.PackageConfig, report ProgressFunc) (*domain.PackageResult, error) {
	started := o.now()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dir := filepath.Join(o.root, packageID)
	store, err := storage.NewFileStore(dir)
	if err != nil {
		return nil, fmt.Errorf("packaging: prepare output dir: %w", err)
	}
	if cfg.DeadlineSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.DeadlineSeconds)*time.Second)
		defer cancel()
	}
	timeout := o.jobTimeout
	if cfg.JobTimeoutSecs > 0 {
		timeout = time.Duration(cfg.JobTimeoutSecs) * time.Second
	}

	logger := o.logger.With().Str("package_id", packageID).Str("mission_id", cfg.MissionID).Logger()
	planned := make(map[domain.Phase][]Call, len(domain.PhaseOrder))
	total := 1
	for _, phase := range domain.PhaseOrder {
		if !o.phaseRuns(cfg, phase) {
			continue
		}
		calls := o.planner.Plan(cfg, phase)
		if phase == domain.PhaseAnimations && cfg.Transformation != nil {
			total++
		}
		planned[phase] = calls
		total += len(calls)
	}

	progress := newProgress(packageID, total, report, o.now)
	builder := NewManifestBuilder(packageID, cfg.MissionID, started)
	result := &domain.PackageResult{
		PackageID:    packageID,
		OutputDir:    store.BasePath(),
		ManifestPath: filepath.Join(store.BasePath(), ManifestFile),
		Failures:     []domain.FailureRecord{},
	}
	workers := o.Concurrency(cfg)
	logger.Info().Int("total_steps", total).Int("concurrency", workers).Msg("packager: package started")
	progress.start()

	for _, phase := range domain.PhaseOrder {
		if phase == domain.PhaseFinalize {
			break
		}
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		if !o.phaseRuns(cfg, phase) {
			_ = builder.AppendPhase(domain.PhaseStats{Phase: phase, Skipped: true}, nil)
			continue
		}
		calls := planned[phase]
		if phase == domain.PhaseAnimations {
			calls = PlanAnimations(cfg, builder.Items())
			if cfg.Transformation != nil && len(calls) == 0 {
				progress.advance(phase, "", "no transformation frames to animate")
			}
		}
		progress.enter(phase, len(calls))

		phaseStart := o.now()
		outcomes := o.runPhase(ctx, store, calls, timeout, workers, progress)
		stats := domain.PhaseStats{Phase: phase, Requested: len(calls)}
		var items []domain.AssetManifestItem
		for i, out := range outcomes {
			if out.err != nil {
				stats.Failed++
				result.Failures = append(result.Failures, domain.FailureRecord{
					Phase:   phase,
					AssetID: calls[i].AssetID,
					Status:  out.status,
					Error:   out.err.Error(),
				})
				continue
			}
			stats.Succeeded++
			items = append(items, out.item)
		}
		stats.Duration = o.now().Sub(phaseStart)
		if err := builder.AppendPhase(stats, items); err != nil {
			return nil, err
		}
		result.Requested += stats.Requested
		result.Succeeded += stats.Succeeded
		result.Failed += stats.Failed

		logger.Info().
			Str("phase", string(phase)).
			Int("requested", stats.Requested).
			Int("succeeded", stats.Succeeded).
			Int("failed", stats.Failed).
			Dur("elapsed", stats.Duration).
			Msg("packager: phase finished")
		progress.phaseDone(phase)

		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
	}

	// Finalize runs even after cancellation so completed phases stay on disk.
	finalCtx := context.WithoutCancel(ctx)
	progress.enter(domain.PhaseFinalize, 1)
	manifest, err := builder.Seal(result.Cancelled, o.signingKey)
	if err != nil {
		return nil, err
	}
	payload, err := encodeManifest(manifest)
	if err != nil {
		return nil, err
	}
	if _, err := store.WriteAtomic(finalCtx, ManifestFile, payload); err != nil {
		logger.Error().Err(err).Msg("packager: manifest persistence failed")
		return nil, fmt.Errorf("packaging: persist manifest: %w", err)
	}
	result.Manifest = manifest

	if cfg.Archive && !result.Cancelled {
		archivePath := filepath.Join(o.root, packageID+".zip")
		size, err := zip.ArchiveDir(finalCtx, store.BasePath(), archivePath)
		if err != nil {
			logger.Warn().Err(err).Msg("packager: archive failed")
			result.Failures = append(result.Failures, domain.FailureRecord{
				Phase:   domain.PhaseFinalize,
				AssetID: "archive",
				Status:  domain.JobStatusFailed,
				Error:   err.Error(),
			})
		} else {
			result.ArchivePath = archivePath
			logger.Debug().Int64("bytes", size).Str("path", archivePath).Msg("packager: archive written")
		}
	}
	result.Duration = o.now().Sub(started)

	state := domain.PackageStateCompleted
	if result.Cancelled {
		state = domain.PackageStateCancelled
	}
	progress.finish(state, fmt.Sprintf("%d of %d assets generated", result.Succeeded, result.Requested))
	logger.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Bool("cancelled", result.Cancelled).
		Dur("elapsed", result.Duration).
		Msg("packager: package finished")
	return result, nil
}

func (o *Orchestrator) phaseRuns(cfg domain.PackageConfig, phase domain.Phase) bool {
	if !cfg.PhaseEnabled(phase) {
		return false
	}
	switch phase {
	case domain.PhaseVoice, domain.PhaseSounds:
		return o.audioEnabled()
	case domain.PhaseAnimations:
		return cfg.Animations
	}
	return true
}

func (o *Orchestrator) audioEnabled() bool {
	if o.audio == nil {
		return false
	}
	if e, ok := o.audio.(interface{ Enabled() bool }); ok {
		return e.Enabled()
	}
	return true
}

type outcome struct {
	item   domain.AssetManifestItem
	status domain.JobStatus
	err    error
}

// runPhase executes calls on at most workers goroutines. Outcomes keep the
// order of calls.
func (o *Orchestrator) runPhase(ctx context.Context, store *storage.FileStore, calls []Call, timeout time.Duration, workers int, progress *progress) []outcome {
	outcomes := make([]outcome, len(calls))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, call := range calls {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = outcome{status: statusFor(err), err: err}
				return nil
			}
			outcomes[i] = o.execute(ctx, store, call, timeout)
			msg := ""
			if outcomes[i].err != nil {
				msg = outcomes[i].err.Error()
			}
			progress.advance(call.Phase, call.AssetID, msg)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) execute(ctx context.Context, store *storage.FileStore, call Call, timeout time.Duration) outcome {
	var (
		data     []byte
		mimeType string
		meta     = cloneMeta(call.Metadata)
	)
	if call.Image != nil || call.Speech != nil || call.Effect != nil {
		if err := o.slots.Acquire(ctx, 1); err != nil {
			return outcome{status: statusFor(err), err: err}
		}
		defer o.slots.Release(1)
	}
	switch {
	case call.Image != nil:
		res := o.images.Generate(ctx, *call.Image, timeout)
		if !res.Success {
			err := res.Err
			if err == nil {
				err = errors.New(res.Error)
			}
			return outcome{status: res.Status, err: err}
		}
		if len(res.Artifacts) == 0 {
			return outcome{status: domain.JobStatusFailed, err: fmt.Errorf("%w: no artifacts produced", domain.ErrRemoteExecution)}
		}
		art := res.Artifacts[0]
		data, mimeType = art.Data, art.MIME
		if mimeType == "" {
			mimeType = mime.TypeByExtension(path.Ext(art.Ref.Filename))
		}
		meta["prompt_id"] = res.JobID
		meta["source_filename"] = art.Ref.Filename
		meta["duration_ms"] = res.Duration.Milliseconds()
		if len(res.Artifacts) > 1 {
			meta["outputs"] = len(res.Artifacts)
		}
	case call.Speech != nil || call.Effect != nil:
		if o.audio == nil {
			return outcome{status: domain.JobStatusFailed, err: errors.New("packaging: audio service not configured")}
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		var (
			clip *audio.Clip
			err  error
		)
		if call.Speech != nil {
			clip, err = o.audio.Speech(callCtx, *call.Speech)
		} else {
			clip, err = o.audio.Effect(callCtx, *call.Effect)
		}
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				err = fmt.Errorf("%w after %s", domain.ErrTimedOut, timeout)
			}
			return outcome{status: statusFor(err), err: err}
		}
		data, mimeType = clip.Data, clip.MIME
	case call.Animation != nil:
		encoded, err := call.Animation.Encode()
		if err != nil {
			return outcome{status: domain.JobStatusFailed, err: err}
		}
		data, mimeType = encoded, "application/json"
	default:
		return outcome{status: domain.JobStatusFailed, err: fmt.Errorf("packaging: call %s has no work", call.AssetID)}
	}
	if len(data) == 0 {
		return outcome{status: domain.JobStatusFailed, err: fmt.Errorf("%w: empty output", domain.ErrRemoteExecution)}
	}

	key := call.Key + extensionForMIME(mimeType)
	saved, err := store.Write(ctx, key, data)
	if err != nil {
		return outcome{status: statusFor(err), err: fmt.Errorf("packaging: persist %s: %w", key, err)}
	}
	meta["mime"] = mimeType
	return outcome{
		status: domain.JobStatusCompleted,
		item: domain.AssetManifestItem{
			AssetType:   call.AssetType,
			AssetID:     call.AssetID,
			Filename:    path.Base(saved),
			Path:        saved,
			Size:        int64(len(data)),
			Checksum:    Checksum(data),
			GeneratedAt: o.now().UTC(),
			Metadata:    meta,
		},
	}
}

func encodeManifest(m *domain.AssetManifest) ([]byte, error) {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("packaging: encode manifest: %w", err)
	}
	return append(payload, '\n'), nil
}

func cloneMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+4)
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func extensionForMIME(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "application/json":
		return ".json"
	default:
		return ".bin"
	}
}
