package packaging

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/providers/audio"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/tracker"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/workflow"
)

// ImageGenerator runs one image request to a terminal result. It never
// resubmits a request on its own.
type ImageGenerator interface {
	Generate(ctx context.Context, req domain.GenerationRequest, deadline time.Duration) domain.GenerationResult
}

// AudioGenerator produces voice lines and sound effects.
type AudioGenerator interface {
	Speech(ctx context.Context, req audio.SpeechRequest) (*audio.Clip, error)
	Effect(ctx context.Context, req audio.EffectRequest) (*audio.Clip, error)
}

// Submitter queues a graph on the generation server.
type Submitter interface {
	Submit(ctx context.Context, graph workflow.Graph) (domain.JobHandle, error)
}

// ComfyGenerator chains the graph builder, the job client and the tracker.
type ComfyGenerator struct {
	builder   *workflow.Builder
	submitter Submitter
	tracker   *tracker.Tracker
	logger    *infra.Logger
}

func NewComfyGenerator(builder *workflow.Builder, submitter Submitter, t *tracker.Tracker, logger *infra.Logger) *ComfyGenerator {
	if builder == nil {
		builder = workflow.NewBuilder(nil)
	}
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &ComfyGenerator{builder: builder, submitter: submitter, tracker: t, logger: logger}
}

// Generate builds, submits and tracks req. Every failure is reported in the
// result, never as a panic or a retry.
func (g *ComfyGenerator) Generate(ctx context.Context, req domain.GenerationRequest, deadline time.Duration) domain.GenerationResult {
	started := time.Now()
	graph, err := g.builder.Build(req)
	if err != nil {
		return failedResult("", err, started)
	}
	handle, err := g.submitter.Submit(ctx, graph)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		g.logger.Warn().Err(err).Str("type", string(req.Type)).Msg("packager: submit failed")
		return failedResult("", err, started)
	}
	g.logger.Debug().
		Str("prompt_id", handle.PromptID).
		Int("number", handle.Number).
		Str("type", string(req.Type)).
		Msg("packager: job queued")
	return g.tracker.Run(ctx, handle, tracker.TrackOptions{Deadline: deadline})
}

func failedResult(jobID string, err error, started time.Time) domain.GenerationResult {
	return domain.GenerationResult{
		JobID:    jobID,
		Status:   statusFor(err),
		Duration: time.Since(started),
		Error:    err.Error(),
		Err:      err,
	}
}

// statusFor maps a call error onto a terminal job status, treating context
// errors like their domain counterparts.
func statusFor(err error) domain.JobStatus {
	switch {
	case errors.Is(err, context.Canceled):
		return domain.JobStatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return domain.JobStatusTimedOut
	default:
		return domain.StatusForError(err)
	}
}
