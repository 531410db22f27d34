package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/comfy"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
)

// JobClient is the part of the generation server client the tracker needs.
type JobClient interface {
	FetchArtifacts(ctx context.Context, handle domain.JobHandle) ([]domain.ArtifactRef, error)
	Download(ctx context.Context, ref domain.ArtifactRef) ([]byte, string, error)
	Cancel(ctx context.Context, handle domain.JobHandle) (bool, error)
	Poll(ctx context.Context, handle domain.JobHandle) (comfy.JobState, error)
}

// EventSource delivers server messages for one prompt. The channel is closed
// when the source stops delivering; the tracker then polls.
type EventSource interface {
	Subscribe(promptID string) (<-chan comfy.Message, func(), error)
}

// Options configures a Tracker. Events may be nil, in which case every job is
// tracked by polling.
type Options struct {
	Client          JobClient
	Events          EventSource
	Logger          *infra.Logger
	PollInterval    time.Duration
	CancelGrace     time.Duration
	Deadline        time.Duration
	MaxPollFailures int
	FetchAttempts   int
	EventBuffer     int
}

// Tracker follows submitted jobs to a terminal status.
type Tracker struct {
	client          JobClient
	events          EventSource
	logger          *infra.Logger
	pollInterval    time.Duration
	cancelGrace     time.Duration
	deadline        time.Duration
	maxPollFailures int
	fetchAttempts   int
	eventBuffer     int
}

// TrackOptions tune a single job.
type TrackOptions struct {
	// Deadline overrides the tracker default, measured from submission.
	Deadline time.Duration
	// SkipDownload returns artifact references without fetching bytes.
	SkipDownload bool
}

// New builds a tracker with defaults for unset options.
func New(opts Options) *Tracker {
	t := &Tracker{
		client:          opts.Client,
		events:          opts.Events,
		logger:          opts.Logger,
		pollInterval:    opts.PollInterval,
		cancelGrace:     opts.CancelGrace,
		deadline:        opts.Deadline,
		maxPollFailures: opts.MaxPollFailures,
		fetchAttempts:   opts.FetchAttempts,
		eventBuffer:     opts.EventBuffer,
	}
	if t.logger == nil {
		discard := zerolog.New(io.Discard)
		t.logger = &discard
	}
	if t.pollInterval <= 0 {
		t.pollInterval = 1500 * time.Millisecond
	}
	if t.cancelGrace <= 0 {
		t.cancelGrace = 10 * time.Second
	}
	if t.deadline <= 0 {
		t.deadline = 10 * time.Minute
	}
	if t.maxPollFailures <= 0 {
		t.maxPollFailures = 5
	}
	if t.fetchAttempts <= 0 {
		t.fetchAttempts = 5
	}
	if t.eventBuffer <= 0 {
		t.eventBuffer = 32
	}
	return t
}

// Run tracks handle and blocks until the job is terminal.
func (t *Tracker) Run(ctx context.Context, handle domain.JobHandle, opts TrackOptions) domain.GenerationResult {
	stream := t.Track(ctx, handle, opts)
	defer stream.Close()
	return stream.Wait(context.Background())
}

// Track starts following handle in the background. The caller must either
// read Events until it is closed, call Wait, or call Close.
func (t *Tracker) Track(ctx context.Context, handle domain.JobHandle, opts TrackOptions) *Stream {
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = t.deadline
	}
	start := handle.SubmittedAt
	if start.IsZero() {
		start = time.Now()
	}
	inner, stop := context.WithCancel(ctx)
	s := &Stream{
		t:        t,
		handle:   handle,
		opts:     opts,
		deadline: deadline,
		start:    start,
		parent:   ctx,
		ctx:      inner,
		stop:     stop,
		machine:  NewMachine(),
		events:   make(chan domain.ProgressEvent, t.eventBuffer),
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
		closeCh:  make(chan struct{}),
		drain:    make(chan struct{}),
	}
	logger := t.logger.With().Str("prompt_id", handle.PromptID).Logger()
	s.logger = &logger
	go s.run()
	return s
}

// Stream is one tracked job. Events are delivered in the order the server
// emitted them and the channel is closed after the terminal event.
type Stream struct {
	t        *Tracker
	handle   domain.JobHandle
	opts     TrackOptions
	deadline time.Duration
	start    time.Time
	logger   *infra.Logger

	parent context.Context
	ctx    context.Context
	stop   context.CancelFunc
	// live is the deadline-bound context of run. A consumer that stopped
	// reading never blocks the stream past it.
	live context.Context

	machine *Machine
	result  domain.GenerationResult

	events   chan domain.ProgressEvent
	done     chan struct{}
	cancelCh chan struct{}
	closeCh  chan struct{}
	drain    chan struct{}

	cancelOnce sync.Once
	closeOnce  sync.Once
	drainOnce  sync.Once
}

// Events returns the progress sequence.
func (s *Stream) Events() <-chan domain.ProgressEvent {
	return s.events
}

// Done is closed once the result is available.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait discards any unread events and blocks until the job is terminal or ctx
// ends.
func (s *Stream) Wait(ctx context.Context) domain.GenerationResult {
	s.drainOnce.Do(func() { close(s.drain) })
	select {
	case <-s.done:
		return s.result
	case <-ctx.Done():
		return domain.GenerationResult{
			JobID: s.handle.PromptID,
			Error: ctx.Err().Error(),
			Err:   ctx.Err(),
		}
	}
}

// Result returns the result if the job is terminal.
func (s *Stream) Result() (domain.GenerationResult, bool) {
	select {
	case <-s.done:
		return s.result, true
	default:
		return domain.GenerationResult{}, false
	}
}

// Cancel asks the server to drop the job. The job ends Cancelled when the
// server confirms the interrupt or the grace window passes without another
// terminal event.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Close stops tracking without touching the remote job and releases the
// subscription and timers.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.stop()
	})
	<-s.done
}

func (s *Stream) run() {
	defer close(s.done)
	defer close(s.events)
	defer s.stop()

	ctx, cancel := context.WithDeadline(s.ctx, s.start.Add(s.deadline))
	defer cancel()
	s.live = ctx

	s.machine.Submitted()
	s.emit(domain.ProgressEvent{Status: domain.JobStatusQueued, Message: "queued"})

	var msgs <-chan comfy.Message
	release := func() {}
	if s.t.events != nil {
		ch, rel, err := s.t.events.Subscribe(s.handle.PromptID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("tracker: event stream unavailable, polling")
		} else {
			msgs, release = ch, rel
		}
	}
	defer func() { release() }()

	// While events flow the poll is only a slow safety net.
	interval := s.t.pollInterval
	if msgs != nil {
		interval = s.t.pollInterval * 10
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cancelReq := s.cancelCh
	var grace <-chan time.Time
	pollFailures := 0

	for {
		select {
		case <-ctx.Done():
			s.contextDone()
			return

		case <-cancelReq:
			cancelReq = nil
			accepted, err := s.t.client.Cancel(ctx, s.handle)
			switch {
			case err != nil:
				s.logger.Warn().Err(err).Msg("tracker: cancel request failed")
				s.emit(domain.ProgressEvent{Status: s.machine.Status(), Message: "cancel request failed: " + err.Error()})
			case accepted:
				timer := time.NewTimer(s.t.cancelGrace)
				defer timer.Stop()
				grace = timer.C
				s.emit(domain.ProgressEvent{Status: s.machine.Status(), Message: "cancel requested"})
			default:
				s.emit(domain.ProgressEvent{Status: s.machine.Status(), Message: "cancel not accepted, job may already be finishing"})
			}

		case <-grace:
			s.finish(domain.JobStatusCancelled, nil, nil)
			return

		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				ticker.Reset(s.t.pollInterval)
				s.logger.Info().Msg("tracker: event stream closed, polling")
				continue
			}
			if s.handleMessage(ctx, msg) {
				return
			}

		case <-ticker.C:
			state, err := s.t.client.Poll(ctx, s.handle)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				pollFailures++
				s.logger.Warn().Err(err).Int("failures", pollFailures).Msg("tracker: poll failed")
				if pollFailures >= s.t.maxPollFailures {
					s.finish(domain.JobStatusFailed, fmt.Errorf("tracker: %d consecutive poll failures: %w", pollFailures, err), nil)
					return
				}
				continue
			}
			pollFailures = 0
			if s.handlePoll(ctx, state) {
				return
			}
		}
	}
}

// handleMessage applies one server message and reports whether the job is
// now terminal.
func (s *Stream) handleMessage(ctx context.Context, msg comfy.Message) bool {
	switch m := msg.(type) {
	case comfy.Executing:
		if m.Done() {
			return s.complete(ctx)
		}
		if s.machine.Executing(*m.Node) {
			s.emit(domain.ProgressEvent{Status: domain.JobStatusExecuting, Node: *m.Node, Message: "executing node " + *m.Node})
		}
	case comfy.Progress:
		if s.machine.Executing(m.Node) {
			f := m.Fraction()
			s.emit(domain.ProgressEvent{
				Status:   domain.JobStatusExecuting,
				Node:     m.Node,
				Progress: &f,
				Message:  fmt.Sprintf("step %d/%d", m.Value, m.Max),
			})
		}
	case comfy.ExecutionSuccess:
		return s.complete(ctx)
	case comfy.ExecutionError:
		s.finish(domain.JobStatusFailed, m.Err(), nil)
		return true
	case comfy.ExecutionInterrupted:
		s.finish(domain.JobStatusCancelled, nil, nil)
		return true
	}
	return false
}

func (s *Stream) handlePoll(ctx context.Context, state comfy.JobState) bool {
	switch state.Status {
	case domain.JobStatusExecuting:
		if s.machine.Status() == domain.JobStatusQueued && s.machine.Executing("") {
			s.emit(domain.ProgressEvent{Status: domain.JobStatusExecuting, Message: "executing"})
		}
	case domain.JobStatusCompleted:
		return s.complete(ctx)
	case domain.JobStatusFailed:
		err := state.Err
		if err == nil {
			err = domain.ErrRemoteExecution
		}
		s.finish(domain.JobStatusFailed, err, nil)
		return true
	case domain.JobStatusCancelled:
		s.finish(domain.JobStatusCancelled, nil, nil)
		return true
	}
	return false
}

// complete fetches and downloads the outputs before the terminal event is
// emitted. It returns false when ctx ended first so the caller can report
// the timeout or cancellation.
func (s *Stream) complete(ctx context.Context) bool {
	refs, err := s.fetchArtifacts(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.finish(domain.JobStatusFailed, err, nil)
		return true
	}

	artifacts := make([]domain.Artifact, 0, len(refs))
	for _, ref := range refs {
		if s.opts.SkipDownload {
			artifacts = append(artifacts, domain.Artifact{Ref: ref})
			continue
		}
		data, mime, err := s.t.client.Download(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.finish(domain.JobStatusFailed, fmt.Errorf("tracker: download %s: %w", ref.Filename, err), nil)
			return true
		}
		artifacts = append(artifacts, domain.Artifact{Ref: ref, MIME: mime, Data: data})
	}
	s.finish(domain.JobStatusCompleted, nil, artifacts)
	return true
}

// fetchArtifacts tolerates the short window where the done event has arrived
// but history is not written yet.
func (s *Stream) fetchArtifacts(ctx context.Context) ([]domain.ArtifactRef, error) {
	for attempt := 1; ; attempt++ {
		refs, err := s.t.client.FetchArtifacts(ctx, s.handle)
		if err == nil || !errors.Is(err, domain.ErrNotReady) || attempt >= s.t.fetchAttempts {
			return refs, err
		}
		timer := time.NewTimer(s.t.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Stream) contextDone() {
	select {
	case <-s.closeCh:
		s.finish(domain.JobStatusCancelled, fmt.Errorf("%w: tracking stopped", domain.ErrCancelled), nil)
		return
	default:
	}

	parentErr := s.parent.Err()
	s.cancelRemote()
	if parentErr == nil || errors.Is(parentErr, context.DeadlineExceeded) {
		s.finish(domain.JobStatusTimedOut, nil, nil)
		return
	}
	s.finish(domain.JobStatusCancelled, fmt.Errorf("%w: %w", domain.ErrCancelled, parentErr), nil)
}

// cancelRemote frees the server slot of a job the tracker gave up on.
func (s *Stream) cancelRemote() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.parent), 5*time.Second)
	defer cancel()
	if _, err := s.t.client.Cancel(ctx, s.handle); err != nil {
		s.logger.Warn().Err(err).Msg("tracker: remote cancel failed")
	}
}

func (s *Stream) finish(status domain.JobStatus, err error, artifacts []domain.Artifact) {
	switch status {
	case domain.JobStatusCompleted:
		s.machine.Complete()
	case domain.JobStatusFailed:
		s.machine.Fail(err)
	case domain.JobStatusCancelled:
		if err == nil {
			err = domain.ErrCancelled
		}
		s.machine.Cancel()
	case domain.JobStatusTimedOut:
		err = fmt.Errorf("%w after %s", domain.ErrTimedOut, s.deadline)
		s.machine.TimeOut()
	}

	res := domain.GenerationResult{
		Success:   status == domain.JobStatusCompleted,
		JobID:     s.handle.PromptID,
		Status:    s.machine.Status(),
		Artifacts: artifacts,
		Duration:  time.Since(s.start),
	}
	if err != nil {
		res.Err = err
		res.Error = err.Error()
	}
	s.result = res

	ev := s.logger.Debug()
	if err != nil {
		ev = s.logger.Warn().Err(err)
	}
	ev.Str("status", string(res.Status)).Int("artifacts", len(artifacts)).Dur("duration", res.Duration).Msg("tracker: job finished")

	msg := string(res.Status)
	if err != nil {
		msg = res.Error
	}
	s.emit(domain.ProgressEvent{Status: res.Status, Message: msg})
}

func (s *Stream) emit(ev domain.ProgressEvent) {
	ev.JobID = s.handle.PromptID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.drain:
	case <-s.closeCh:
	case <-s.live.Done():
	}
}
