package packaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
)

// ErrAlreadyRunning is returned when a package id is submitted twice.
var ErrAlreadyRunning = errors.New("package already running")

var packageIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

const watcherBuffer = 16

// Service is the caller-facing API over the orchestrator. Package state is
// kept in a domain.PackageStore so it survives the run.
type Service struct {
	orch   *Orchestrator
	store  domain.PackageStore
	logger *infra.Logger
	newID  func() string

	base     context.Context
	stopBase context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

type run struct {
	cancel   context.CancelFunc
	done     chan struct{}
	last     domain.GenerationProgress
	watchers map[int]chan domain.GenerationProgress
	nextID   int

	result *domain.PackageResult
	err    error
}

func NewService(orch *Orchestrator, store domain.PackageStore, logger *infra.Logger) *Service {
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	base, stop := context.WithCancel(context.Background())
	return &Service{
		orch:     orch,
		store:    store,
		logger:   logger,
		newID:    func() string { return uuid.NewString() },
		base:     base,
		stopBase: stop,
		runs:     make(map[string]*run),
	}
}

// Submit starts a package. With wait the call blocks until the package is
// terminal and cancelling ctx cancels the package; otherwise it returns the
// id right away and the run outlives ctx.
func (s *Service) Submit(ctx context.Context, cfg domain.PackageConfig, wait bool) (string, *domain.PackageResult, error) {
	if err := cfg.Validate(); err != nil {
		return "", nil, err
	}
	id := cfg.PackageID
	if id == "" {
		id = s.newID()
	} else if !packageIDPattern.MatchString(id) {
		return "", nil, domain.Validationf("package_id %q must be alphanumeric with dashes or underscores", id)
	}
	cfg.PackageID = id

	parent := s.base
	if wait {
		parent = ctx
	}
	runCtx, cancel := context.WithCancel(parent)
	r := &run{
		cancel:   cancel,
		done:     make(chan struct{}),
		watchers: make(map[int]chan domain.GenerationProgress),
		last: domain.GenerationProgress{
			PackageID: id,
			State:     domain.PackageStateQueued,
			Message:   "package queued",
			UpdatedAt: time.Now().UTC(),
		},
	}

	s.mu.Lock()
	if _, exists := s.runs[id]; exists {
		s.mu.Unlock()
		cancel()
		return "", nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	s.runs[id] = r
	s.wg.Add(1)
	s.mu.Unlock()

	s.persistProgress(r.last)
	go func() {
		defer s.wg.Done()
		r.result, r.err = s.execute(runCtx, id, cfg, r)
		close(r.done)
	}()

	if !wait {
		return id, nil, nil
	}
	<-r.done
	return id, r.result, r.err
}

func (s *Service) execute(ctx context.Context, id string, cfg domain.PackageConfig, r *run) (*domain.PackageResult, error) {
	logger := s.logger.With().Str("package_id", id).Logger()
	defer func() {
		r.cancel()
		s.mu.Lock()
		delete(s.runs, id)
		for key, ch := range r.watchers {
			close(ch)
			delete(r.watchers, key)
		}
		s.mu.Unlock()
	}()

	result, err := s.orch.Generate(ctx, id, cfg, func(p domain.GenerationProgress) {
		s.publish(r, p)
	})
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err != nil {
		logger.Error().Err(err).Msg("packager: package failed")
		failed := s.lastProgress(r)
		failed.State = domain.PackageStateFailed
		failed.Message = err.Error()
		failed.UpdatedAt = time.Now().UTC()
		s.publish(r, failed)
		return nil, err
	}
	if err := s.store.SaveManifest(storeCtx, result.Manifest); err != nil {
		logger.Warn().Err(err).Msg("packager: save manifest record failed")
	}
	if err := s.store.SaveResult(storeCtx, result); err != nil {
		logger.Warn().Err(err).Msg("packager: save result record failed")
	}
	return result, nil
}

// publish records p and fans it out. Slow watchers miss snapshots rather
// than stall the orchestrator.
func (s *Service) publish(r *run, p domain.GenerationProgress) {
	s.mu.Lock()
	r.last = p
	for _, ch := range r.watchers {
		select {
		case ch <- p:
		default:
		}
	}
	s.mu.Unlock()
	s.persistProgress(p)
}

func (s *Service) lastProgress(r *run) domain.GenerationProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.last
}

func (s *Service) persistProgress(p domain.GenerationProgress) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveProgress(ctx, p); err != nil {
		s.logger.Warn().Err(err).Str("package_id", p.PackageID).Msg("packager: save progress failed")
	}
}

// Progress returns the latest progress of a package.
func (s *Service) Progress(ctx context.Context, id string) (*domain.GenerationProgress, error) {
	s.mu.Lock()
	if r, ok := s.runs[id]; ok {
		p := r.last
		s.mu.Unlock()
		return &p, nil
	}
	s.mu.Unlock()
	return s.store.GetProgress(ctx, id)
}

// Manifest returns the persisted manifest of a finished package.
func (s *Service) Manifest(ctx context.Context, id string) (*domain.AssetManifest, error) {
	return s.store.GetManifest(ctx, id)
}

// Result returns the summary of a finished package.
func (s *Service) Result(ctx context.Context, id string) (*domain.PackageResult, error) {
	return s.store.GetResult(ctx, id)
}

// Cancel stops a running package. Finished packages are left untouched.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		s.logger.Info().Str("package_id", id).Msg("packager: cancel requested")
		r.cancel()
		return nil
	}
	if _, err := s.store.GetProgress(ctx, id); err != nil {
		return err
	}
	return nil
}

// Watch streams progress snapshots of a package until it is terminal. The
// returned func releases the subscription early.
func (s *Service) Watch(ctx context.Context, id string) (<-chan domain.GenerationProgress, func(), error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if ok {
		ch := make(chan domain.GenerationProgress, watcherBuffer)
		key := r.nextID
		r.nextID++
		r.watchers[key] = ch
		ch <- r.last
		s.mu.Unlock()
		release := func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := r.watchers[key]; ok {
				delete(r.watchers, key)
				close(c)
			}
		}
		return ch, release, nil
	}
	s.mu.Unlock()

	p, err := s.store.GetProgress(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan domain.GenerationProgress, 1)
	ch <- *p
	close(ch)
	return ch, func() {}, nil
}

// Running reports how many packages are in flight.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Shutdown cancels every running package and waits for their partial
// manifests to be written or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopBase()
	s.mu.Lock()
	for _, r := range s.runs {
		r.cancel()
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
