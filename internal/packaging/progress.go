package packaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
)

// progress counts finished steps and publishes snapshots one at a time.
type progress struct {
	mu     sync.Mutex
	state  domain.GenerationProgress
	report ProgressFunc
	now    func() time.Time
}

func newProgress(packageID string, total int, report ProgressFunc, now func() time.Time) *progress {
	return &progress{
		state: domain.GenerationProgress{
			PackageID:  packageID,
			State:      domain.PackageStateQueued,
			TotalSteps: total,
		},
		report: report,
		now:    now,
	}
}

func (p *progress) start() {
	p.update(func(s *domain.GenerationProgress) {
		s.State = domain.PackageStateRunning
		s.Message = "package started"
	})
}

func (p *progress) enter(phase domain.Phase, calls int) {
	p.update(func(s *domain.GenerationProgress) {
		s.Phase = phase
		s.CurrentAsset = ""
		s.Message = fmt.Sprintf("phase %s: %d calls", phase, calls)
	})
}

// advance marks one call of phase finished. An empty msg means success.
func (p *progress) advance(phase domain.Phase, assetID, msg string) {
	p.update(func(s *domain.GenerationProgress) {
		s.Phase = phase
		if s.CurrentStep < s.TotalSteps {
			s.CurrentStep++
		}
		s.CurrentAsset = assetID
		if msg == "" {
			msg = "generated " + assetID
		}
		s.Message = msg
	})
}

func (p *progress) phaseDone(phase domain.Phase) {
	p.update(func(s *domain.GenerationProgress) {
		s.Phase = phase
		s.CurrentAsset = ""
		s.Message = fmt.Sprintf("phase %s finished", phase)
	})
}

func (p *progress) finish(state domain.PackageState, msg string) {
	p.update(func(s *domain.GenerationProgress) {
		s.Phase = domain.PhaseFinalize
		s.State = state
		s.CurrentAsset = ""
		if state == domain.PackageStateCompleted {
			s.CurrentStep = s.TotalSteps
		}
		s.Message = msg
	})
}

// update applies fn and reports while holding the lock so subscribers see
// snapshots in order.
func (p *progress) update(fn func(*domain.GenerationProgress)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.state)
	if p.state.TotalSteps > 0 {
		p.state.Percentage = float64(p.state.CurrentStep) / float64(p.state.TotalSteps) * 100
	}
	p.state.UpdatedAt = p.now().UTC()
	if p.report != nil {
		p.report(p.state)
	}
}
