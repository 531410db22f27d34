package tracker

import (
	"errors"
	"testing"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
)

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine()
	if m.Status() != domain.JobStatusPending {
		t.Fatalf("initial status %s", m.Status())
	}
	if m.Executing("1") {
		t.Fatalf("pending job must not start executing")
	}
	steps := []struct {
		apply func() bool
		want  domain.JobStatus
	}{
		{m.Submitted, domain.JobStatusQueued},
		{func() bool { return m.Executing("A") }, domain.JobStatusExecuting},
		{func() bool { return m.Executing("B") }, domain.JobStatusExecuting},
		{m.Complete, domain.JobStatusCompleted},
	}
	for i, step := range steps {
		if !step.apply() {
			t.Fatalf("step %d not applied", i)
		}
		if m.Status() != step.want {
			t.Fatalf("step %d: status %s, want %s", i, m.Status(), step.want)
		}
	}
}

func TestMachineTerminalStatesAbsorb(t *testing.T) {
	cause := errors.New("boom")
	terminals := map[string]func(*Machine) bool{
		"failed":    func(m *Machine) bool { return m.Fail(cause) },
		"cancelled": (*Machine).Cancel,
		"timed_out": (*Machine).TimeOut,
		"completed": (*Machine).Complete,
	}
	for name, enter := range terminals {
		t.Run(name, func(t *testing.T) {
			m := NewMachine()
			m.Submitted()
			m.Executing("2")
			if !enter(m) {
				t.Fatalf("terminal transition not applied")
			}
			final := m.Status()
			if !final.IsTerminal() {
				t.Fatalf("status %s is not terminal", final)
			}
			for _, apply := range []func() bool{
				func() bool { return m.Executing("3") },
				m.Complete,
				func() bool { return m.Fail(cause) },
				m.Cancel,
				m.TimeOut,
				m.Submitted,
			} {
				if apply() {
					t.Fatalf("transition applied after terminal %s", final)
				}
			}
			if m.Status() != final {
				t.Fatalf("status changed from %s to %s", final, m.Status())
			}
		})
	}
}

func TestMachineFailFromAnyState(t *testing.T) {
	cause := errors.New("remote")
	for _, prep := range []func(*Machine){
		func(m *Machine) {},
		func(m *Machine) { m.Submitted() },
		func(m *Machine) { m.Submitted(); m.Executing("1") },
	} {
		m := NewMachine()
		prep(m)
		if !m.Fail(cause) || m.Status() != domain.JobStatusFailed || !errors.Is(m.Err(), cause) {
			t.Fatalf("fail not applied: %s %v", m.Status(), m.Err())
		}
	}
}

func TestMachineCompleteFromQueued(t *testing.T) {
	m := NewMachine()
	m.Submitted()
	if !m.Complete() {
		t.Fatalf("cached prompt should complete from queued")
	}
}
