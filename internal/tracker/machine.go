package tracker

import "github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"

// Machine holds the status of one job. Every method reports whether the
// transition was applied; terminal states absorb all input.
type Machine struct {
	status domain.JobStatus
	node   string
	err    error
}

// NewMachine returns a machine in the pending state.
func NewMachine() *Machine {
	return &Machine{status: domain.JobStatusPending}
}

func (m *Machine) Status() domain.JobStatus { return m.status }
func (m *Machine) Node() string             { return m.node }
func (m *Machine) Err() error               { return m.err }

// Submitted moves Pending to Queued.
func (m *Machine) Submitted() bool {
	if m.status != domain.JobStatusPending {
		return false
	}
	m.status = domain.JobStatusQueued
	return true
}

// Executing records node as the current node. The first call moves Queued to
// Executing; later calls are self-loops.
func (m *Machine) Executing(node string) bool {
	switch m.status {
	case domain.JobStatusQueued, domain.JobStatusExecuting:
		m.status = domain.JobStatusExecuting
		if node != "" {
			m.node = node
		}
		return true
	default:
		return false
	}
}

// Complete applies the done signal. A fully cached prompt may finish straight
// from Queued.
func (m *Machine) Complete() bool {
	switch m.status {
	case domain.JobStatusQueued, domain.JobStatusExecuting:
		m.status = domain.JobStatusCompleted
		m.node = ""
		return true
	default:
		return false
	}
}

// Fail moves any non-terminal state to Failed.
func (m *Machine) Fail(err error) bool {
	return m.terminate(domain.JobStatusFailed, err)
}

// Cancel moves any non-terminal state to Cancelled.
func (m *Machine) Cancel() bool {
	return m.terminate(domain.JobStatusCancelled, domain.ErrCancelled)
}

// TimeOut moves any non-terminal state to TimedOut.
func (m *Machine) TimeOut() bool {
	return m.terminate(domain.JobStatusTimedOut, domain.ErrTimedOut)
}

func (m *Machine) terminate(status domain.JobStatus, err error) bool {
	if m.status.IsTerminal() {
		return false
	}
	m.status = status
	m.err = err
	return true
}
