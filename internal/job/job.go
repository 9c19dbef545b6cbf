// Package job tracks one upload job through its lifecycle. An upload job
// exists only after an archive is built and only for the duration of a run.
package job

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/chattomap/ctm/internal/bus"
)

// State is an upload job state.
type State string

const (
	Pending    State = "pending"
	Uploaded   State = "uploaded"
	Registered State = "registered"
	Failed     State = "failed"
)

// validTransitions lists allowed moves. Registered and Failed are terminal.
var validTransitions = map[State][]State{
	Pending:  {Uploaded, Failed},
	Uploaded: {Registered, Failed},
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool { return len(validTransitions[s]) == 0 }

// Job is the identity of one upload.
type Job struct {
	RunID       string
	Fingerprint string
	Destination string
	JobID       string
	ResultsURL  string
}

// StateChange is the payload of bus.KindJobStateChanged.
type StateChange struct {
	Job   Job
	From  State
	To    State
	Error string
}

// Machine enforces the job lifecycle and publishes each change.
type Machine struct {
	mu      sync.RWMutex
	job     Job
	current State
	bus     *bus.Bus
}

// NewMachine starts a job in Pending. b may be nil.
func NewMachine(j Job, b *bus.Bus) *Machine {
	return &Machine{job: j, current: Pending, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Job returns a snapshot of the job identity.
func (m *Machine) Job() Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.job
}

// SetRemote records the server-assigned job id and results URL.
func (m *Machine) SetRemote(jobID, resultsURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if jobID != "" {
		m.job.JobID = jobID
	}
	if resultsURL != "" {
		m.job.ResultsURL = resultsURL
	}
}

// Transition moves to state to.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

// Fail moves to Failed with a reason. Failing a terminal job is an error.
func (m *Machine) Fail(reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	return m.transition(Failed, msg)
}

func (m *Machine) transition(to State, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("job: invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindJobStateChanged,
			RunID:     m.job.RunID,
			Timestamp: time.Now(),
			Payload:   StateChange{Job: m.job, From: from, To: to, Error: errMsg},
		})
	}
	return nil
}
