package bus

import "time"

// Event kinds. Subscribers filter by prefix ("run.", "job.").
const (
	KindRunStarted      = "run.started"
	KindRunFinished     = "run.finished"
	KindJobStateChanged = "job.state_changed"
)

// Event is a lifecycle notification published on the bus.
type Event struct {
	Kind      string
	RunID     string
	Timestamp time.Time
	Payload   any
}
