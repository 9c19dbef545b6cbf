// Package progress carries multi-stage progress from the export and upload
// stages to one observer. Percentages are overall (0-100) and never go
// backwards within a run.
package progress

import (
	"math"
	"sync"
	"time"
)

// Stage names a pipeline phase.
type Stage string

const (
	StageReading     Stage = "reading"
	StageExporting   Stage = "exporting"
	StageUploading   Stage = "uploading"
	StageRegistering Stage = "registering"
)

// Event is one progress update.
type Event struct {
	Stage   Stage     `json:"stage"`
	Percent int       `json:"percent"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Sink receives stage-local progress: percent is 0-100 within stage.
type Sink interface {
	Report(stage Stage, percent float64, msg string)
}

// Func adapts a function to Sink.
type Func func(stage Stage, percent float64, msg string)

func (f Func) Report(stage Stage, percent float64, msg string) { f(stage, percent, msg) }

// Discard drops every report.
var Discard Sink = Func(func(Stage, float64, string) {})

// Span is the overall percentage range a stage covers.
type Span struct {
	From, To int
}

// Spans maps stages to their overall ranges.
type Spans map[Stage]Span

var (
	// WithUpload covers a run that exports and uploads.
	WithUpload = Spans{
		StageReading:     {0, 5},
		StageExporting:   {5, 60},
		StageUploading:   {60, 95},
		StageRegistering: {95, 100},
	}
	// ExportOnly covers a run that stops after the archive is built.
	ExportOnly = Spans{
		StageReading:   {0, 5},
		StageExporting: {5, 100},
	}
)

// Overall maps a stage-local percentage into the overall range. Stages
// without a span return ok=false.
func (s Spans) Overall(stage Stage, percent float64) (int, bool) {
	span, ok := s[stage]
	if !ok {
		return 0, false
	}
	if math.IsNaN(percent) {
		percent = 0
	}
	percent = min(max(percent, 0), 100)
	v := float64(span.From) + float64(span.To-span.From)*percent/100
	return int(math.Floor(v)), true
}

// DefaultBuffer is the event buffer size used when none is given.
const DefaultBuffer = 64

// Reporter is the single ordered sink. Report never blocks: when the buffer
// is full the oldest pending event is dropped.
type Reporter struct {
	mu      sync.Mutex
	spans   Spans
	events  chan Event
	last    int
	dropped uint64
	closed  bool
	now     func() time.Time
}

// NewReporter returns a Reporter with a buffer of size n.
func NewReporter(n int, spans Spans) *Reporter {
	if n <= 0 {
		n = DefaultBuffer
	}
	if spans == nil {
		spans = WithUpload
	}
	return &Reporter{spans: spans, events: make(chan Event, n), now: time.Now}
}

// Events is the stream the observer consumes. It is closed by Close.
func (r *Reporter) Events() <-chan Event { return r.events }

// Report implements Sink.
func (r *Reporter) Report(stage Stage, percent float64, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	overall, ok := r.spans.Overall(stage, percent)
	if !ok {
		overall = r.last
	}
	if overall < r.last {
		overall = r.last
	}
	r.last = overall

	ev := Event{Stage: stage, Percent: overall, Message: msg, Time: r.now().UTC()}
	select {
	case r.events <- ev:
		return
	default:
	}
	// Full: make room by discarding the oldest pending event.
	select {
	case <-r.events:
		r.dropped++
	default:
	}
	select {
	case r.events <- ev:
	default:
		r.dropped++
	}
}

// Reset starts a new run at 0 with the given spans (nil keeps the current ones).
func (r *Reporter) Reset(spans Spans) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = 0
	if spans != nil {
		r.spans = spans
	}
}

// Percent is the last reported overall percentage.
func (r *Reporter) Percent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Dropped counts events discarded because the observer fell behind.
func (r *Reporter) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close ends the stream. Later reports are ignored.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.events)
}
