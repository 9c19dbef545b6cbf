// Package history persists run and upload job lifecycle events published on
// the bus into the state database.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chattomap/ctm/internal/bus"
	"github.com/chattomap/ctm/internal/job"
	"github.com/chattomap/ctm/internal/logging"
	"github.com/chattomap/ctm/internal/pipeline"
	"github.com/chattomap/ctm/internal/store"
)

const bufferSize = 256

// Recorder subscribes to "run." and "job." events and writes them to the store.
type Recorder struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder creates a recorder. Call Start to begin consuming events.
func NewRecorder(db *store.DB, b *bus.Bus, logger *zap.Logger) *Recorder {
	return &Recorder{
		db:     db,
		bus:    b,
		logger: logging.OrNop(logger).Named("history"),
	}
}

// Recover closes runs a previous process left open. Only the process that
// owns the workspace may call it.
func (r *Recorder) Recover() {
	if n, err := r.db.MarkInterrupted(time.Now()); err != nil {
		r.logger.Warn("mark interrupted runs", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("interrupted runs closed", zap.Int64("count", n))
	}
}

// Start consumes events until ctx ends or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	// One subscription keeps run and job events in publish order.
	sub := r.bus.Subscribe("", bufferSize)

	go func() {
		defer close(r.done)
		defer sub.Close()
		for {
			select {
			case evt := <-sub.C:
				r.handle(evt)
			case <-ctx.Done():
				r.drain(sub)
				if d := sub.Dropped(); d > 0 {
					r.logger.Warn("history events dropped", zap.Uint64("count", d))
				}
				return
			}
		}
	}()
}

// Stop stops consuming after recording what is already queued.
func (r *Recorder) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Recorder) drain(sub *bus.Subscription) {
	for {
		select {
		case evt := <-sub.C:
			r.handle(evt)
		default:
			return
		}
	}
}

func (r *Recorder) handle(evt bus.Event) {
	if !strings.HasPrefix(evt.Kind, "run.") && !strings.HasPrefix(evt.Kind, "job.") {
		return
	}
	if err := r.Record(evt); err != nil {
		r.logger.Error("failed to record event",
			zap.String("kind", evt.Kind),
			zap.String("run_id", evt.RunID),
			zap.Error(err))
	}
}

// Record writes one event. Unknown kinds and payloads are ignored.
func (r *Recorder) Record(evt bus.Event) error {
	switch evt.Kind {
	case bus.KindRunStarted:
		s, ok := evt.Payload.(pipeline.Started)
		if !ok {
			return nil
		}
		if err := r.db.InsertRun(&store.Run{
			ID:              s.RunID,
			DBPath:          s.DBPath,
			ConversationIDs: s.Request.ConversationIDs,
			SkipUpload:      s.Request.SkipUpload,
			StartedAt:       s.StartedAt,
		}); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

	case bus.KindJobStateChanged:
		c, ok := evt.Payload.(job.StateChange)
		if !ok {
			return nil
		}
		if err := r.db.UpdateRunState(c.Job.RunID, string(c.To), c.Job.JobID, c.Job.ResultsURL, evt.Timestamp); err != nil {
			return fmt.Errorf("update job state: %w", err)
		}

	case bus.KindRunFinished:
		res, ok := evt.Payload.(pipeline.Result)
		if !ok {
			return nil
		}
		status := store.RunSucceeded
		if !res.Success {
			status = store.RunFailed
			if res.Class == pipeline.ClassCancelled {
				status = store.RunInterrupted
			}
		}
		if err := r.db.FinishRun(res.RunID, store.RunOutcome{
			Status:             status,
			Conversations:      res.Stats.Conversations,
			Messages:           res.Stats.Messages,
			Attachments:        res.Stats.Attachments,
			MissingAttachments: res.Stats.MissingAttachments,
			ArchivePath:        res.ArchivePath,
			Fingerprint:        res.Stats.Fingerprint,
			ArchiveSize:        res.Stats.ArchiveSize,
			JobID:              res.JobID,
			ResultsURL:         res.ResultsURL,
			ErrorClass:         string(res.Class),
			ErrorMessage:       res.Error,
			FinishedAt:         res.FinishedAt,
		}); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	}
	return nil
}
