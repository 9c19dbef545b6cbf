package history

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/chattomap/ctm/internal/bus"
	"github.com/chattomap/ctm/internal/job"
	"github.com/chattomap/ctm/internal/pipeline"
	"github.com/chattomap/ctm/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var start = time.Date(2024, 5, 2, 18, 30, 0, 0, time.UTC)

func started(runID string) bus.Event {
	return bus.Event{Kind: bus.KindRunStarted, RunID: runID, Payload: pipeline.Started{
		RunID:     runID,
		Request:   pipeline.Request{ConversationIDs: []int64{4, 9}},
		DBPath:    "/Users/me/Library/Messages/chat.db",
		StartedAt: start,
	}}
}

func jobChange(runID string, to job.State, jobID, url string) bus.Event {
	return bus.Event{Kind: bus.KindJobStateChanged, RunID: runID, Timestamp: start.Add(time.Minute), Payload: job.StateChange{
		Job: job.Job{RunID: runID, JobID: jobID, ResultsURL: url},
		To:  to,
	}}
}

func TestRecordSuccessfulRun(t *testing.T) {
	db := testDB(t)
	r := NewRecorder(db, bus.New(), nil)

	events := []bus.Event{
		started("r1"),
		jobChange("r1", job.Uploaded, "job-3", ""),
		jobChange("r1", job.Registered, "job-3", "https://chattomap.com/processing/job-3"),
		{Kind: bus.KindRunFinished, RunID: "r1", Payload: pipeline.Result{
			Success:    true,
			RunID:      "r1",
			JobID:      "job-3",
			ResultsURL: "https://chattomap.com/processing/job-3",
			Stats:      pipeline.Stats{Conversations: 2, Messages: 120, Fingerprint: "sha256:ff"},
			FinishedAt: start.Add(2 * time.Minute),
		}},
	}
	for _, evt := range events {
		if err := r.Record(evt); err != nil {
			t.Fatalf("Record(%s): %v", evt.Kind, err)
		}
	}

	run, ok, err := db.GetRun("r1")
	if err != nil || !ok {
		t.Fatalf("GetRun: %v %v", ok, err)
	}
	if run.Status != store.RunSucceeded || run.JobState != string(job.Registered) {
		t.Errorf("status %s job_state %s", run.Status, run.JobState)
	}
	if run.JobID != "job-3" || run.Messages != 120 || run.Fingerprint != "sha256:ff" {
		t.Errorf("run = %+v", run)
	}
	if !slices.Equal(run.ConversationIDs, []int64{4, 9}) {
		t.Errorf("ConversationIDs = %v", run.ConversationIDs)
	}
}

func TestRecordFailedRuns(t *testing.T) {
	tests := []struct {
		class pipeline.Class
		want  string
	}{
		{pipeline.ClassTransport, store.RunFailed},
		{pipeline.ClassCancelled, store.RunInterrupted},
	}
	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			db := testDB(t)
			r := NewRecorder(db, bus.New(), nil)
			_ = r.Record(started("r"))
			err := r.Record(bus.Event{Kind: bus.KindRunFinished, Payload: pipeline.Result{
				RunID: "r", Class: tt.class, Error: "boom", FinishedAt: start,
			}})
			if err != nil {
				t.Fatal(err)
			}
			run, _, _ := db.GetRun("r")
			if run.Status != tt.want || run.ErrorClass != string(tt.class) || run.ErrorMessage != "boom" {
				t.Errorf("run = %+v", run)
			}
		})
	}
}

func TestRecordIgnoresForeignPayloads(t *testing.T) {
	db := testDB(t)
	r := NewRecorder(db, bus.New(), nil)
	if err := r.Record(bus.Event{Kind: bus.KindRunStarted, Payload: "nope"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := r.Record(bus.Event{Kind: "other.kind"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	runs, _ := db.ListRuns(0)
	if len(runs) != 0 {
		t.Errorf("recorded %d runs", len(runs))
	}
}

func TestRecordJobForUnknownRun(t *testing.T) {
	r := NewRecorder(testDB(t), bus.New(), nil)
	if err := r.Record(jobChange("ghost", job.Failed, "", "")); err == nil {
		t.Error("expected an error for a run that was never started")
	}
}

func TestRecorderConsumesBus(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	r := NewRecorder(db, b, nil)
	r.Start(context.Background())

	b.Publish(started("r2"))
	b.Publish(bus.Event{Kind: "progress.tick"})
	b.Publish(jobChange("r2", job.Failed, "", ""))
	b.Publish(bus.Event{Kind: bus.KindRunFinished, Payload: pipeline.Result{
		RunID: "r2", Class: pipeline.ClassTransport, Error: "HTTP 503", FinishedAt: start,
	}})
	// Stop records everything already queued.
	r.Stop()

	run, ok, err := db.GetRun("r2")
	if err != nil || !ok {
		t.Fatalf("GetRun: %v %v", ok, err)
	}
	if run.Status != store.RunFailed || run.JobState != string(job.Failed) {
		t.Errorf("status %s job_state %s", run.Status, run.JobState)
	}
}

func TestRecoverClosesInterruptedRuns(t *testing.T) {
	db := testDB(t)
	if err := db.InsertRun(&store.Run{ID: "stale", StartedAt: start}); err != nil {
		t.Fatal(err)
	}
	NewRecorder(db, bus.New(), nil).Recover()

	run, _, _ := db.GetRun("stale")
	if run.Status != store.RunInterrupted {
		t.Errorf("status = %s, want interrupted", run.Status)
	}
}
