package api

import (
	"time"

	"github.com/chattomap/ctm/internal/catalog"
	"github.com/chattomap/ctm/internal/pipeline"
	"github.com/chattomap/ctm/internal/progress"
	"github.com/chattomap/ctm/internal/store"
)

type ListConversationsRequest struct {
	DBPath     string `json:"db_path,omitempty"`
	Filter     string `json:"filter,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	NoContacts bool   `json:"no_contacts,omitempty"`
}

type ListConversationsResponse struct {
	DBPath        string                 `json:"db_path"`
	Conversations []catalog.Conversation `json:"conversations"`
}

type CheckAccessRequest struct {
	DBPath string `json:"db_path,omitempty"`
}

// CheckAccessResponse reports access problems in-band so the shell can show
// the remediation hint.
type CheckAccessResponse struct {
	DBPath string         `json:"db_path"`
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Class  pipeline.Class `json:"class,omitempty"`
	Hint   string         `json:"hint,omitempty"`
}

type ListRunsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListRunsResponse struct {
	Runs []Run `json:"runs"`
}

// Run is the wire form of a recorded run.
type Run struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	DBPath             string     `json:"db_path"`
	ConversationIDs    []int64    `json:"conversation_ids"`
	Conversations      int        `json:"conversations"`
	Messages           int        `json:"messages"`
	MissingAttachments int        `json:"missing_attachments"`
	ArchivePath        string     `json:"archive_path,omitempty"`
	JobState           string     `json:"job_state,omitempty"`
	JobID              string     `json:"job_id,omitempty"`
	ResultsURL         string     `json:"results_url,omitempty"`
	ErrorClass         string     `json:"error_class,omitempty"`
	Error              string     `json:"error,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// RunFromStore converts a history row to its wire view.
func RunFromStore(r *store.Run) Run {
	out := Run{
		ID:                 r.ID,
		Status:             r.Status,
		DBPath:             r.DBPath,
		ConversationIDs:    r.ConversationIDs,
		Conversations:      r.Conversations,
		Messages:           r.Messages,
		MissingAttachments: r.MissingAttachments,
		ArchivePath:        r.ArchivePath,
		JobState:           r.JobState,
		JobID:              r.JobID,
		ResultsURL:         r.ResultsURL,
		ErrorClass:         r.ErrorClass,
		Error:              r.ErrorMessage,
		StartedAt:          r.StartedAt,
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// ExportEvent is one message of the Export stream: progress events, then
// exactly one result.
type ExportEvent struct {
	Progress *progress.Event  `json:"progress,omitempty"`
	Result   *pipeline.Result `json:"result,omitempty"`
}

type WatchRunsRequest struct{}

// RunEvent is a run or job lifecycle notification.
type RunEvent struct {
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"`
	RunID      string    `json:"run_id"`
	OccurredAt time.Time `json:"occurred_at"`
	JobState   string    `json:"job_state,omitempty"`
	Success    *bool     `json:"success,omitempty"`
}
