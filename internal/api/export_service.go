package api

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/chattomap/ctm/internal/bus"
	"github.com/chattomap/ctm/internal/catalog"
	"github.com/chattomap/ctm/internal/job"
	"github.com/chattomap/ctm/internal/logging"
	"github.com/chattomap/ctm/internal/pipeline"
	"github.com/chattomap/ctm/internal/progress"
	"github.com/chattomap/ctm/internal/store"
)

const defaultRunsLimit = 20

// ExportService implements ExportServiceServer on top of a Pipeline.
type ExportService struct {
	pipeline *pipeline.Pipeline
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewExportService creates the service. db may be nil when history is disabled.
func NewExportService(p *pipeline.Pipeline, db *store.DB, b *bus.Bus, logger *zap.Logger) *ExportService {
	return &ExportService{pipeline: p, db: db, bus: b, logger: logging.OrNop(logger)}
}

func (s *ExportService) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	convs, err := s.pipeline.ListConversations(ctx, req.DBPath, req.NoContacts)
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	convs = catalog.Limit(catalog.Filter(convs, req.Filter), req.Limit)
	if convs == nil {
		convs = []catalog.Conversation{}
	}
	return &ListConversationsResponse{DBPath: s.pipeline.DBPath(req.DBPath), Conversations: convs}, nil
}

func (s *ExportService) CheckAccess(ctx context.Context, req *CheckAccessRequest) (*CheckAccessResponse, error) {
	path, err := s.pipeline.CheckAccess(ctx, req.DBPath)
	resp := &CheckAccessResponse{DBPath: path, OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
		resp.Class, _ = pipeline.Classify(err)
		resp.Hint = resp.Class.Hint()
	}
	return resp, nil
}

func (s *ExportService) ListRuns(_ context.Context, req *ListRunsRequest) (*ListRunsResponse, error) {
	if s.db == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "run history not available")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	runs, err := s.db.ListRuns(limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list runs: %v", err)
	}
	resp := &ListRunsResponse{Runs: make([]Run, 0, len(runs))}
	for _, r := range runs {
		resp.Runs = append(resp.Runs, RunFromStore(r))
	}
	return resp, nil
}

// Export runs the pipeline for the caller. The run is cancelled when the
// caller goes away.
func (s *ExportService) Export(req *pipeline.Request, stream ExportStream) error {
	ctx := stream.Context()
	rep := progress.NewReporter(progress.DefaultBuffer, req.Spans())

	done := make(chan pipeline.Result, 1)
	go func() {
		defer rep.Close()
		done <- s.pipeline.Run(ctx, *req, rep)
	}()

	var sendErr error
	for ev := range rep.Events() {
		if sendErr != nil {
			continue
		}
		sendErr = stream.Send(&ExportEvent{Progress: &ev})
	}
	res := <-done
	if d := rep.Dropped(); d > 0 {
		s.logger.Debug("progress events dropped", zap.String("run_id", res.RunID), zap.Uint64("count", d))
	}
	if sendErr != nil {
		return sendErr
	}
	return stream.Send(&ExportEvent{Result: &res})
}

// WatchRuns forwards run and job lifecycle events until the caller leaves.
func (s *ExportService) WatchRuns(_ *WatchRunsRequest, stream RunStream) error {
	sub := s.bus.Subscribe("", 256)
	defer sub.Close()

	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			out, relevant := runEvent(evt)
			if !relevant {
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func runEvent(evt bus.Event) (*RunEvent, bool) {
	out := &RunEvent{
		EventID:    uuid.New().String(),
		Kind:       evt.Kind,
		RunID:      evt.RunID,
		OccurredAt: evt.Timestamp,
	}
	switch p := evt.Payload.(type) {
	case pipeline.Started:
	case pipeline.Result:
		ok := p.Success
		out.Success = &ok
	case job.StateChange:
		out.JobState = string(p.To)
	default:
		return nil, false
	}
	return out, true
}

// toStatus maps pipeline failures to gRPC codes.
func toStatus(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return grpcstatus.Errorf(codes.Canceled, "%s: %v", op, err)
	}
	class, _ := pipeline.Classify(err)
	code := codes.Internal
	switch class {
	case pipeline.ClassAccess:
		code = codes.PermissionDenied
	case pipeline.ClassSchema:
		code = codes.FailedPrecondition
	case pipeline.ClassInvalidRequest:
		code = codes.InvalidArgument
	case pipeline.ClassBusy:
		code = codes.Unavailable
	case pipeline.ClassData:
		code = codes.Aborted
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
