// Package pipeline runs one export request end to end: open the Messages
// database, resolve contacts, select conversations, build the archive and
// upload it. Stages run strictly in sequence and at most one run holds the
// workspace at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chattomap/ctm/internal/bus"
	"github.com/chattomap/ctm/internal/catalog"
	"github.com/chattomap/ctm/internal/chatdb"
	"github.com/chattomap/ctm/internal/config"
	"github.com/chattomap/ctm/internal/contacts"
	"github.com/chattomap/ctm/internal/export"
	"github.com/chattomap/ctm/internal/lock"
	"github.com/chattomap/ctm/internal/logging"
	"github.com/chattomap/ctm/internal/progress"
	"github.com/chattomap/ctm/internal/upload"
	"github.com/chattomap/ctm/internal/workspace"
)

// Request selects what to export.
type Request struct {
	ConversationIDs []int64 `json:"conversation_ids"`
	// DBPath overrides the configured Messages database.
	DBPath string `json:"db_path,omitempty"`
	// OutputDir keeps the archive there instead of the workspace staging dir.
	OutputDir   string `json:"output_dir,omitempty"`
	SkipUpload  bool   `json:"skip_upload,omitempty"`
	KeepArchive bool   `json:"keep_archive,omitempty"`
	NoContacts  bool   `json:"no_contacts,omitempty"`
}

// Spans returns the progress layout for the request.
func (r Request) Spans() progress.Spans {
	if r.SkipUpload {
		return progress.ExportOnly
	}
	return progress.WithUpload
}

func (r Request) keep() bool { return r.KeepArchive || r.OutputDir != "" || r.SkipUpload }

// Stats summarizes the archive a run produced.
type Stats struct {
	Conversations      int    `json:"conversations"`
	Messages           int    `json:"messages"`
	Attachments        int    `json:"attachments"`
	MissingAttachments int    `json:"missing_attachments"`
	ArchiveSize        int64  `json:"archive_size"`
	Fingerprint        string `json:"fingerprint,omitempty"`
}

// Result is the outcome of Run. A failed run has Success false and a Class;
// it never carries a job id.
type Result struct {
	Success     bool      `json:"success"`
	RunID       string    `json:"run_id"`
	JobID       string    `json:"job_id,omitempty"`
	ResultsURL  string    `json:"results_url,omitempty"`
	ArchivePath string    `json:"archive_path,omitempty"`
	Error       string    `json:"error,omitempty"`
	Class       Class     `json:"class,omitempty"`
	Hint        string    `json:"hint,omitempty"`
	Retryable   bool      `json:"retryable,omitempty"`
	Stats       Stats     `json:"stats"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`

	err error
}

// Err returns the underlying error of a failed run.
func (r Result) Err() error { return r.err }

// Started is the payload of bus.KindRunStarted.
type Started struct {
	RunID     string
	Request   Request
	DBPath    string
	StartedAt time.Time
}

// Uploader sends a finished archive; *upload.Client implements it.
type Uploader interface {
	Upload(ctx context.Context, runID string, a *export.Archive, sink progress.Sink) upload.Result
}

// Options wire a Pipeline. Only Config is required.
type Options struct {
	Config *config.Config
	// Uploader may be nil when every request skips the upload.
	Uploader Uploader
	Bus      *bus.Bus
	Logger   *zap.Logger

	// Directories default to the workspace layout.
	RunDir         string
	ExportDir      string
	ContactsDir    string
	AddressBookDir string

	NewID func() string
	Now   func() time.Time
}

// Pipeline executes export requests.
type Pipeline struct {
	cfg      *config.Config
	uploader Uploader
	bus      *bus.Bus
	log      *zap.Logger

	runDir         string
	exportDir      string
	contactsDir    string
	addressBookDir string

	newID func() string
	now   func() time.Time
}

// New returns a Pipeline.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		cfg:            opts.Config,
		uploader:       opts.Uploader,
		bus:            opts.Bus,
		log:            logging.OrNop(opts.Logger).Named("pipeline"),
		runDir:         opts.RunDir,
		exportDir:      opts.ExportDir,
		contactsDir:    opts.ContactsDir,
		addressBookDir: opts.AddressBookDir,
		newID:          opts.NewID,
		now:            opts.Now,
	}
	if p.cfg == nil {
		p.cfg = config.Default()
	}
	if p.runDir == "" {
		p.runDir = workspace.RunDir()
	}
	if p.exportDir == "" {
		p.exportDir = workspace.ResolveExportDir(p.cfg)
	}
	if p.contactsDir == "" {
		p.contactsDir = workspace.ResolveContactsDir(p.cfg)
	}
	if p.addressBookDir == "" {
		p.addressBookDir = workspace.AddressBookDir()
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// DBPath resolves the database a request reads: override, config, system default.
func (p *Pipeline) DBPath(override string) string {
	return workspace.ResolveDBPath(override, p.cfg)
}

// CheckAccess verifies the Messages database can be opened.
func (p *Pipeline) CheckAccess(ctx context.Context, dbPath string) (string, error) {
	path := p.DBPath(dbPath)
	return path, chatdb.CheckAccess(ctx, path)
}

// Contacts loads the contact resolver for this workspace.
func (p *Pipeline) Contacts(ctx context.Context) *contacts.Resolver {
	return contacts.Load(ctx, contacts.Options{
		AddressBookPath: p.cfg.AddressBookPath,
		AddressBookDir:  p.addressBookDir,
		CardsDir:        p.contactsDir,
		Logger:          p.log,
	})
}

// ListConversations returns the selectable conversations of a database.
func (p *Pipeline) ListConversations(ctx context.Context, dbPath string, noContacts bool) ([]catalog.Conversation, error) {
	r, err := p.open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return catalog.Build(ctx, r, p.resolver(ctx, noContacts))
}

func (p *Pipeline) open(ctx context.Context, dbPath string) (*chatdb.Reader, error) {
	return chatdb.Open(ctx, p.DBPath(dbPath), chatdb.Options{
		MaxAttachmentSize: p.cfg.MaxAttachmentBytes(),
		Logger:            p.log,
	})
}

func (p *Pipeline) resolver(ctx context.Context, disabled bool) *contacts.Resolver {
	if disabled {
		return contacts.Disabled()
	}
	return p.Contacts(ctx)
}

// Run executes req. Every failure is reported in the Result.
func (p *Pipeline) Run(ctx context.Context, req Request, sink progress.Sink) Result {
	if sink == nil {
		sink = progress.Discard
	}
	res := Result{RunID: p.newID(), StartedAt: p.now().UTC()}
	log := p.log.With(zap.String("run_id", res.RunID))

	if len(req.ConversationIDs) == 0 {
		return p.fail(log, res, catalog.ErrEmptySelection)
	}
	if !req.SkipUpload && p.uploader == nil {
		return p.fail(log, res, ErrUploadUnavailable)
	}

	lk, err := lock.Acquire(p.runDir, res.RunID)
	if err != nil {
		return p.fail(log, res, err)
	}
	defer func() {
		if err := lk.Release(); err != nil {
			log.Warn("release run lock", zap.Error(err))
		}
	}()

	dbPath := p.DBPath(req.DBPath)
	p.publish(bus.KindRunStarted, res.RunID, Started{
		RunID:     res.RunID,
		Request:   req,
		DBPath:    dbPath,
		StartedAt: res.StartedAt,
	})
	log.Info("run started",
		zap.String("db_path", dbPath),
		zap.Int64s("conversation_ids", req.ConversationIDs),
		zap.Bool("skip_upload", req.SkipUpload))

	res = p.run(ctx, log, req, dbPath, res, sink)
	p.publish(bus.KindRunFinished, res.RunID, res)
	return res
}

func (p *Pipeline) run(ctx context.Context, log *zap.Logger, req Request, dbPath string, res Result, sink progress.Sink) Result {
	reader, err := p.open(ctx, dbPath)
	if err != nil {
		return p.fail(log, res, err)
	}
	defer func() { _ = reader.Close() }()

	resolver := p.resolver(ctx, req.NoContacts)
	convs, err := catalog.New(reader, resolver, log).Select(ctx, req.ConversationIDs)
	if err != nil {
		return p.fail(log, res, err)
	}

	outDir := p.exportDir
	if req.OutputDir != "" {
		outDir = req.OutputDir
	}
	archive, err := export.NewBuilder(reader, export.Options{
		OutputDir:          outDir,
		Workers:            p.cfg.Export.Workers,
		IncludeAttachments: p.cfg.Export.IncludeAttachments,
		Resolver:           resolver,
		Logger:             log,
	}).Build(ctx, convs, sink)
	if err != nil {
		return p.fail(log, res, err)
	}
	res.Stats = Stats{
		Conversations:      archive.Conversations,
		Messages:           archive.Messages,
		Attachments:        archive.Attachments,
		MissingAttachments: archive.MissingAttachments,
		ArchiveSize:        archive.Size,
		Fingerprint:        archive.Fingerprint,
	}
	if req.keep() {
		res.ArchivePath = archive.Path
	} else {
		defer func() {
			if err := archive.Remove(); err != nil {
				log.Warn("remove staged archive", zap.String("path", archive.Path), zap.Error(err))
			}
		}()
	}

	if req.SkipUpload {
		return p.succeed(log, res)
	}

	up := p.uploader.Upload(ctx, res.RunID, archive, sink)
	if !up.Success {
		err := up.Err
		if err == nil {
			err = errors.New("upload failed")
		}
		return p.fail(log, res, err)
	}
	res.JobID, res.ResultsURL = up.JobID, up.ResultsURL
	return p.succeed(log, res)
}

func (p *Pipeline) succeed(log *zap.Logger, res Result) Result {
	res.Success = true
	res.FinishedAt = p.now().UTC()
	log.Info("run finished",
		zap.String("job_id", res.JobID),
		zap.String("archive", res.ArchivePath),
		zap.Int("conversations", res.Stats.Conversations),
		zap.Int("messages", res.Stats.Messages),
		zap.Int("missing_attachments", res.Stats.MissingAttachments),
		zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)))
	return res
}

func (p *Pipeline) fail(log *zap.Logger, res Result, err error) Result {
	res.Success = false
	res.JobID, res.ResultsURL = "", ""
	res.Class, res.Retryable = Classify(err)
	res.Hint = res.Class.Hint()
	res.Error = err.Error()
	res.err = err
	res.FinishedAt = p.now().UTC()
	log.Error("run failed",
		zap.String("class", string(res.Class)),
		zap.Bool("retryable", res.Retryable),
		zap.Error(err))
	return res
}

func (p *Pipeline) publish(kind, runID string, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{Kind: kind, RunID: runID, Timestamp: p.now(), Payload: payload})
}

// String renders a failed result the way the CLI prints it.
func (r Result) String() string {
	if r.Success {
		return fmt.Sprintf("run %s succeeded", r.RunID)
	}
	return fmt.Sprintf("error [%s]: %s", r.Class, r.Error)
}
