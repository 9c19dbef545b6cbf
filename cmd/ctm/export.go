package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chattomap/ctm/internal/bus"
	"github.com/chattomap/ctm/internal/catalog"
	"github.com/chattomap/ctm/internal/client"
	"github.com/chattomap/ctm/internal/daemon"
	"github.com/chattomap/ctm/internal/history"
	"github.com/chattomap/ctm/internal/pipeline"
	"github.com/chattomap/ctm/internal/progress"
	"github.com/chattomap/ctm/internal/upload"
	"github.com/chattomap/ctm/internal/workspace"
)

type exportOptions struct {
	chatIDs     []int64
	output      string
	dbPath      string
	serverURL   string
	noUpload    bool
	noContacts  bool
	keepArchive bool
	noQR        bool
	viaDaemon   bool
}

func newExportCmd(g *globals) *cobra.Command {
	opts := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export conversations and upload them for processing",
		Long: `Builds an archive of the selected conversations and uploads it to ChatToMap.
Use "ctm list-chats" to find conversation ids.`,
		Example: "  ctm export --chat-ids 12,40\n  ctm export --chat-ids 12 --no-upload --output ~/Desktop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, g, opts)
		},
	}
	cmd.Flags().Int64SliceVar(&opts.chatIDs, "chat-ids", nil, "comma-separated conversation ids")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "directory to keep the archive in")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "path to chat.db (default ~/Library/Messages/chat.db)")
	cmd.Flags().StringVar(&opts.serverURL, "server", "", "processing service URL (overrides config)")
	cmd.Flags().BoolVar(&opts.noUpload, "no-upload", false, "only build the archive")
	cmd.Flags().BoolVar(&opts.noContacts, "no-contacts", false, "do not resolve contact names")
	cmd.Flags().BoolVar(&opts.keepArchive, "keep-archive", false, "keep the staged archive after uploading")
	cmd.Flags().BoolVar(&opts.noQR, "no-qr", false, "do not print a QR code for the results URL")
	cmd.Flags().BoolVar(&opts.viaDaemon, "via-daemon", false, "run the export in a running ctmd")
	return cmd
}

func (o *exportOptions) request() pipeline.Request {
	return pipeline.Request{
		ConversationIDs: o.chatIDs,
		DBPath:          o.dbPath,
		OutputDir:       o.output,
		SkipUpload:      o.noUpload,
		KeepArchive:     o.keepArchive,
		NoContacts:      o.noContacts,
	}
}

func runExport(cmd *cobra.Command, g *globals, opts *exportOptions) error {
	if len(opts.chatIDs) == 0 {
		return classified(catalog.ErrEmptySelection)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := opts.request()
	pp := newProgressPrinter(cmd.ErrOrStderr())

	var (
		res pipeline.Result
		err error
	)
	if opts.viaDaemon {
		res, err = exportViaDaemon(ctx, req, pp)
	} else {
		res, err = exportLocal(ctx, g, opts, req, pp)
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return resultError(res)
	}
	printResult(cmd.OutOrStdout(), res, !opts.noQR)
	return nil
}

// exportLocal runs the pipeline in this process and records the run in the
// history database.
func exportLocal(ctx context.Context, g *globals, opts *exportOptions, req pipeline.Request, pp *progressPrinter) (pipeline.Result, error) {
	e, err := g.open()
	if err != nil {
		return pipeline.Result{}, err
	}
	defer e.close()
	if opts.serverURL != "" {
		e.cfg.ServerURL = opts.serverURL
	}

	b := bus.New()
	popts := pipeline.Options{Bus: b}
	if !req.SkipUpload {
		up, err := upload.New(daemon.UploadOptions(e.cfg, b, e.log))
		if err != nil {
			return pipeline.Result{}, err
		}
		popts.Uploader = up
	}

	db, err := openHistory(e.log)
	if err != nil {
		e.log.Warn("run history unavailable", zap.Error(err))
	} else {
		defer func() { _ = db.Close() }()
		rec := history.NewRecorder(db, b, e.log)
		rec.Start(context.WithoutCancel(ctx))
		defer rec.Stop()
	}

	rep := progress.NewReporter(progress.DefaultBuffer, req.Spans())
	done := make(chan pipeline.Result, 1)
	go func() {
		defer rep.Close()
		done <- e.newPipeline(popts).Run(ctx, req, rep)
	}()
	for ev := range rep.Events() {
		pp.print(ev)
	}
	return <-done, nil
}

func exportViaDaemon(ctx context.Context, req pipeline.Request, pp *progressPrinter) (pipeline.Result, error) {
	c, err := client.New(workspace.SocketPath())
	if err != nil {
		return pipeline.Result{}, err
	}
	defer func() { _ = c.Close() }()

	res, err := c.RunExport(ctx, req, pp.print)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("ctmd: %w", err)
	}
	return *res, nil
}

// progressPrinter writes one line per change of stage or percentage.
type progressPrinter struct {
	w       io.Writer
	stage   progress.Stage
	percent int
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, percent: -1}
}

func (p *progressPrinter) print(ev progress.Event) {
	if ev.Stage == p.stage && ev.Percent == p.percent {
		return
	}
	p.stage, p.percent = ev.Stage, ev.Percent
	fmt.Fprintf(p.w, "[%3d%%] %-11s %s\n", ev.Percent, ev.Stage, ev.Message)
}

func printResult(w io.Writer, res pipeline.Result, qr bool) {
	s := res.Stats
	fmt.Fprintf(w, "Exported %d conversations (%d messages, %d attachments, %s)\n",
		s.Conversations, s.Messages, s.Attachments, upload.FormatSize(s.ArchiveSize))
	if s.MissingAttachments > 0 {
		fmt.Fprintf(w, "%d attachments are not in the archive and are marked missing\n", s.MissingAttachments)
	}
	if res.ArchivePath != "" {
		fmt.Fprintf(w, "Archive: %s\n", res.ArchivePath)
	}
	if res.JobID == "" {
		return
	}
	fmt.Fprintf(w, "Job: %s\n", res.JobID)
	fmt.Fprintf(w, "Results: %s\n", res.ResultsURL)
	if qr {
		fmt.Fprintf(w, "\nScan to open the results on your phone:\n\n%s", renderQR(res.ResultsURL))
	}
}
