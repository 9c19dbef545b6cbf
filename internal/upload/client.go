// Package upload transfers a finished archive to the processing service and
// registers it as a job.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chattomap/ctm/internal/bus"
	"github.com/chattomap/ctm/internal/export"
	"github.com/chattomap/ctm/internal/job"
	"github.com/chattomap/ctm/internal/logging"
	"github.com/chattomap/ctm/internal/progress"
)

// Defaults used when Options leave a field zero.
const (
	DefaultMaxAttempts    = 4
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultTimeout        = 15 * time.Minute

	maxResponseBody = 1 << 20
)

// Options configure a Client.
type Options struct {
	ServerURL  string
	HTTPClient *http.Client
	// MaxAttempts bounds the tries of each protocol step, first try included.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds the whole upload.
	Timeout time.Duration
	Bus     *bus.Bus
	Logger  *zap.Logger
}

// Result is the terminal outcome of one upload. JobID and ResultsURL are set
// only when Success is true.
type Result struct {
	Success    bool
	JobID      string
	ResultsURL string
	Attempts   int
	Err        error
}

// Client runs the presign, transfer and complete round trips.
type Client struct {
	base *url.URL
	http *http.Client
	bus  *bus.Bus
	log  *zap.Logger

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	timeout        time.Duration
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("upload: server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upload: server url %q must be http or https", opts.ServerURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("upload: server url %q has no host", opts.ServerURL)
	}

	c := &Client{
		base:           base,
		http:           opts.HTTPClient,
		bus:            opts.Bus,
		log:            logging.OrNop(opts.Logger).Named("upload"),
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		timeout:        opts.Timeout,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = DefaultInitialBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxBackoff
	}
	if c.maxBackoff < c.initialBackoff {
		c.maxBackoff = c.initialBackoff
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	return c, nil
}

// ServerURL returns the normalized service address.
func (c *Client) ServerURL() string { return c.base.String() }

// Upload sends the archive and registers it. It never returns a partial
// success: on any failure the job ends in job.Failed and Result carries no
// job id.
func (c *Client) Upload(ctx context.Context, runID string, a *export.Archive, sink progress.Sink) Result {
	if sink == nil {
		sink = progress.Discard
	}
	m := job.NewMachine(job.Job{RunID: runID, Fingerprint: a.Fingerprint, Destination: c.ServerURL()}, c.bus)
	log := c.log.With(zap.String("run_id", runID), zap.String("fingerprint", a.Fingerprint))

	stepCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	total := 0
	fail := func(step string, attempts int, err error) Result {
		total += attempts
		fe := classify(ctx, stepCtx, step, attempts, err)
		if ferr := m.Fail(fe); ferr != nil {
			log.Warn("job transition", zap.Error(ferr))
		}
		log.Error("upload failed",
			zap.String("step", step),
			zap.String("reason", fe.Reason),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return Result{Attempts: total, Err: fe}
	}

	sink.Report(progress.StageUploading, 0, fmt.Sprintf("Requesting upload slot for %s", FormatSize(a.Size)))
	var slot PresignResponse
	n, err := c.step(stepCtx, StepPresign, func(ctx context.Context) error {
		return c.postJSON(ctx, StepPresign, PresignPath, PresignRequest{
			Size:        a.Size,
			Fingerprint: a.Fingerprint,
			ContentType: ContentTypeZip,
		}, &slot)
	})
	if err == nil && (slot.UploadURL == "" || slot.JobID == "") {
		err = &APIError{Step: StepPresign, Status: http.StatusOK, Message: "response is missing upload_url or job_id"}
	}
	if err != nil {
		return fail(StepPresign, n, err)
	}
	total += n
	dest, err := c.base.Parse(slot.UploadURL)
	if err != nil {
		return fail(StepPresign, 0, &APIError{Step: StepPresign, Status: http.StatusOK, Message: "invalid upload_url"})
	}
	m.SetRemote(slot.JobID, "")
	log.Info("upload slot granted", zap.String("job_id", slot.JobID), zap.Int64("size", a.Size))

	n, err = c.step(stepCtx, StepTransfer, func(ctx context.Context) error {
		return c.transfer(ctx, dest.String(), a, sink)
	})
	if err != nil {
		return fail(StepTransfer, n, err)
	}
	total += n
	if err := m.Transition(job.Uploaded); err != nil {
		return fail(StepTransfer, 0, err)
	}
	sink.Report(progress.StageUploading, 100, "Upload complete")

	// A cancelled run must not register a job.
	if err := stepCtx.Err(); err != nil {
		return fail(StepComplete, 0, err)
	}
	sink.Report(progress.StageRegistering, 0, "Registering processing job")
	var done CompleteResponse
	n, err = c.step(stepCtx, StepComplete, func(ctx context.Context) error {
		return c.postJSON(ctx, StepComplete, CompletePath, CompleteRequest{
			JobID:       slot.JobID,
			Fingerprint: a.Fingerprint,
			UploadToken: slot.UploadToken,
		}, &done)
	})
	if err != nil {
		return fail(StepComplete, n, err)
	}
	total += n

	jobID := done.JobID
	if jobID == "" {
		jobID = slot.JobID
	}
	resultsURL := done.ResultsURL
	if resultsURL == "" {
		resultsURL = c.ServerURL() + ResultsPath + url.PathEscape(jobID)
	}
	m.SetRemote(jobID, resultsURL)
	if err := m.Transition(job.Registered); err != nil {
		return fail(StepComplete, 0, err)
	}
	sink.Report(progress.StageRegistering, 100, "Job registered")
	log.Info("job registered",
		zap.String("job_id", jobID),
		zap.String("status", done.Status),
		zap.Int("attempts", total),
	)
	return Result{Success: true, JobID: jobID, ResultsURL: resultsURL, Attempts: total}
}

// step runs fn with exponential backoff and returns the number of tries.
func (c *Client) step(ctx context.Context, name string, fn func(context.Context) error) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialBackoff
	eb.MaxInterval = c.maxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		var api *APIError
		if errors.As(err, &api) && !api.Retryable() {
			return backoff.Permanent(err)
		}
		var arch *archiveError
		if errors.As(err, &arch) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("upload step retry",
			zap.String("step", name),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	err := backoff.RetryNotify(op, b, notify)
	return attempts, err
}

func (c *Client) postJSON(ctx context.Context, step, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerURL()+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Step: step, Status: resp.StatusCode, Message: SanitizeErrorBody(string(raw))}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{Step: step, Status: resp.StatusCode, Message: "malformed response: " + SanitizeErrorBody(string(raw))}
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "request rejected"
		}
		return &APIError{Step: step, Status: resp.StatusCode, Message: msg}
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &APIError{Step: step, Status: resp.StatusCode, Message: "malformed response data"}
	}
	return nil
}

// archiveError means the local archive could not be read; retrying the
// request does not help.
type archiveError struct{ err error }

func (e *archiveError) Error() string { return "upload: archive: " + e.err.Error() }
func (e *archiveError) Unwrap() error { return e.err }

// transfer streams the whole archive. Each try reopens the file from the start.
func (c *Client) transfer(ctx context.Context, dest string, a *export.Archive, sink progress.Sink) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return &archiveError{err}
	}
	defer func() { _ = f.Close() }()

	body := &progressReader{ctx: ctx, r: f, total: a.Size, sink: sink, last: -1}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, dest, body)
	if err != nil {
		return err
	}
	req.ContentLength = a.Size
	req.Header.Set("Content-Type", ContentTypeZip)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Step: StepTransfer, Status: resp.StatusCode, Message: SanitizeErrorBody(string(raw))}
	}
	return nil
}

// progressReader reports bytes sent and stops at the next read once ctx is done.
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	sent  int64
	total int64
	last  int
	sink  progress.Sink
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	p.sent += int64(n)
	if p.total > 0 {
		pct := int(p.sent * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.sink.Report(progress.StageUploading, float64(pct),
				fmt.Sprintf("Uploaded %s of %s", FormatSize(p.sent), FormatSize(p.total)))
		}
	}
	return n, err
}
