// Package export packages selected conversations into a single zip archive:
// one JSON document per conversation, attachment payloads, and a manifest.
// The archive appears under its final name only once it is complete.
package export

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chattomap/ctm/internal/catalog"
	"github.com/chattomap/ctm/internal/chatdb"
	"github.com/chattomap/ctm/internal/progress"
)

// Source streams messages and attachment payloads; *chatdb.Reader implements it.
type Source interface {
	Messages(ctx context.Context, chatID int64, after chatdb.Cursor) iter.Seq2[chatdb.Message, error]
	ReadAttachment(ctx context.Context, ref chatdb.AttachmentRef) ([]byte, error)
}

// DefaultWorkers bounds concurrent attachment reads when Options.Workers is zero.
const DefaultWorkers = 4

// Options configure a Builder.
type Options struct {
	OutputDir          string
	Workers            int
	IncludeAttachments bool
	// Resolver names senders who are no longer chat members. Optional.
	Resolver catalog.Resolver
	Logger   *zap.Logger
	Now      func() time.Time
}

// Archive is a finished export on disk.
type Archive struct {
	Path        string
	Fingerprint string
	Size        int64
	CreatedAt   time.Time

	Conversations      int
	Messages           int
	Attachments        int
	MissingAttachments int
}

// Remove deletes the archive file.
func (a *Archive) Remove() error {
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Builder writes archives. A Builder may be reused for several builds.
type Builder struct {
	src  Source
	opts Options
	log  *zap.Logger
}

// NewBuilder returns a Builder reading from src.
func NewBuilder(src Source, opts Options) *Builder {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OutputDir == "" {
		opts.OutputDir = os.TempDir()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{src: src, opts: opts, log: log}
}

// Build exports convs in the given order. On any failure or cancellation no
// file is left behind and an *Error is returned.
func (b *Builder) Build(ctx context.Context, convs []catalog.Conversation, sink progress.Sink) (*Archive, error) {
	if sink == nil {
		sink = progress.Discard
	}
	sink.Report(progress.StageReading, 0, "reading messages")

	if err := os.MkdirAll(b.opts.OutputDir, 0o700); err != nil {
		return nil, writeErr(err)
	}
	tmp, err := os.CreateTemp(b.opts.OutputDir, ".chattomap-export-*.partial")
	if err != nil {
		return nil, writeErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	now := b.opts.Now().UTC()
	hash := sha256.New()
	w := &writer{
		zw:      zip.NewWriter(io.MultiWriter(tmp, hash)),
		written: map[string]bool{},
		mod:     now,
	}
	manifest := Manifest{
		FormatVersion: FormatVersion,
		Source:        SourceName,
		ExportDate:    now.Format(time.RFC3339),
		Chats:         []ManifestChat{},
	}

	sink.Report(progress.StageReading, 100, fmt.Sprintf("%d conversations selected", len(convs)))
	sink.Report(progress.StageExporting, 0, "exporting")

	for i, conv := range convs {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: KindCancelled, ConversationID: conv.ID, Err: err}
		}
		doc, stats, err := b.conversation(ctx, conv, w)
		if err != nil {
			return nil, err
		}
		name := documentName(i)
		if err := w.json(name, doc); err != nil {
			return nil, writeErr(err)
		}

		manifest.Chats = append(manifest.Chats, ManifestChat{
			File:         name,
			ID:           conv.ID,
			Name:         conv.DisplayName,
			MessageCount: len(doc.Messages),
		})
		manifest.TotalMessages += len(doc.Messages)
		manifest.TotalAttachments += stats.attachments
		manifest.MissingAttachments += stats.missing

		b.log.Debug("conversation exported",
			zap.Int64("conversation_id", conv.ID),
			zap.Int("messages", len(doc.Messages)),
			zap.Int("skipped", stats.skipped),
			zap.Int("attachments", stats.attachments),
			zap.Int("missing_attachments", stats.missing))
		sink.Report(progress.StageExporting, float64(i+1)*100/float64(len(convs)),
			fmt.Sprintf("exported %d of %d conversations", i+1, len(convs)))
	}
	manifest.ChatCount = len(convs)

	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindCancelled, Err: err}
	}
	if err := w.json(ManifestName, manifest); err != nil {
		return nil, writeErr(err)
	}
	if err := w.zw.Close(); err != nil {
		return nil, writeErr(err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, writeErr(err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return nil, writeErr(err)
	}
	if err := tmp.Close(); err != nil {
		return nil, writeErr(err)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	final := filepath.Join(b.opts.OutputDir,
		fmt.Sprintf("chattomap-export-%s-%s.zip", now.Format("20060102-150405"), sum[:12]))
	if err := os.Rename(tmp.Name(), final); err != nil {
		return nil, writeErr(err)
	}
	committed = true

	a := &Archive{
		Path:               final,
		Fingerprint:        "sha256:" + sum,
		Size:               info.Size(),
		CreatedAt:          now,
		Conversations:      len(convs),
		Messages:           manifest.TotalMessages,
		Attachments:        manifest.TotalAttachments,
		MissingAttachments: manifest.MissingAttachments,
	}
	b.log.Info("archive written",
		zap.String("path", a.Path),
		zap.String("fingerprint", a.Fingerprint),
		zap.Int64("size", a.Size),
		zap.Int("conversations", a.Conversations),
		zap.Int("messages", a.Messages),
		zap.Int("missing_attachments", a.MissingAttachments))
	return a, nil
}

type convStats struct {
	skipped     int
	attachments int
	missing     int
}

// pendingAttachment is a payload to fetch for records[rec].Attachments[idx].
type pendingAttachment struct {
	rec, idx int
	ref      chatdb.AttachmentRef
}

func (b *Builder) conversation(ctx context.Context, conv catalog.Conversation, w *writer) (Document, convStats, error) {
	doc := Document{
		FormatVersion: FormatVersion,
		Meta: Meta{
			ID:                 conv.ID,
			GUID:               conv.GUID,
			Name:               conv.DisplayName,
			Identifier:         conv.Identifier,
			Service:            conv.Service,
			Participants:       conv.Participants,
			SourceMessageCount: conv.MessageCount,
		},
		Messages: []Record{},
	}
	if doc.Meta.Participants == nil {
		doc.Meta.Participants = []catalog.Participant{}
	}

	var (
		stats   convStats
		pending []pendingAttachment
		names   = newSenders(conv)
		window  = b.opts.Workers * 4
	)
	flush := func() error {
		missing, err := b.fetch(ctx, w, doc.Messages, pending)
		stats.missing += missing
		pending = pending[:0]
		return err
	}

	for m, err := range b.src.Messages(ctx, conv.ID, chatdb.Cursor{}) {
		if err != nil {
			return doc, stats, readErr(conv.ID, err)
		}
		if !Exportable(m) {
			stats.skipped++
			continue
		}
		rec := newRecord(m, names.label(m, b.opts.Resolver))
		for _, ref := range m.Attachments {
			att := AttachmentRecord{
				Name:     attachmentName(ref),
				MIMEType: ref.MIMEType,
				Size:     ref.Size,
			}
			stats.attachments++
			if b.opts.IncludeAttachments {
				pending = append(pending, pendingAttachment{rec: len(doc.Messages), idx: len(rec.Attachments), ref: ref})
			} else {
				att.Missing, att.MissingReason = true, ReasonExcluded
				stats.missing++
			}
			rec.Attachments = append(rec.Attachments, att)
		}
		doc.Messages = append(doc.Messages, rec)

		if len(pending) >= window {
			if err := flush(); err != nil {
				return doc, stats, err
			}
		}
	}
	if len(pending) > 0 {
		if err := flush(); err != nil {
			return doc, stats, err
		}
	}
	doc.Meta.MessageCount = len(doc.Messages)
	return doc, stats, nil
}

type fetched struct {
	data []byte
	err  error
}

// fetch reads a window of payloads with a bounded pool, then writes them in
// order from the calling goroutine, the only zip writer. It returns how many
// payloads were missing.
func (b *Builder) fetch(ctx context.Context, w *writer, recs []Record, pending []pendingAttachment) (int, error) {
	results := make([]fetched, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for i, p := range pending {
		entry := attachmentPath(p.ref)
		if w.written[entry] {
			continue
		}
		g.Go(func() error {
			data, err := b.src.ReadAttachment(gctx, p.ref)
			if err != nil && cancelled(err) {
				return err
			}
			results[i] = fetched{data: data, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, &Error{Kind: KindCancelled, Err: err}
	}

	missing := 0
	for i, p := range pending {
		att := &recs[p.rec].Attachments[p.idx]
		entry := attachmentPath(p.ref)
		if w.written[entry] {
			att.Path = entry
			continue
		}
		if err := results[i].err; err != nil {
			att.Missing = true
			att.MissingReason = missingReason(err)
			missing++
			b.log.Debug("attachment missing",
				zap.String("guid", p.ref.GUID),
				zap.String("reason", att.MissingReason))
			continue
		}
		if err := w.file(entry, results[i].data, p.ref.MIMEType); err != nil {
			return missing, writeErr(err)
		}
		att.Path = entry
		att.Size = int64(len(results[i].data))
	}
	return missing, nil
}

func missingReason(err error) string {
	var ae *chatdb.AttachmentError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return chatdb.ReasonUnreadable
}

// writer is the single owner of the zip stream.
type writer struct {
	zw      *zip.Writer
	written map[string]bool
	mod     time.Time
}

func (w *writer) json(name string, v any) error {
	f, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: w.mod})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func (w *writer) file(name string, data []byte, mime string) error {
	method := zip.Deflate
	if compressed(mime) {
		method = zip.Store
	}
	f, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: method, Modified: w.mod})
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	w.written[name] = true
	return nil
}
