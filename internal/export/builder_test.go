package export

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/chattomap/ctm/internal/catalog"
	"github.com/chattomap/ctm/internal/chatdb"
	"github.com/chattomap/ctm/internal/contacts"
	"github.com/chattomap/ctm/internal/progress"
	"github.com/chattomap/ctm/internal/testutil"
)

// fixture builds a chat.db with two conversations:
//   - a 1:1 chat with text, a reaction, a system row and an empty row
//   - a group with a present and a missing attachment
type fixture struct {
	reader *chatdb.Reader
	convs  []catalog.Conversation
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := testutil.NewChatDB(t, testutil.Modern)
	alice := fx.Handle("+15551112222", "iMessage")
	bob := fx.Handle("bob@example.com", "iMessage")

	one := fx.AddChat(testutil.Chat{Identifier: "+15551112222"}, alice)
	fx.AddMessage(one, testutil.Message{Text: "hello", Handle: alice})
	fx.AddMessage(one, testutil.Message{Text: "hi back", FromMe: true})
	fx.AddMessage(one, testutil.Message{Text: "Liked “hello”", AssociatedType: 2001, Handle: alice})
	fx.AddMessage(one, testutil.Message{ItemType: 2, Handle: alice})
	fx.AddMessage(one, testutil.Message{Handle: alice})
	fx.AddMessage(one, testutil.Message{Text: "edited text", Edited: true, FromMe: true})

	group := fx.AddChat(testutil.Chat{Identifier: "chat42", DisplayName: "Trip"}, alice, bob)
	pic := fx.AddMessage(group, testutil.Message{Text: "look", Handle: bob})

	dir := filepath.Dir(fx.Path())
	if err := os.WriteFile(filepath.Join(dir, "beach.jpg"), []byte("JPEGDATA"), 0o600); err != nil {
		t.Fatal(err)
	}
	fx.AddAttachment(pic, testutil.Attachment{GUID: "AT-1", Filename: "beach.jpg", TransferName: "beach.jpg", MIMEType: "image/jpeg", Size: 8})
	fx.AddAttachment(pic, testutil.Attachment{GUID: "AT-2", Filename: "gone.mov", TransferName: "gone.mov", MIMEType: "video/quicktime", Size: 99})

	r, err := chatdb.Open(context.Background(), fx.Path(), chatdb.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })

	res := contacts.Disabled()
	convs, err := catalog.Build(context.Background(), r, res)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{reader: r, convs: convs, dir: dir}
}

type recordingSink struct {
	mu     sync.Mutex
	stages []progress.Stage
	pcts   []float64
}

func (s *recordingSink) Report(stage progress.Stage, pct float64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, stage)
	s.pcts = append(s.pcts, pct)
}

func build(t *testing.T, src Source, convs []catalog.Conversation, out string, now time.Time) *Archive {
	t.Helper()
	b := NewBuilder(src, Options{
		OutputDir:          out,
		Workers:            2,
		IncludeAttachments: true,
		Now:                func() time.Time { return now },
	})
	a, err := b.Build(context.Background(), convs, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return a
}

var archiveName = regexp.MustCompile(`^chattomap-export-\d{8}-\d{6}-[0-9a-f]{12}\.zip$`)

func TestBuildTwoConversations(t *testing.T) {
	fx := newFixture(t)
	out := t.TempDir()
	sink := &recordingSink{}
	b := NewBuilder(fx.reader, Options{OutputDir: out, IncludeAttachments: true})

	a, err := b.Build(context.Background(), fx.convs, sink)
	if err != nil {
		t.Fatal(err)
	}

	if !archiveName.MatchString(filepath.Base(a.Path)) {
		t.Errorf("archive name = %s", filepath.Base(a.Path))
	}
	fp, err := Fingerprint(a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if fp != a.Fingerprint {
		t.Errorf("fingerprint = %s, file hashes to %s", a.Fingerprint, fp)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 1 {
		t.Errorf("output dir has %d entries, want only the archive", len(entries))
	}

	c, err := Inspect(a.Path)
	if err != nil {
		t.Fatal(err)
	}
	m := c.Manifest
	if m.FormatVersion != FormatVersion || m.Source != "imessage" || m.ChatCount != 2 {
		t.Errorf("manifest = %+v", m)
	}
	if m.TotalMessages != 4 || a.Messages != 4 {
		t.Errorf("total messages = %d / %d, want 4", m.TotalMessages, a.Messages)
	}
	if m.MissingAttachments != 1 || a.MissingAttachments != 1 || a.Attachments != 2 {
		t.Errorf("attachments = %d missing of %d", a.MissingAttachments, a.Attachments)
	}

	// The group chat was active last, so it is first.
	group := c.Documents["chat_001.json"]
	if group.Meta.Name != "Trip" || len(group.Messages) != 1 {
		t.Fatalf("chat_001 = %+v", group.Meta)
	}
	atts := group.Messages[0].Attachments
	if len(atts) != 2 {
		t.Fatalf("attachments = %+v", atts)
	}
	if atts[0].Path != "attachments/AT-1/beach.jpg" || atts[0].Missing {
		t.Errorf("present attachment = %+v", atts[0])
	}
	data, err := ReadEntry(a.Path, atts[0].Path)
	if err != nil || string(data) != "JPEGDATA" {
		t.Errorf("attachment entry = %q, %v", data, err)
	}
	if !atts[1].Missing || atts[1].MissingReason != chatdb.ReasonNotFound || atts[1].Path != "" {
		t.Errorf("missing attachment = %+v", atts[1])
	}
	if group.Messages[0].Sender != "bob@example.com" || group.Messages[0].SenderID != "bob@example.com" {
		t.Errorf("sender = %+v", group.Messages[0])
	}

	one := c.Documents["chat_002.json"]
	if one.Meta.SourceMessageCount != 6 || one.Meta.MessageCount != 3 {
		t.Errorf("meta counts = %d source / %d exported", one.Meta.SourceMessageCount, one.Meta.MessageCount)
	}
	bodies := []string{"hello", "hi back", "edited text"}
	for i, rec := range one.Messages {
		if rec.Body != bodies[i] {
			t.Errorf("messages[%d].Body = %q, want %q", i, rec.Body, bodies[i])
		}
	}
	if one.Messages[1].Sender != "Me" || !one.Messages[1].IsFromMe || one.Messages[1].SenderID != "" {
		t.Errorf("self message = %+v", one.Messages[1])
	}
	if !one.Messages[2].Edited || one.Messages[2].Seq != 6 {
		t.Errorf("edited message = %+v", one.Messages[2])
	}
	if _, err := time.Parse(time.RFC3339, one.Messages[0].Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", one.Messages[0].Timestamp, err)
	}

	// reading, then exporting rising to 100.
	if sink.stages[0] != progress.StageReading {
		t.Errorf("first stage = %s", sink.stages[0])
	}
	last := len(sink.pcts) - 1
	if sink.stages[last] != progress.StageExporting || sink.pcts[last] != 100 {
		t.Errorf("last report = %s %v", sink.stages[last], sink.pcts[last])
	}
}

func TestBuildIsIdempotentPerMessage(t *testing.T) {
	fx := newFixture(t)
	a1 := build(t, fx.reader, fx.convs, t.TempDir(), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	a2 := build(t, fx.reader, fx.convs, t.TempDir(), time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	c1, err := Inspect(a1.Path)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Inspect(a2.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c1.Documents, c2.Documents) {
		t.Error("documents differ between runs")
	}
	if !reflect.DeepEqual(c1.Attachments, c2.Attachments) {
		t.Error("attachment entries differ between runs")
	}
	if c1.Manifest.ExportDate == c2.Manifest.ExportDate {
		t.Error("export dates should differ")
	}
}

func TestBuildEmptyConversation(t *testing.T) {
	src := &fakeSource{}
	convs := []catalog.Conversation{{ID: 1, DisplayName: "empty"}, {ID: 2, DisplayName: "all filtered"}}
	src.msgs = map[int64][]chatdb.Message{
		2: {{RowID: 1, GUID: "sys", Flags: chatdb.FlagSystem}, {RowID: 2, GUID: "blank"}},
	}
	a := build(t, src, convs, t.TempDir(), time.Now())

	c, err := Inspect(a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Documents) != 2 {
		t.Fatalf("documents = %d, want 2", len(c.Documents))
	}
	for name, doc := range c.Documents {
		if doc.Messages == nil || len(doc.Messages) != 0 {
			t.Errorf("%s messages = %v, want empty list", name, doc.Messages)
		}
	}
}

func TestBuildWithoutAttachmentPayloads(t *testing.T) {
	fx := newFixture(t)
	b := NewBuilder(fx.reader, Options{OutputDir: t.TempDir(), IncludeAttachments: false})
	a, err := b.Build(context.Background(), fx.convs, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Inspect(a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Attachments) != 0 {
		t.Errorf("entries = %v, want none", c.Attachments)
	}
	// Regression: excluded payloads used to leave references with no entry
	// and no missing flag.
	if a.MissingAttachments != 2 || c.Manifest.MissingAttachments != 2 {
		t.Errorf("missing = %d (manifest %d), want 2", a.MissingAttachments, c.Manifest.MissingAttachments)
	}
	atts := c.Documents["chat_001.json"].Messages[0].Attachments
	if len(atts) != 2 {
		t.Fatalf("attachments = %+v", atts)
	}
	for _, att := range atts {
		if att.Path != "" || !att.Missing || att.MissingReason != ReasonExcluded {
			t.Errorf("attachment = %+v, want missing with reason %q", att, ReasonExcluded)
		}
	}
}

// Every attachment reference resolves to an archive entry or is flagged missing.
func TestBuildAttachmentReferencesResolve(t *testing.T) {
	for _, include := range []bool{true, false} {
		t.Run(fmt.Sprintf("include=%v", include), func(t *testing.T) {
			fx := newFixture(t)
			b := NewBuilder(fx.reader, Options{OutputDir: t.TempDir(), IncludeAttachments: include})
			a, err := b.Build(context.Background(), fx.convs, nil)
			if err != nil {
				t.Fatal(err)
			}
			c, err := Inspect(a.Path)
			if err != nil {
				t.Fatal(err)
			}
			refs, missing := 0, 0
			for name, doc := range c.Documents {
				for _, m := range doc.Messages {
					for _, att := range m.Attachments {
						refs++
						if att.Missing {
							missing++
							continue
						}
						if _, ok := c.Attachments[att.Path]; !ok {
							t.Errorf("%s: attachment %q neither in archive nor missing (path=%q)", name, att.Name, att.Path)
						}
					}
				}
			}
			if refs != a.Attachments {
				t.Errorf("references = %d, want %d", refs, a.Attachments)
			}
			if missing != a.MissingAttachments {
				t.Errorf("flagged missing = %d, archive reports %d", missing, a.MissingAttachments)
			}
		})
	}
}

func TestBuildCancelledLeavesNothing(t *testing.T) {
	out := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{msgs: map[int64][]chatdb.Message{
		1: {{RowID: 1, GUID: "a", Body: "x"}},
		2: {{RowID: 2, GUID: "b", Body: "y"}},
	}}
	src.after = func(chatID int64) {
		if chatID == 1 {
			cancel()
		}
	}
	b := NewBuilder(src, Options{OutputDir: out})
	_, err := b.Build(ctx, []catalog.Conversation{{ID: 1}, {ID: 2}}, nil)

	var ee *Error
	if !errors.As(err, &ee) || ee.Kind != KindCancelled || !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Errorf("output dir not empty: %v", entries)
	}
}

func TestBuildSourceErrorLeavesNothing(t *testing.T) {
	out := t.TempDir()
	src := &fakeSource{err: chatdb.ErrCorruptSchema}
	b := NewBuilder(src, Options{OutputDir: out})
	_, err := b.Build(context.Background(), []catalog.Conversation{{ID: 5}}, nil)
	if !errors.Is(err, ErrSourceUnreadable) || !errors.Is(err, chatdb.ErrCorruptSchema) {
		t.Fatalf("err = %v", err)
	}
	var ee *Error
	if errors.As(err, &ee) && ee.ConversationID != 5 {
		t.Errorf("ConversationID = %d", ee.ConversationID)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Errorf("output dir not empty: %v", entries)
	}
}

func TestBuildUnwritableOutput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	b := NewBuilder(&fakeSource{}, Options{OutputDir: filepath.Join(file, "sub")})
	_, err := b.Build(context.Background(), []catalog.Conversation{{ID: 1}}, nil)
	if !errors.Is(err, ErrOutput) {
		t.Fatalf("err = %v, want ErrOutput", err)
	}
}

func TestWriteErrDiskFull(t *testing.T) {
	err := writeErr(&os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC})
	if !errors.Is(err, ErrDiskFull) {
		t.Fatalf("err = %v, want ErrDiskFull", err)
	}
}

func TestExportable(t *testing.T) {
	att := []chatdb.AttachmentRef{{GUID: "a"}}
	tests := []struct {
		name string
		m    chatdb.Message
		want bool
	}{
		{"text", chatdb.Message{Body: "x"}, true},
		{"attachment only", chatdb.Message{Attachments: att}, true},
		{"edited", chatdb.Message{Body: "x", Flags: chatdb.FlagEdited}, true},
		{"empty", chatdb.Message{}, false},
		{"system", chatdb.Message{Body: "x", Flags: chatdb.FlagSystem}, false},
		{"reaction", chatdb.Message{Body: "x", Flags: chatdb.FlagReaction}, false},
		{"retracted", chatdb.Message{Attachments: att, Flags: chatdb.FlagRetracted}, false},
	}
	for _, tt := range tests {
		if got := Exportable(tt.m); got != tt.want {
			t.Errorf("%s: Exportable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAttachmentPath(t *testing.T) {
	tests := []struct {
		ref  chatdb.AttachmentRef
		want string
	}{
		{chatdb.AttachmentRef{GUID: "G1", Name: "photo.jpg"}, "attachments/G1/photo.jpg"},
		{chatdb.AttachmentRef{GUID: "G2", Path: "~/Library/Messages/Attachments/ab/IMG_1.HEIC"}, "attachments/G2/IMG_1.HEIC"},
		{chatdb.AttachmentRef{GUID: "a/b", Name: "../../etc/passwd"}, "attachments/a_b/_.._etc_passwd"},
		{chatdb.AttachmentRef{GUID: "G3", Name: "  "}, "attachments/G3/attachment"},
	}
	for _, tt := range tests {
		if got := attachmentPath(tt.ref); got != tt.want {
			t.Errorf("attachmentPath(%+v) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

type fakeSource struct {
	msgs  map[int64][]chatdb.Message
	err   error
	after func(chatID int64)
}

func (f *fakeSource) Messages(ctx context.Context, chatID int64, _ chatdb.Cursor) iter.Seq2[chatdb.Message, error] {
	return func(yield func(chatdb.Message, error) bool) {
		if f.err != nil {
			yield(chatdb.Message{}, f.err)
			return
		}
		for _, m := range f.msgs[chatID] {
			if !yield(m, nil) {
				return
			}
		}
		if f.after != nil {
			f.after(chatID)
		}
	}
}

func (f *fakeSource) ReadAttachment(context.Context, chatdb.AttachmentRef) ([]byte, error) {
	return nil, &chatdb.AttachmentError{Reason: chatdb.ReasonNotFound}
}
