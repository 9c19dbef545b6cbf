package chatdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chattomap/ctm/internal/testutil"
)

func collect(t *testing.T, r *Reader, chatID int64, after Cursor) []Message {
	t.Helper()
	var out []Message
	for m, err := range r.Messages(context.Background(), chatID, after) {
		if err != nil {
			t.Fatalf("Messages: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestMessagesDecodeAndFlags(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Modern)
	h := fx.Handle("+15551230000", "iMessage")
	chat := fx.AddChat(testutil.Chat{Identifier: "+15551230000"}, h)

	fx.AddMessage(chat, testutil.Message{Text: "plain", Handle: h})
	fx.AddMessage(chat, testutil.Message{AttributedBody: testutil.AttributedBody("from the archive"), Handle: h})
	fx.AddMessage(chat, testutil.Message{Text: "mine", FromMe: true, Handle: h})
	fx.AddMessage(chat, testutil.Message{Text: "Loved “plain”", AssociatedType: 2000, Handle: h})
	fx.AddMessage(chat, testutil.Message{ItemType: 1, Handle: h})
	fx.AddMessage(chat, testutil.Message{Text: "oops", Retracted: true, Handle: h})
	fx.AddMessage(chat, testutil.Message{Text: "fixed", Edited: true, Handle: h})
	fx.AddMessage(chat, testutil.Message{Text: "\uFFFC", Handle: h})

	r := openFixture(t, fx, Options{})
	msgs := collect(t, r, chat, Cursor{})
	if len(msgs) != 8 {
		t.Fatalf("got %d messages, want 8", len(msgs))
	}

	for i, m := range msgs {
		if m.Seq != i+1 {
			t.Errorf("msgs[%d].Seq = %d, want %d", i, m.Seq, i+1)
		}
		want := testutil.BaseTime.Add(time.Duration(i+1) * time.Minute)
		if !m.Time.Equal(want) {
			t.Errorf("msgs[%d].Time = %v, want %v", i, m.Time, want)
		}
	}

	if msgs[0].Body != "plain" || msgs[0].Sender != "+15551230000" {
		t.Errorf("msgs[0] = %q from %q", msgs[0].Body, msgs[0].Sender)
	}
	if msgs[1].Body != "from the archive" {
		t.Errorf("attributed body = %q", msgs[1].Body)
	}
	if !msgs[2].IsFromMe || msgs[2].Sender != "" {
		t.Errorf("from-me message sender = %q, IsFromMe = %v", msgs[2].Sender, msgs[2].IsFromMe)
	}

	flags := []struct {
		idx  int
		flag Flags
	}{
		{3, FlagReaction},
		{4, FlagSystem},
		{5, FlagRetracted},
		{6, FlagEdited},
	}
	for _, f := range flags {
		if !msgs[f.idx].Flags.Has(f.flag) {
			t.Errorf("msgs[%d].Flags = %b, want %b set", f.idx, msgs[f.idx].Flags, f.flag)
		}
	}
	if msgs[0].Flags != 0 {
		t.Errorf("plain message flags = %b, want 0", msgs[0].Flags)
	}
	if msgs[7].Body != "" {
		t.Errorf("placeholder-only body = %q, want empty", msgs[7].Body)
	}
}

func TestMessagesPagingAndResume(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Modern)
	chat := fx.AddChat(testutil.Chat{Identifier: "pager"})
	same := testutil.AppleNanos(testutil.BaseTime)
	for i := range 5 {
		m := testutil.Message{Text: strings.Repeat("x", i+1), FromMe: true}
		if i >= 2 {
			// Equal timestamps must still page by ROWID.
			m.Date = same + int64(time.Hour)
		}
		fx.AddMessage(chat, m)
	}

	r := openFixture(t, fx, Options{PageSize: 2})
	all := collect(t, r, chat, Cursor{})
	if len(all) != 5 {
		t.Fatalf("got %d messages, want 5", len(all))
	}

	var head []Message
	for m, err := range r.Messages(context.Background(), chat, Cursor{}) {
		if err != nil {
			t.Fatal(err)
		}
		head = append(head, m)
		if len(head) == 3 {
			break
		}
	}
	tail := collect(t, r, chat, head[2].Cursor())
	if len(tail) != 2 {
		t.Fatalf("resumed %d messages, want 2", len(tail))
	}
	for i, m := range tail {
		if m.RowID != all[3+i].RowID || m.Seq != 4+i {
			t.Errorf("tail[%d] = row %d seq %d, want row %d seq %d", i, m.RowID, m.Seq, all[3+i].RowID, 4+i)
		}
	}
}

func TestMessagesLegacySecondsAndDegradedDates(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Legacy)
	h := fx.Handle("+15559990000", "")
	chat := fx.AddChat(testutil.Chat{Identifier: "+15559990000"}, h)
	fx.AddMessage(chat, testutil.Message{Text: "old", Handle: h})
	fx.AddMessage(chat, testutil.Message{Text: "broken", Handle: h, Date: "not-a-date"})

	r := openFixture(t, fx, Options{})
	msgs := collect(t, r, chat, Cursor{})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	// Malformed dates sort as 0, ahead of real ones.
	broken, old := msgs[0], msgs[1]
	if !broken.Degraded || broken.DegradedReason == "" || !broken.Time.IsZero() {
		t.Errorf("broken = %+v, want degraded with zero time", broken)
	}
	if broken.Body != "broken" {
		t.Errorf("degraded row body = %q, want kept", broken.Body)
	}
	want := testutil.BaseTime.Add(time.Minute)
	if old.Degraded || !old.Time.Equal(want) {
		t.Errorf("old = %+v, want %v", old, want)
	}
}

func TestMessagesMissingRequiredColumn(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Legacy)
	chat := fx.AddChat(testutil.Chat{Identifier: "x"})
	fx.Exec("ALTER TABLE message RENAME COLUMN is_from_me TO from_me")

	r := openFixture(t, fx, Options{})
	var gotErr error
	for _, err := range r.Messages(context.Background(), chat, Cursor{}) {
		gotErr = err
	}
	var se *SchemaError
	if !errors.As(gotErr, &se) || se.Column != "is_from_me" {
		t.Fatalf("error = %v, want SchemaError for is_from_me", gotErr)
	}
	if !errors.Is(gotErr, ErrCorruptSchema) {
		t.Error("SchemaError should match ErrCorruptSchema")
	}
}

func TestMessagesCancelled(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Modern)
	chat := fx.AddChat(testutil.Chat{Identifier: "x"})
	fx.AddMessage(chat, testutil.Message{Text: "hi", FromMe: true})

	r := openFixture(t, fx, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range r.Messages(ctx, chat, Cursor{}) {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
		return
	}
	t.Fatal("expected a cancellation error")
}

func TestAttachmentsAndReadAttachment(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Modern)
	chat := fx.AddChat(testutil.Chat{Identifier: "pics"})
	msg := fx.AddMessage(chat, testutil.Message{FromMe: true})

	dbDir := filepath.Dir(fx.Path())
	if err := os.MkdirAll(filepath.Join(dbDir, "Attachments"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dbDir, "Attachments", "cat.jpg"), []byte("meow"), 0o600); err != nil {
		t.Fatal(err)
	}
	big := filepath.Join(t.TempDir(), "big.mov")
	if err := os.WriteFile(big, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}

	fx.AddAttachment(msg, testutil.Attachment{GUID: "A1", Filename: "Attachments/cat.jpg", TransferName: "cat.jpg", MIMEType: "image/jpeg", Size: 4})
	fx.AddAttachment(msg, testutil.Attachment{GUID: "A2", Filename: filepath.Join(dbDir, "gone.png"), TransferName: "gone.png"})
	fx.AddAttachment(msg, testutil.Attachment{GUID: "A3", Filename: big, TransferName: "big.mov"})
	fx.AddAttachment(msg, testutil.Attachment{GUID: "A4", TransferName: "nowhere.txt"})

	r := openFixture(t, fx, Options{MaxAttachmentSize: 5})
	msgs := collect(t, r, chat, Cursor{})
	if len(msgs) != 1 || len(msgs[0].Attachments) != 4 {
		t.Fatalf("got %+v, want one message with 4 attachments", msgs)
	}
	refs := msgs[0].Attachments
	if refs[0].GUID != "A1" || refs[0].Name != "cat.jpg" || refs[0].MIMEType != "image/jpeg" {
		t.Errorf("refs[0] = %+v", refs[0])
	}

	data, err := r.ReadAttachment(context.Background(), refs[0])
	if err != nil || string(data) != "meow" {
		t.Fatalf("ReadAttachment(A1) = %q, %v", data, err)
	}

	reasons := map[string]string{"A2": ReasonNotFound, "A3": ReasonTooLarge, "A4": ReasonNoPath}
	for _, ref := range refs[1:] {
		_, err := r.ReadAttachment(context.Background(), ref)
		if !errors.Is(err, ErrAttachmentMissing) {
			t.Errorf("ReadAttachment(%s) = %v, want ErrAttachmentMissing", ref.GUID, err)
			continue
		}
		var ae *AttachmentError
		if !errors.As(err, &ae) || ae.Reason != reasons[ref.GUID] {
			t.Errorf("ReadAttachment(%s) reason = %v, want %s", ref.GUID, err, reasons[ref.GUID])
		}
	}
}

func TestResolvePathExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	r := &Reader{path: "/data/chat.db"}

	tests := []struct {
		in, want string
	}{
		{"~/Library/Messages/Attachments/a.jpg", filepath.Join(home, "Library/Messages/Attachments/a.jpg")},
		{"/abs/b.jpg", "/abs/b.jpg"},
		{"Attachments/c.jpg", "/data/Attachments/c.jpg"},
		{"  ", ""},
	}
	for _, tt := range tests {
		if got := r.ResolvePath(AttachmentRef{Path: tt.in}); got != tt.want {
			t.Errorf("ResolvePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
