package chatdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chattomap/ctm/internal/testutil"
)

func TestListConversationsOrderAndCounts(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Modern)
	alice := fx.Handle("+15551110000", "iMessage")
	bob := fx.Handle("bob@example.com", "iMessage")

	older := fx.AddChat(testutil.Chat{Identifier: "+15551110000"}, alice)
	newer := fx.AddChat(testutil.Chat{Identifier: "bob@example.com", Service: "SMS"}, bob)
	idleA := fx.AddChat(testutil.Chat{Identifier: "idle-a"})
	idleB := fx.AddChat(testutil.Chat{Identifier: "idle-b"})

	fx.AddMessage(older, testutil.Message{Text: "one", Handle: alice})
	fx.AddMessage(older, testutil.Message{Text: "two", FromMe: true})
	fx.AddMessage(newer, testutil.Message{Text: "three", Handle: bob})

	r := openFixture(t, fx, Options{})
	convs, err := r.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}

	wantOrder := []int64{newer, older, idleA, idleB}
	if len(convs) != len(wantOrder) {
		t.Fatalf("got %d conversations, want %d", len(convs), len(wantOrder))
	}
	for i, id := range wantOrder {
		if convs[i].ID != id {
			t.Errorf("convs[%d].ID = %d, want %d", i, convs[i].ID, id)
		}
	}

	if convs[1].MessageCount != 2 {
		t.Errorf("older MessageCount = %d, want 2", convs[1].MessageCount)
	}
	if convs[0].Service != "SMS" {
		t.Errorf("newer Service = %q, want SMS", convs[0].Service)
	}
	if convs[2].MessageCount != 0 || !convs[2].LastMessageAt.IsZero() {
		t.Errorf("idle chat = %+v, want zero stats", convs[2])
	}
	want := testutil.BaseTime.Add(3 * time.Minute)
	if !convs[0].LastMessageAt.Equal(want) {
		t.Errorf("LastMessageAt = %v, want %v", convs[0].LastMessageAt, want)
	}
}

func TestParticipantsDeduplicatesAcrossServices(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Modern)
	imsg := fx.Handle("+15552220000", "iMessage")
	sms := fx.Handle("+15552220000", "SMS")
	other := fx.Handle("carol@example.com", "iMessage")
	chat := fx.AddChat(testutil.Chat{Identifier: "chat123", DisplayName: "Trip"}, imsg, sms, other)

	r := openFixture(t, fx, Options{})
	parts, err := r.Participants(context.Background())
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	got := parts[chat]
	if len(got) != 2 || got[0] != "+15552220000" || got[1] != "carol@example.com" {
		t.Fatalf("participants = %v, want [+15552220000 carol@example.com]", got)
	}
}

func TestListConversationsMissingServiceAndName(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Legacy)
	fx.AddChat(testutil.Chat{Identifier: "+15553330000"})

	r := openFixture(t, fx, Options{})
	convs, err := r.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	if convs[0].Service != "Unknown" {
		t.Errorf("Service = %q, want Unknown", convs[0].Service)
	}
	if convs[0].DisplayName != "" {
		t.Errorf("DisplayName = %q, want empty", convs[0].DisplayName)
	}
}

// A schema missing message.date still lists conversations; only the stats
// are lost.
func TestListConversationsSurvivesStatsSchemaError(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Legacy)
	h := fx.Handle("+15554440000", "")
	chat := fx.AddChat(testutil.Chat{Identifier: "+15554440000"}, h)
	fx.AddMessage(chat, testutil.Message{Text: "hi", Handle: h})
	fx.Exec("ALTER TABLE message RENAME COLUMN date TO date_moved")

	r := openFixture(t, fx, Options{})
	if _, err := r.Stats(context.Background()); !errors.Is(err, ErrCorruptSchema) {
		t.Fatalf("Stats error = %v, want ErrCorruptSchema", err)
	}

	convs, err := r.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].MessageCount != 0 {
		t.Fatalf("convs = %+v, want one conversation with zero count", convs)
	}
	if len(convs[0].Handles) != 1 {
		t.Errorf("Handles = %v, want participants still loaded", convs[0].Handles)
	}
}
