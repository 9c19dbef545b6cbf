package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chattomap/ctm/internal/chatdb"
	"github.com/chattomap/ctm/internal/contacts"
	"github.com/chattomap/ctm/internal/testutil"
)

type fakeSource struct {
	convs []chatdb.Conversation
	err   error
	calls int
}

func (f *fakeSource) ListConversations(context.Context) ([]chatdb.Conversation, error) {
	f.calls++
	return f.convs, f.err
}

type mapResolver map[string]string

func (m mapResolver) Resolve(id string) contacts.Resolution {
	if name, ok := m[id]; ok {
		return contacts.Resolution{Name: name, Confidence: contacts.Exact}
	}
	return contacts.Resolution{Confidence: contacts.Unresolved}
}

func TestBuildDisplayNames(t *testing.T) {
	src := &fakeSource{convs: []chatdb.Conversation{
		{ID: 1, Identifier: "chat1", DisplayName: "Book Club", Handles: []string{"+1", "+2"}},
		{ID: 2, Identifier: "+15551112222", Handles: []string{"+15551112222"}},
		{ID: 3, Identifier: "chat3", Handles: []string{"+15551112222", "+19990000000"}},
		{ID: 4, Identifier: "+19990000000", Handles: []string{"+19990000000"}},
		{ID: 5, Identifier: "", Handles: nil},
	}}
	res := mapResolver{"+15551112222": "Alice Smith"}

	convs, err := Build(context.Background(), src, res)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Book Club", "Alice Smith", "Alice Smith, +19990000000", "+19990000000", "chat 5"}
	for i, w := range want {
		if convs[i].DisplayName != w {
			t.Errorf("convs[%d].DisplayName = %q, want %q", i, convs[i].DisplayName, w)
		}
	}
	if convs[2].Participants[0].Confidence != contacts.Exact || convs[2].Participants[1].Confidence != contacts.Unresolved {
		t.Errorf("participants = %+v", convs[2].Participants)
	}
	if !convs[2].IsGroup() || convs[1].IsGroup() {
		t.Error("IsGroup wrong")
	}
}

func TestBuildCounts(t *testing.T) {
	src := &fakeSource{convs: []chatdb.Conversation{
		{ID: 1, Handles: []string{"a", "b", "c"}, MessageCount: 12},
		{ID: 2, MessageCount: 0},
		{ID: 3, MessageCount: -4},
	}}
	convs, err := Build(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}
	wantParticipants := []int{4, 1, 1}
	for i, c := range convs {
		if c.ParticipantCount != wantParticipants[i] {
			t.Errorf("convs[%d].ParticipantCount = %d, want %d", i, c.ParticipantCount, wantParticipants[i])
		}
		if c.ParticipantCount < 1 || c.MessageCount < 0 {
			t.Errorf("convs[%d] counts out of range: %+v", i, c)
		}
	}
}

func TestBuildPropagatesSourceError(t *testing.T) {
	boom := errors.New("boom")
	if _, err := Build(context.Background(), &fakeSource{err: boom}, nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestCatalogCachesUntilRefresh(t *testing.T) {
	src := &fakeSource{convs: []chatdb.Conversation{{ID: 7}}}
	c := New(src, nil, nil)
	ctx := context.Background()

	for range 3 {
		if _, err := c.Get(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1", src.calls)
	}

	src.convs = append(src.convs, chatdb.Conversation{ID: 8})
	convs, err := c.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || src.calls != 2 {
		t.Errorf("after refresh: %d convs, %d calls", len(convs), src.calls)
	}
	if _, ok, _ := c.Lookup(ctx, 8); !ok {
		t.Error("Lookup(8) should find refreshed conversation")
	}
}

func TestSelect(t *testing.T) {
	src := &fakeSource{convs: []chatdb.Conversation{{ID: 30}, {ID: 10}, {ID: 20}}}
	c := New(src, nil, nil)
	ctx := context.Background()

	got, err := c.Select(ctx, []int64{20, 30, 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != 30 || got[1].ID != 20 {
		t.Errorf("Select = %v, want catalog order [30 20]", ids(got))
	}

	if _, err := c.Select(ctx, nil); !errors.Is(err, ErrEmptySelection) {
		t.Errorf("empty selection err = %v", err)
	}

	_, err = c.Select(ctx, []int64{10, 99, 42})
	var unknown *UnknownIDsError
	if !errors.As(err, &unknown) || len(unknown.IDs) != 2 || unknown.IDs[0] != 42 || unknown.IDs[1] != 99 {
		t.Errorf("unknown ids err = %v", err)
	}
	if !errors.Is(err, ErrUnknownConversation) {
		t.Error("UnknownIDsError should match ErrUnknownConversation")
	}
}

func TestFilterAndLimit(t *testing.T) {
	convs := []Conversation{
		{ID: 1, DisplayName: "Book Club", Identifier: "chat1"},
		{ID: 2, DisplayName: "+15551112222", Identifier: "+15551112222", Participants: []Participant{{Identifier: "+15551112222", Name: "Alice"}}},
		{ID: 3, DisplayName: "work", Identifier: "chat3"},
	}
	tests := []struct {
		q    string
		want []int64
	}{
		{"book", []int64{1}},
		{"ALICE", []int64{2}},
		{"chat", []int64{1, 3}},
		{"", []int64{1, 2, 3}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		if got := ids(Filter(convs, tt.q)); !equalIDs(got, tt.want) {
			t.Errorf("Filter(%q) = %v, want %v", tt.q, got, tt.want)
		}
	}
	if got := ids(Limit(convs, 2)); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("Limit(2) = %v", got)
	}
	if got := Limit(convs, 0); len(got) != 3 {
		t.Errorf("Limit(0) kept %d", len(got))
	}
}

// A fully degraded resolver must still produce a complete catalog from a
// real database.
func TestBuildFromChatDBWithoutContacts(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Modern)
	alice := fx.Handle("+15551112222", "iMessage")
	aliceSMS := fx.Handle("+15551112222", "SMS")
	bob := fx.Handle("bob@example.com", "iMessage")
	one := fx.AddChat(testutil.Chat{Identifier: "+15551112222"}, alice, aliceSMS)
	group := fx.AddChat(testutil.Chat{Identifier: "chat99"}, alice, bob)
	fx.AddMessage(one, testutil.Message{Text: "hi", Handle: alice})
	fx.AddMessage(one, testutil.Message{ItemType: 1, Handle: alice})
	fx.AddMessage(group, testutil.Message{Text: "yo", Handle: bob})

	r, err := chatdb.Open(context.Background(), fx.Path(), chatdb.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	convs, err := Build(context.Background(), r, contacts.Disabled())
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].ID != group {
		t.Fatalf("convs = %+v, want group first", convs)
	}
	if convs[0].DisplayName != "+15551112222, bob@example.com" || convs[0].ParticipantCount != 3 {
		t.Errorf("group = %+v", convs[0])
	}
	if convs[1].DisplayName != "+15551112222" || convs[1].ParticipantCount != 2 || convs[1].MessageCount != 2 {
		t.Errorf("one-to-one = %+v", convs[1])
	}
	if convs[1].LastMessageAt.Before(testutil.BaseTime) || convs[1].LastMessageAt.After(testutil.BaseTime.Add(time.Hour)) {
		t.Errorf("LastMessageAt = %v", convs[1].LastMessageAt)
	}
}

func ids(convs []Conversation) []int64 {
	var out []int64
	for _, c := range convs {
		out = append(out, c.ID)
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
