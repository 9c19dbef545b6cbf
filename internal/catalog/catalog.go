// Package catalog turns raw chats into the conversation list a user picks
// from: display names resolved through contacts, participant and message
// counts, most recently active first.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chattomap/ctm/internal/chatdb"
	"github.com/chattomap/ctm/internal/contacts"
)

var (
	// ErrEmptySelection means no conversation ids were given.
	ErrEmptySelection = errors.New("catalog: no conversations selected")
	// ErrUnknownConversation is matched by *UnknownIDsError.
	ErrUnknownConversation = errors.New("catalog: unknown conversation")
)

// UnknownIDsError lists selected ids that are not in the catalog.
type UnknownIDsError struct {
	IDs []int64
}

func (e *UnknownIDsError) Error() string {
	parts := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		parts[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("catalog: unknown conversation ids: %s", strings.Join(parts, ", "))
}

func (e *UnknownIDsError) Is(target error) bool { return target == ErrUnknownConversation }

// Participant is one member of a conversation other than the user.
type Participant struct {
	Identifier string              `json:"identifier"`
	Name       string              `json:"name,omitempty"`
	Confidence contacts.Confidence `json:"confidence"`
}

// Label is the resolved name, or the identifier when unresolved.
func (p Participant) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Identifier
}

// Conversation is one selectable chat.
type Conversation struct {
	ID           int64         `json:"id"`
	GUID         string        `json:"guid"`
	Identifier   string        `json:"identifier"`
	DisplayName  string        `json:"display_name"`
	Service      string        `json:"service"`
	Participants []Participant `json:"participants"`
	// ParticipantCount counts distinct other participants plus the user.
	ParticipantCount int `json:"participant_count"`
	// MessageCount counts every stored row, including ones an export skips.
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// IsGroup reports whether more than one other person takes part.
func (c Conversation) IsGroup() bool { return len(c.Participants) > 1 }

// Source lists raw conversations; *chatdb.Reader implements it.
type Source interface {
	ListConversations(ctx context.Context) ([]chatdb.Conversation, error)
}

// Resolver resolves handle identifiers; *contacts.Resolver implements it.
type Resolver interface {
	Resolve(identifier string) contacts.Resolution
}

// Build lists conversations from src with names from res.
func Build(ctx context.Context, src Source, res Resolver) ([]Conversation, error) {
	raw, err := src.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = contacts.Disabled()
	}

	out := make([]Conversation, 0, len(raw))
	for _, rc := range raw {
		c := Conversation{
			ID:            rc.ID,
			GUID:          rc.GUID,
			Identifier:    rc.Identifier,
			Service:       rc.Service,
			MessageCount:  max(rc.MessageCount, 0),
			LastMessageAt: rc.LastMessageAt,
		}
		for _, h := range rc.Handles {
			r := res.Resolve(h)
			c.Participants = append(c.Participants, Participant{Identifier: h, Name: r.Name, Confidence: r.Confidence})
		}
		c.ParticipantCount = len(c.Participants) + 1
		c.DisplayName = displayName(rc, c.Participants)
		out = append(out, c)
	}
	return out, nil
}

// displayName picks, in order: the chat's own name, the single participant's
// resolved name, the joined participant labels of a group, the identifier.
func displayName(rc chatdb.Conversation, parts []Participant) string {
	if rc.DisplayName != "" {
		return rc.DisplayName
	}
	switch {
	case len(parts) == 1 && parts[0].Name != "":
		return parts[0].Name
	case len(parts) > 1:
		labels := make([]string, len(parts))
		for i, p := range parts {
			labels[i] = p.Label()
		}
		return strings.Join(labels, ", ")
	}
	if rc.Identifier != "" {
		return rc.Identifier
	}
	return fmt.Sprintf("chat %d", rc.ID)
}

// Catalog caches the built list for a session.
type Catalog struct {
	src Source
	res Resolver
	log *zap.Logger

	mu    sync.RWMutex
	convs []Conversation
	index map[int64]int
}

// New returns an empty catalog; the first Get builds it.
func New(src Source, res Resolver, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{src: src, res: res, log: log}
}

// Get returns the cached list, building it on first use.
func (c *Catalog) Get(ctx context.Context) ([]Conversation, error) {
	c.mu.RLock()
	convs := c.convs
	c.mu.RUnlock()
	if convs != nil {
		return slices.Clone(convs), nil
	}
	return c.Refresh(ctx)
}

// Refresh rebuilds the list from the source.
func (c *Catalog) Refresh(ctx context.Context) ([]Conversation, error) {
	start := time.Now()
	convs, err := Build(ctx, c.src, c.res)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []Conversation{}
	}
	index := make(map[int64]int, len(convs))
	for i, conv := range convs {
		index[conv.ID] = i
	}

	c.mu.Lock()
	c.convs, c.index = convs, index
	c.mu.Unlock()

	c.log.Info("catalog built",
		zap.Int("conversations", len(convs)),
		zap.Duration("took", time.Since(start)))
	return slices.Clone(convs), nil
}

// Lookup returns the conversation with id from the cached list.
func (c *Catalog) Lookup(ctx context.Context, id int64) (Conversation, bool, error) {
	if _, err := c.Get(ctx); err != nil {
		return Conversation{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[id]
	if !ok {
		return Conversation{}, false, nil
	}
	return c.convs[i], true, nil
}

// Select resolves a set of ids to conversations in catalog order. Duplicate
// ids collapse; any unknown id fails the whole selection.
func (c *Catalog) Select(ctx context.Context, ids []int64) ([]Conversation, error) {
	if len(ids) == 0 {
		return nil, ErrEmptySelection
	}
	if _, err := c.Get(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	want := map[int64]bool{}
	var unknown []int64
	for _, id := range ids {
		if want[id] {
			continue
		}
		want[id] = true
		if _, ok := c.index[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, &UnknownIDsError{IDs: unknown}
	}

	out := make([]Conversation, 0, len(want))
	for _, conv := range c.convs {
		if want[conv.ID] {
			out = append(out, conv)
		}
	}
	return out, nil
}

// Filter keeps conversations where substr appears, case-insensitively, in the
// names or identifiers of the chat or its participants.
func Filter(convs []Conversation, substr string) []Conversation {
	q := strings.ToLower(strings.TrimSpace(substr))
	if q == "" {
		return convs
	}
	var out []Conversation
	for _, c := range convs {
		if matches(c, q) {
			out = append(out, c)
		}
	}
	return out
}

func matches(c Conversation, q string) bool {
	if strings.Contains(strings.ToLower(c.DisplayName), q) || strings.Contains(strings.ToLower(c.Identifier), q) {
		return true
	}
	for _, p := range c.Participants {
		if strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.Identifier), q) {
			return true
		}
	}
	return false
}

// Limit truncates to the first n conversations; n <= 0 keeps all.
func Limit(convs []Conversation, n int) []Conversation {
	if n <= 0 || n >= len(convs) {
		return convs
	}
	return convs[:n]
}
