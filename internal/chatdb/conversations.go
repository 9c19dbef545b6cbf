package chatdb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chattomap/ctm/internal/sqlitex"
)

// Conversation is one chat row with its derived statistics.
type Conversation struct {
	ID          int64
	GUID        string
	Identifier  string
	DisplayName string
	Service     string
	// Handles are the distinct participant identifiers, self excluded.
	Handles []string
	// MessageCount is every row in chat_message_join for the chat, including
	// rows an export later filters out.
	MessageCount  int
	LastMessageAt time.Time
}

// ChatStats are per-chat aggregates over chat_message_join.
type ChatStats struct {
	MessageCount  int
	LastMessageAt time.Time
}

// Chats returns the raw chat rows in ROWID order.
func (r *Reader) Chats(ctx context.Context) ([]Conversation, error) {
	c := r.schema.Chat
	query := fmt.Sprintf(`SELECT c.ROWID, %s, COALESCE(c.chat_identifier, ''), %s, %s FROM chat c ORDER BY c.ROWID`,
		c.Or("c", "guid", "''"),
		c.Or("c", "display_name", "''"),
		c.Or("c", "service_name", "''"))

	var out []Conversation
	err := sqlitex.Retry(ctx, r.retries, func() error {
		out = out[:0]
		rows, err := r.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var conv Conversation
			if err := rows.Scan(&conv.ID, &conv.GUID, &conv.Identifier, &conv.DisplayName, &conv.Service); err != nil {
				return err
			}
			conv.DisplayName = strings.TrimSpace(conv.DisplayName)
			if conv.Service == "" {
				conv.Service = "Unknown"
			}
			out = append(out, conv)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("chatdb: list chats: %w", sqlitex.Classify(err))
	}
	return out, nil
}

// Stats aggregates message counts and last activity per chat.
func (r *Reader) Stats(ctx context.Context) (map[int64]ChatStats, error) {
	if err := r.schema.Require("message", r.schema.Message, "date"); err != nil {
		return nil, err
	}
	const query = `SELECT cmj.chat_id, COUNT(*), MAX(CAST(m.date AS INTEGER))
		FROM chat_message_join cmj
		LEFT JOIN message m ON m.ROWID = cmj.message_id
		GROUP BY cmj.chat_id`

	out := map[int64]ChatStats{}
	err := sqlitex.Retry(ctx, r.retries, func() error {
		clear(out)
		rows, err := r.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				chatID int64
				count  int
				last   any
			)
			if err := rows.Scan(&chatID, &count, &last); err != nil {
				return err
			}
			at, _ := appleTime(last)
			out[chatID] = ChatStats{MessageCount: count, LastMessageAt: at}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("chatdb: chat stats: %w", sqlitex.Classify(err))
	}
	return out, nil
}

// Participants maps chat ROWID to its distinct handle identifiers. The same
// address reachable over several services appears once.
func (r *Reader) Participants(ctx context.Context) (map[int64][]string, error) {
	if err := r.schema.Require("handle", r.schema.Handle, "id"); err != nil {
		return nil, err
	}
	if err := r.schema.Require("chat_handle_join", r.schema.ChatHandleJoin, "chat_id", "handle_id"); err != nil {
		return nil, err
	}
	const query = `SELECT chj.chat_id, h.id
		FROM chat_handle_join chj
		JOIN handle h ON h.ROWID = chj.handle_id
		ORDER BY chj.chat_id, h.ROWID`

	out := map[int64][]string{}
	err := sqlitex.Retry(ctx, r.retries, func() error {
		clear(out)
		seen := map[int64]map[string]bool{}
		rows, err := r.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				chatID int64
				id     sql.NullString
			)
			if err := rows.Scan(&chatID, &id); err != nil {
				return err
			}
			handle := strings.TrimSpace(id.String)
			if handle == "" {
				continue
			}
			key := strings.ToLower(handle)
			if seen[chatID] == nil {
				seen[chatID] = map[string]bool{}
			}
			if seen[chatID][key] {
				continue
			}
			seen[chatID][key] = true
			out[chatID] = append(out[chatID], handle)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("chatdb: participants: %w", sqlitex.Classify(err))
	}
	return out, nil
}

// ListConversations returns every chat, most recently active first and ties
// broken by ascending ID. Failures of the auxiliary stats and participant
// queries are logged and leave those fields empty.
func (r *Reader) ListConversations(ctx context.Context) ([]Conversation, error) {
	convs, err := r.Chats(ctx)
	if err != nil {
		return nil, err
	}

	stats, err := r.Stats(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warn("chat stats unavailable", zap.Error(err))
	}
	parts, err := r.Participants(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warn("chat participants unavailable", zap.Error(err))
	}

	for i := range convs {
		s := stats[convs[i].ID]
		convs[i].MessageCount = s.MessageCount
		convs[i].LastMessageAt = s.LastMessageAt
		convs[i].Handles = parts[convs[i].ID]
	}
	SortByActivity(convs)
	return convs, nil
}

// SortByActivity orders conversations most recent first, then by ID.
func SortByActivity(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].LastMessageAt, convs[j].LastMessageAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return convs[i].ID < convs[j].ID
	})
}
