package chatdb

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/chattomap/ctm/internal/sqlitex"
)

// Flags classify a message row.
type Flags uint8

const (
	FlagSystem Flags = 1 << iota
	FlagReaction
	FlagRetracted
	FlagEdited
)

// Has reports whether every bit of f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Tapbacks and sticker reactions live in this associated_message_type range.
const (
	reactionMin = 2000
	reactionMax = 3999
)

// Message is one decoded row of a conversation stream.
type Message struct {
	RowID int64
	GUID  string
	// Seq is the 1-based position within the conversation stream.
	Seq      int
	Time     time.Time
	Sender   string
	IsFromMe bool
	Body     string
	Flags    Flags

	Attachments []AttachmentRef

	Degraded       bool
	DegradedReason string

	sortKey int64
}

// Cursor marks a position in a conversation stream. The zero Cursor is the start.
type Cursor struct {
	Date  int64
	RowID int64
	Seq   int
}

// Cursor returns the position just after m.
func (m Message) Cursor() Cursor {
	return Cursor{Date: m.sortKey, RowID: m.RowID, Seq: m.Seq}
}

// AttachmentRef locates an attachment payload on disk.
type AttachmentRef struct {
	RowID    int64
	GUID     string
	Path     string
	Name     string
	MIMEType string
	Size     int64
}

// Integer form of message.date used for ordering; malformed values sort as 0.
const dateKey = "COALESCE(CAST(m.date AS INTEGER), 0)"

// Messages streams the messages of one chat in (date, ROWID) order starting
// after the cursor. Each page is a separate short query, so iteration can stop
// and later resume from the last Message's Cursor.
func (r *Reader) Messages(ctx context.Context, chatID int64, after Cursor) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if err := r.schema.Require("message", r.schema.Message, "date", "is_from_me", "handle_id"); err != nil {
			yield(Message{}, err)
			return
		}
		if err := r.schema.Require("handle", r.schema.Handle, "id"); err != nil {
			yield(Message{}, err)
			return
		}

		cur := after
		for {
			if err := ctx.Err(); err != nil {
				yield(Message{}, err)
				return
			}
			var page []Message
			err := sqlitex.Retry(ctx, r.retries, func() error {
				var err error
				page, err = r.page(ctx, chatID, cur)
				return err
			})
			if err != nil {
				yield(Message{}, fmt.Errorf("chatdb: messages of chat %d: %w", chatID, sqlitex.Classify(err)))
				return
			}
			for _, m := range page {
				cur.Seq++
				m.Seq = cur.Seq
				cur.Date, cur.RowID = m.sortKey, m.RowID
				if !yield(m, nil) {
					return
				}
			}
			if len(page) < r.pageSize {
				return
			}
		}
	}
}

func (r *Reader) messageQuery() string {
	m := r.schema.Message
	return fmt.Sprintf(`SELECT m.ROWID, %s, %s, %s, m.date, %s, m.is_from_me, COALESCE(h.id, ''),
			%s, %s, %s, %s
		FROM chat_message_join cmj
		JOIN message m ON m.ROWID = cmj.message_id
		LEFT JOIN handle h ON h.ROWID = m.handle_id
		WHERE cmj.chat_id = ? AND (%s > ? OR (%s = ? AND m.ROWID > ?))
		ORDER BY %s, m.ROWID
		LIMIT ?`,
		m.Or("m", "guid", "''"),
		m.Or("m", "text", "NULL"),
		m.Or("m", "attributedBody", "NULL"),
		dateKey,
		m.Or("m", "item_type", "0"),
		m.Or("m", "associated_message_type", "0"),
		m.Or("m", "date_retracted", "0"),
		m.Or("m", "date_edited", "0"),
		dateKey, dateKey, dateKey)
}

func (r *Reader) page(ctx context.Context, chatID int64, cur Cursor) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, r.messageQuery(),
		chatID, cur.Date, cur.Date, cur.RowID, r.pageSize)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var page []Message
	for rows.Next() {
		var (
			m         Message
			text      sql.NullString
			body      []byte
			rawDate   any
			fromMe    sql.NullInt64
			itemType  sql.NullInt64
			assocType sql.NullInt64
			retracted any
			edited    any
		)
		if err := rows.Scan(&m.RowID, &m.GUID, &text, &body, &rawDate, &m.sortKey, &fromMe, &m.Sender,
			&itemType, &assocType, &retracted, &edited); err != nil {
			return nil, err
		}
		decodeRow(&m, text, body, rawDate, fromMe, itemType, assocType, retracted, edited)
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if r.schema.HasAttachments && len(page) > 0 {
		if err := r.attachRefs(ctx, page); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// decodeRow fills m from loosely typed columns. Problems degrade the row
// instead of failing the stream.
func decodeRow(m *Message, text sql.NullString, body []byte, rawDate any,
	fromMe, itemType, assocType sql.NullInt64, retracted, edited any) {
	var reasons []string

	t, reason := appleTime(rawDate)
	m.Time = t
	if reason != "" {
		reasons = append(reasons, reason)
	}

	m.IsFromMe = fromMe.Int64 != 0
	if m.IsFromMe {
		m.Sender = ""
	}

	m.Body = cleanBody(text.String)
	if m.Body == "" && len(body) > 0 {
		extracted := textFromAttributedBody(body)
		if extracted == "" {
			reasons = append(reasons, "undecodable attributed body")
		}
		m.Body = cleanBody(extracted)
	}

	if itemType.Int64 != 0 {
		m.Flags |= FlagSystem
	}
	if assocType.Int64 >= reactionMin && assocType.Int64 <= reactionMax {
		m.Flags |= FlagReaction
	}
	if positive(retracted) {
		m.Flags |= FlagRetracted
	}
	if positive(edited) {
		m.Flags |= FlagEdited
	}

	if len(reasons) > 0 {
		m.Degraded = true
		m.DegradedReason = strings.Join(reasons, "; ")
	}
}

func positive(v any) bool {
	switch x := v.(type) {
	case int64:
		return x > 0
	case float64:
		return x > 0
	}
	return false
}

// attachRefs loads attachment rows for a page in one query.
func (r *Reader) attachRefs(ctx context.Context, page []Message) error {
	a := r.schema.Attachment
	index := make(map[int64]int, len(page))
	ids := make([]any, len(page))
	for i, m := range page {
		index[m.RowID] = i
		ids[i] = m.RowID
	}
	query := fmt.Sprintf(`SELECT maj.message_id, a.ROWID, %s, %s, %s, %s, %s
		FROM message_attachment_join maj
		JOIN attachment a ON a.ROWID = maj.attachment_id
		WHERE maj.message_id IN (%s)
		ORDER BY maj.message_id, a.ROWID`,
		a.Or("a", "guid", "''"),
		a.Or("a", "filename", "''"),
		a.Or("a", "transfer_name", "''"),
		a.Or("a", "mime_type", "''"),
		a.Or("a", "total_bytes", "0"),
		strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","))

	rows, err := r.db.QueryContext(ctx, query, ids...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			msgID int64
			ref   AttachmentRef
		)
		if err := rows.Scan(&msgID, &ref.RowID, &ref.GUID, &ref.Path, &ref.Name, &ref.MIMEType, &ref.Size); err != nil {
			return err
		}
		if ref.GUID == "" {
			ref.GUID = fmt.Sprintf("attachment-%d", ref.RowID)
		}
		if i, ok := index[msgID]; ok {
			page[i].Attachments = append(page[i].Attachments, ref)
		}
	}
	return rows.Err()
}
