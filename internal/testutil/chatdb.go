package testutil

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// BaseTime is the timestamp of the first auto-dated fixture message.
var BaseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// ChatDB builds a chat.db file.
type ChatDB struct {
	*fixture
	variant Variant
	nextMsg int
}

// Chat describes a chat row. Empty GUID and Service get defaults.
type Chat struct {
	GUID        string
	Identifier  string
	DisplayName string
	Service     string
}

// Message describes a message row. A nil Date is assigned BaseTime plus one
// minute per message added so far, in the variant's date unit.
type Message struct {
	GUID           string
	Text           string
	AttributedBody []byte
	Handle         int64
	FromMe         bool
	Date           any
	ItemType       int
	AssociatedType int
	Edited         bool
	Retracted      bool
}

// Attachment describes an attachment row linked to one message.
type Attachment struct {
	GUID         string
	Filename     string
	TransferName string
	MIMEType     string
	Size         int64
}

// NewChatDB creates an empty chat.db of the given variant in a temp dir.
func NewChatDB(t testing.TB, variant Variant) *ChatDB {
	t.Helper()
	path := filepath.Join(dir(t), "chat.db")
	return &ChatDB{fixture: newFixture(t, path, string(variant)), variant: variant}
}

// Handle inserts a handle and returns its ROWID.
func (c *ChatDB) Handle(id, service string) int64 {
	if service == "" {
		service = "iMessage"
	}
	return c.insert("handle", map[string]any{"id": id, "service": service, "country": "us"})
}

// AddChat inserts a chat, links the given handles, and returns its ROWID.
func (c *ChatDB) AddChat(ch Chat, handles ...int64) int64 {
	if ch.GUID == "" {
		ch.GUID = "iMessage;-;" + ch.Identifier
	}
	if ch.Service == "" {
		ch.Service = "iMessage"
	}
	values := map[string]any{
		"guid":            ch.GUID,
		"chat_identifier": ch.Identifier,
		"service_name":    ch.Service,
		"style":           45,
	}
	if ch.DisplayName != "" {
		values["display_name"] = ch.DisplayName
	}
	id := c.insert("chat", values)
	for _, h := range handles {
		c.insert("chat_handle_join", map[string]any{"chat_id": id, "handle_id": h})
	}
	return id
}

// AddMessage inserts a message joined to chatID and returns its ROWID.
func (c *ChatDB) AddMessage(chatID int64, m Message) int64 {
	c.nextMsg++
	if m.GUID == "" {
		m.GUID = fmt.Sprintf("msg-%d", c.nextMsg)
	}
	date := m.Date
	if date == nil {
		at := BaseTime.Add(time.Duration(c.nextMsg) * time.Minute)
		if c.variant == Legacy {
			date = AppleSeconds(at)
		} else {
			date = AppleNanos(at)
		}
	}
	values := map[string]any{
		"guid":                    m.GUID,
		"handle_id":               m.Handle,
		"service":                 "iMessage",
		"date":                    date,
		"is_from_me":              boolInt(m.FromMe),
		"item_type":               m.ItemType,
		"associated_message_type": m.AssociatedType,
	}
	if m.Text != "" {
		values["text"] = m.Text
	}
	if m.AttributedBody != nil {
		values["attributedBody"] = m.AttributedBody
	}
	if m.Edited {
		values["date_edited"] = AppleNanos(BaseTime.Add(time.Hour))
	}
	if m.Retracted {
		values["date_retracted"] = AppleNanos(BaseTime.Add(time.Hour))
	}
	id := c.insert("message", values)
	c.insert("chat_message_join", map[string]any{"chat_id": chatID, "message_id": id, "message_date": date})
	return id
}

// AddAttachment inserts an attachment linked to msgID and returns its ROWID.
func (c *ChatDB) AddAttachment(msgID int64, a Attachment) int64 {
	if a.GUID == "" {
		a.GUID = fmt.Sprintf("att-%d-%s", msgID, a.TransferName)
	}
	id := c.insert("attachment", map[string]any{
		"guid":          a.GUID,
		"filename":      a.Filename,
		"transfer_name": a.TransferName,
		"mime_type":     a.MIMEType,
		"total_bytes":   a.Size,
	})
	c.insert("message_attachment_join", map[string]any{"message_id": msgID, "attachment_id": id})
	c.Exec("UPDATE message SET cache_has_attachments = 1 WHERE ROWID = ?", msgID)
	return id
}

// AttributedBody encodes text the way Messages archives an NSAttributedString,
// enough for NSString extraction to find it.
func AttributedBody(text string) []byte {
	b := []byte("streamtyped\x81\xe8\x03\x84\x01@\x84\x84\x84\x12NSAttributedString\x00\x84\x84\x08NSObject\x00\x85\x92\x84\x84\x84\x08NSString\x01\x94\x84\x01+")
	n := len(text)
	switch {
	case n < 0x80:
		b = append(b, byte(n))
	case n < 0x10000:
		b = append(b, 0x81, byte(n), byte(n>>8))
	default:
		b = append(b, 0x82, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	}
	b = append(b, text...)
	return append(b, "\x86\x84\x02iI\x01"...)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
