package export

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/chattomap/ctm/internal/catalog"
	"github.com/chattomap/ctm/internal/chatdb"
	"github.com/chattomap/ctm/internal/contacts"
)

const (
	// FormatVersion is the archive layout version the processing service expects.
	FormatVersion = "2.0"
	SourceName    = "imessage"
	ManifestName  = "manifest.json"

	selfName    = "Me"
	unknownName = "Unknown"
)

// Manifest describes the whole archive.
type Manifest struct {
	FormatVersion      string         `json:"format_version"`
	Source             string         `json:"source"`
	ExportDate         string         `json:"export_date"`
	ChatCount          int            `json:"chat_count"`
	TotalMessages      int            `json:"total_messages"`
	TotalAttachments   int            `json:"total_attachments"`
	MissingAttachments int            `json:"missing_attachments"`
	Chats              []ManifestChat `json:"chats"`
}

// ManifestChat indexes one conversation document.
type ManifestChat struct {
	File         string `json:"file"`
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	MessageCount int    `json:"message_count"`
}

// Document is one conversation file.
type Document struct {
	FormatVersion string   `json:"format_version"`
	Meta          Meta     `json:"meta"`
	Messages      []Record `json:"messages"`
}

// Meta describes the conversation a Document holds.
type Meta struct {
	ID           int64                 `json:"id"`
	GUID         string                `json:"guid"`
	Name         string                `json:"name"`
	Identifier   string                `json:"identifier"`
	Service      string                `json:"service"`
	Participants []catalog.Participant `json:"participants"`
	// MessageCount is the number of records in the document.
	MessageCount int `json:"message_count"`
	// SourceMessageCount is the raw row count, including skipped rows.
	SourceMessageCount int `json:"source_message_count"`
}

// Record is one exported message.
type Record struct {
	ID             string             `json:"id"`
	Seq            int                `json:"seq"`
	Timestamp      string             `json:"timestamp"`
	Sender         string             `json:"sender"`
	SenderID       string             `json:"sender_id,omitempty"`
	IsFromMe       bool               `json:"is_from_me"`
	Body           string             `json:"body"`
	Edited         bool               `json:"edited"`
	Degraded       bool               `json:"degraded"`
	DegradedReason string             `json:"degraded_reason,omitempty"`
	Attachments    []AttachmentRecord `json:"attachments,omitempty"`
}

// AttachmentRecord points at an archive entry or says why there is none.
type AttachmentRecord struct {
	Path          string `json:"path,omitempty"`
	Name          string `json:"name"`
	MIMEType      string `json:"mime_type,omitempty"`
	Size          int64  `json:"size"`
	Missing       bool   `json:"attachment_missing,omitempty"`
	MissingReason string `json:"missing_reason,omitempty"`
}

// ReasonExcluded marks attachments left out because payloads were not requested.
const ReasonExcluded = "excluded"

// Exportable reports whether m belongs in an archive: system rows, reactions
// and retracted messages are skipped, as is anything with nothing to show.
func Exportable(m chatdb.Message) bool {
	if m.Flags&(chatdb.FlagSystem|chatdb.FlagReaction|chatdb.FlagRetracted) != 0 {
		return false
	}
	return m.Body != "" || len(m.Attachments) > 0
}

// senders maps handle identifiers to display labels for one conversation.
type senders map[string]string

func newSenders(conv catalog.Conversation) senders {
	s := senders{}
	for _, p := range conv.Participants {
		s[p.Identifier] = p.Label()
	}
	return s
}

func (s senders) label(m chatdb.Message, res catalog.Resolver) string {
	switch {
	case m.IsFromMe:
		return selfName
	case m.Sender == "":
		return unknownName
	}
	if l, ok := s[m.Sender]; ok {
		return l
	}
	// Senders that left a group are not in chat_handle_join.
	if res != nil {
		if r := res.Resolve(m.Sender); r.Confidence != contacts.Unresolved {
			return r.Name
		}
	}
	return m.Sender
}

func newRecord(m chatdb.Message, sender string) Record {
	r := Record{
		ID:             m.GUID,
		Seq:            m.Seq,
		Sender:         sender,
		IsFromMe:       m.IsFromMe,
		Body:           m.Body,
		Edited:         m.Flags.Has(chatdb.FlagEdited),
		Degraded:       m.Degraded,
		DegradedReason: m.DegradedReason,
	}
	if !m.IsFromMe {
		r.SenderID = m.Sender
	}
	if r.ID == "" {
		r.ID = fmt.Sprintf("message-%d", m.RowID)
	}
	if !m.Time.IsZero() {
		r.Timestamp = m.Time.UTC().Format(time.RFC3339)
	}
	return r
}

func documentName(i int) string {
	return fmt.Sprintf("chat_%03d.json", i+1)
}

// attachmentPath is the stable archive path of an attachment payload.
func attachmentPath(ref chatdb.AttachmentRef) string {
	return path.Join("attachments", sanitize(ref.GUID, "attachment"), attachmentName(ref))
}

func attachmentName(ref chatdb.AttachmentRef) string {
	name := ref.Name
	if strings.TrimSpace(name) == "" {
		name = path.Base(strings.ReplaceAll(ref.Path, "\\", "/"))
	}
	return sanitize(name, "attachment")
}

// sanitize makes s safe as a single zip path element.
func sanitize(s, fallback string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	s = strings.Trim(s, ". ")
	if s == "" {
		return fallback
	}
	return s
}

// compressed reports MIME types not worth deflating again.
func compressed(mime string) bool {
	switch {
	case strings.HasPrefix(mime, "image/"), strings.HasPrefix(mime, "video/"), strings.HasPrefix(mime, "audio/"):
		return true
	case mime == "application/zip", mime == "application/gzip", mime == "application/pdf":
		return true
	}
	return false
}
