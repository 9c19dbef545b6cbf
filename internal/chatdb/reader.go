// Package chatdb reads the Messages database (chat.db) without ever writing to
// it. Column sets are introspected at open so older and newer OS schemas both
// work; optional columns that are absent read as defaults.
package chatdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/chattomap/ctm/internal/sqlitex"
)

// Tables every supported chat.db has.
var requiredTables = []string{"chat", "message", "handle", "chat_message_join", "chat_handle_join"}

const (
	DefaultPageSize          = 500
	DefaultMaxAttachmentSize = 100 << 20
	defaultRetryAttempts     = 5
)

// Options tune a Reader. Zero values pick defaults.
type Options struct {
	BusyTimeout       time.Duration
	PageSize          int
	MaxAttachmentSize int64
	Logger            *zap.Logger
}

// Schema is the column inventory taken at open.
type Schema struct {
	Chat            sqlitex.Columns
	Message         sqlitex.Columns
	Handle          sqlitex.Columns
	ChatMessageJoin sqlitex.Columns
	ChatHandleJoin  sqlitex.Columns
	Attachment      sqlitex.Columns
	// HasAttachments is true when both attachment tables exist.
	HasAttachments bool
}

// Require returns a *SchemaError for the first column of table that is absent.
func (s Schema) Require(table string, cols sqlitex.Columns, names ...string) error {
	for _, n := range names {
		if !cols.Has(n) {
			return &SchemaError{Table: table, Column: n}
		}
	}
	return nil
}

// Reader is a read-only handle on one chat.db. Safe for concurrent use.
type Reader struct {
	db       *sql.DB
	path     string
	schema   Schema
	pageSize int
	maxAtt   int64
	retries  int
	log      *zap.Logger
}

// Open validates and opens the database at path.
func Open(ctx context.Context, path string, opts Options) (*Reader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("chatdb: resolve %s: %w", path, err)
	}
	db, err := sqlitex.OpenReadOnly(ctx, abs, opts.BusyTimeout)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		db:       db,
		path:     abs,
		pageSize: opts.PageSize,
		maxAtt:   opts.MaxAttachmentSize,
		retries:  defaultRetryAttempts,
		log:      opts.Logger,
	}
	if r.pageSize <= 0 {
		r.pageSize = DefaultPageSize
	}
	if r.maxAtt <= 0 {
		r.maxAtt = DefaultMaxAttachmentSize
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}

	if err := r.introspect(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r.log.Debug("chat.db opened",
		zap.String("path", abs),
		zap.Bool("attachments", r.schema.HasAttachments),
		zap.Bool("attributed_body", r.schema.Message.Has("attributedBody")))
	return r, nil
}

func (r *Reader) introspect(ctx context.Context) error {
	for _, t := range requiredTables {
		ok, err := sqlitex.TableExists(ctx, r.db, t)
		if err != nil {
			return fmt.Errorf("chatdb: check table %s: %w", t, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s has no %s table", ErrInvalidDatabase, r.path, t)
		}
	}

	cols := map[string]*sqlitex.Columns{
		"chat":              &r.schema.Chat,
		"message":           &r.schema.Message,
		"handle":            &r.schema.Handle,
		"chat_message_join": &r.schema.ChatMessageJoin,
		"chat_handle_join":  &r.schema.ChatHandleJoin,
		"attachment":        &r.schema.Attachment,
	}
	for table, dst := range cols {
		c, err := sqlitex.TableColumns(ctx, r.db, table)
		if err != nil {
			return fmt.Errorf("chatdb: introspect: %w", err)
		}
		*dst = c
	}

	hasJoin, err := sqlitex.TableExists(ctx, r.db, "message_attachment_join")
	if err != nil {
		return fmt.Errorf("chatdb: check table message_attachment_join: %w", err)
	}
	r.schema.HasAttachments = hasJoin && len(r.schema.Attachment) > 0

	// Listing conversations needs only these; message and handle columns are
	// checked by the queries that use them.
	if err := r.schema.Require("chat", r.schema.Chat, "chat_identifier"); err != nil {
		return err
	}
	return r.schema.Require("chat_message_join", r.schema.ChatMessageJoin, "chat_id", "message_id")
}

// Path is the absolute database path.
func (r *Reader) Path() string { return r.path }

// Schema returns the column inventory.
func (r *Reader) Schema() Schema { return r.schema }

// Close releases the database handle.
func (r *Reader) Close() error { return r.db.Close() }

// CheckAccess opens and closes path, reporting the same errors Open would.
func CheckAccess(ctx context.Context, path string) error {
	r, err := Open(ctx, path, Options{})
	if err != nil {
		return err
	}
	return r.Close()
}

func (r *Reader) homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
