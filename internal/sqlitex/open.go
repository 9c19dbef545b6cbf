// Package sqlitex holds the read-only SQLite plumbing shared by the Messages
// and AddressBook readers: opening with error classification, column
// introspection for drifting schemas, and bounded retry on writer locks.
package sqlitex

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound means the database file does not exist.
	ErrNotFound = errors.New("database not found")
	// ErrPermissionDenied means the OS refused read access (e.g. Full Disk Access not granted).
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidDatabase means the file is not a usable SQLite database of the expected kind.
	ErrInvalidDatabase = errors.New("invalid database")
)

var sqliteHeader = []byte("SQLite format 3\x00")

// DefaultBusyTimeout is how long SQLite itself waits on a writer lock per statement.
const DefaultBusyTimeout = 2 * time.Second

// OpenReadOnly opens path for reading only and verifies it is reachable.
// Failures are classified into ErrNotFound, ErrPermissionDenied and
// ErrInvalidDatabase so callers can report them verbatim.
func OpenReadOnly(ctx context.Context, path string, busyTimeout time.Duration) (*sql.DB, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case errors.Is(err, os.ErrPermission):
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", path, err)
	case info.IsDir():
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidDatabase, path)
	}

	if err := probe(path); err != nil {
		return nil, err
	}

	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_query_only=true&_busy_timeout=%d",
		escapePath(path), busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Classify(fmt.Errorf("ping %s: %w", path, err))
	}
	return db, nil
}

// probe reads the file header directly. macOS privacy controls deny the
// open(2) here, which is the clearest signal of missing access.
func probe(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("%w: %s: short header", ErrInvalidDatabase, path)
	}
	if !bytes.Equal(header, sqliteHeader) {
		return fmt.Errorf("%w: %s: not a SQLite file", ErrInvalidDatabase, path)
	}
	return nil
}

// Classify maps driver errors onto the package sentinels. Unknown errors are
// returned unchanged.
func Classify(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrCantOpen:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
		return fmt.Errorf("%w: %v", ErrInvalidDatabase, err)
	}
	return err
}

// IsTransient reports whether err is a writer-in-progress condition worth retrying.
func IsTransient(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

func escapePath(p string) string {
	r := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")
	return r.Replace(p)
}
