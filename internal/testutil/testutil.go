// Package testutil builds on-disk SQLite fixtures shaped like the Messages and
// AddressBook databases. It is imported by tests only.
package testutil

import (
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema/*.sql
var schemas embed.FS

// Variant selects the chat.db schema generation.
type Variant string

const (
	// Modern has every optional column plus the attachment tables.
	Modern Variant = "chatdb_modern"
	// Legacy has only the minimal required tables and columns.
	Legacy Variant = "chatdb_legacy"
)

// fixture is a writable SQLite file created from one embedded schema.
type fixture struct {
	t    testing.TB
	db   *sql.DB
	path string
	cols map[string]map[string]bool
}

func newFixture(t testing.TB, path, schema string) *fixture {
	t.Helper()
	ddl, err := schemas.ReadFile("schema/" + schema + ".sql")
	if err != nil {
		t.Fatalf("read schema %s: %v", schema, err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open fixture %s: %v", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(string(ddl)); err != nil {
		t.Fatalf("apply schema %s: %v", schema, err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{t: t, db: db, path: path, cols: map[string]map[string]bool{}}
	return f
}

func (f *fixture) columns(table string) map[string]bool {
	if c, ok := f.cols[table]; ok {
		return c
	}
	rows, err := f.db.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		f.t.Fatalf("table_info %s: %v", table, err)
	}
	defer func() { _ = rows.Close() }()
	c := map[string]bool{}
	for rows.Next() {
		var (
			cid, notNull, pk int
			name             string
			ctype            sql.NullString
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			f.t.Fatalf("scan table_info %s: %v", table, err)
		}
		c[name] = true
	}
	f.cols[table] = c
	return c
}

// insert writes the values whose columns exist in table and returns the new ROWID.
// Missing columns are skipped so one builder serves every schema variant.
func (f *fixture) insert(table string, values map[string]any) int64 {
	f.t.Helper()
	known := f.columns(table)
	names := make([]string, 0, len(values))
	for name := range values {
		if known[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	args := make([]any, len(names))
	for i, name := range names {
		args[i] = values[name]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table,
		strings.Join(names, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "))
	res, err := f.db.Exec(query, args...)
	if err != nil {
		f.t.Fatalf("insert %s: %v", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		f.t.Fatalf("last insert id %s: %v", table, err)
	}
	return id
}

// Exec runs raw SQL against the fixture, for shaping broken databases.
func (f *fixture) Exec(query string, args ...any) {
	f.t.Helper()
	if _, err := f.db.Exec(query, args...); err != nil {
		f.t.Fatalf("exec %q: %v", query, err)
	}
}

// Path is the fixture file location.
func (f *fixture) Path() string { return f.path }

var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// AppleNanos converts t to a modern chat.db date (nanoseconds since 2001-01-01).
func AppleNanos(t time.Time) int64 {
	return t.Sub(appleEpoch).Nanoseconds()
}

// AppleSeconds converts t to a legacy chat.db date (seconds since 2001-01-01).
func AppleSeconds(t time.Time) int64 {
	return int64(t.Sub(appleEpoch) / time.Second)
}

func dir(t testing.TB) string {
	return filepath.Clean(t.TempDir())
}
