package sqlitex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Columns is the set of column names of one table, lowercased.
type Columns map[string]bool

// Has reports whether the table has the column (case-insensitive, as in SQLite).
func (c Columns) Has(name string) bool {
	return c[strings.ToLower(name)]
}

// Or renders alias.name when the column exists, otherwise the literal fallback.
// A non-NULL fallback also guards NULL values in existing columns.
func (c Columns) Or(alias, name, fallback string) string {
	if !c.Has(name) {
		return fallback
	}
	ref := alias + "." + name
	if fallback == "NULL" {
		return ref
	}
	return fmt.Sprintf("COALESCE(%s, %s)", ref, fallback)
}

// TableColumns returns the columns of table, or an empty set when the table is absent.
func TableColumns(ctx context.Context, db *sql.DB, table string) (Columns, error) {
	// PRAGMA arguments cannot be bound; table names come from our own constants.
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, Classify(fmt.Errorf("table_info %s: %w", table, err))
	}
	defer func() { _ = rows.Close() }()

	cols := Columns{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     sql.NullString
			notNull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

// TableExists reports whether a table or view with the given name exists.
func TableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type IN ('table','view') AND name = ? LIMIT 1`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, Classify(err)
	}
	return true, nil
}
