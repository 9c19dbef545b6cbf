package contacts

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chattomap/ctm/internal/sqlitex"
)

const addressBookFile = "AddressBook-v22.abcddb"

// iOS backups keep a full-text shadow table with these columns.
const iosTable = "ABPersonFullTextSearch_content"

// FindAddressBooks lists the macOS Contacts databases under dir: the root
// database plus one per account under Sources/.
func FindAddressBooks(dir string) []string {
	var out []string
	if root := filepath.Join(dir, addressBookFile); isFile(root) {
		out = append(out, root)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "Sources"))
	if err != nil {
		return out
	}
	var found []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if p := filepath.Join(dir, "Sources", e.Name(), addressBookFile); isFile(p) {
			found = append(found, p)
		}
	}
	sort.Strings(found)
	return append(out, found...)
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// loadAddressBook reads one contacts database, detecting the iOS or macOS shape.
func loadAddressBook(ctx context.Context, path string) (*Index, error) {
	db, err := sqlitex.OpenReadOnly(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	ios, err := sqlitex.TableExists(ctx, db, iosTable)
	if err != nil {
		return nil, err
	}
	var idx *Index
	if ios {
		idx, err = loadIOS(ctx, db)
	} else {
		idx, err = loadMacOS(ctx, db)
	}
	if err != nil {
		return nil, fmt.Errorf("contacts: read %s: %w", path, err)
	}
	idx.sources = []string{path}
	return idx, nil
}

func loadMacOS(ctx context.Context, db *sql.DB) (*Index, error) {
	for _, t := range []string{"ZABCDRECORD", "ZABCDPHONENUMBER", "ZABCDEMAILADDRESS"} {
		ok, err := sqlitex.TableExists(ctx, db, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: no %s table", sqlitex.ErrInvalidDatabase, t)
		}
	}
	rec, err := sqlitex.TableColumns(ctx, db, "ZABCDRECORD")
	if err != nil {
		return nil, err
	}
	emailCols, err := sqlitex.TableColumns(ctx, db, "ZABCDEMAILADDRESS")
	if err != nil {
		return nil, err
	}

	people := map[int64]Name{}
	query := fmt.Sprintf(`SELECT r.Z_PK, %s, %s, %s, %s FROM ZABCDRECORD r`,
		rec.Or("r", "ZFIRSTNAME", "''"),
		rec.Or("r", "ZLASTNAME", "''"),
		rec.Or("r", "ZNICKNAME", "''"),
		rec.Or("r", "ZORGANIZATION", "''"))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			pk                     int64
			first, last, nick, org string
		)
		if err := rows.Scan(&pk, &first, &last, &nick, &org); err != nil {
			_ = rows.Close()
			return nil, err
		}
		fallback := nick
		if strings.TrimSpace(fallback) == "" {
			fallback = org
		}
		if n, ok := newName(first, last, fallback); ok {
			people[pk] = n
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	idx := newIndex()
	err = eachOwned(ctx, db, `SELECT ZOWNER, ZFULLNUMBER FROM ZABCDPHONENUMBER WHERE ZFULLNUMBER IS NOT NULL`,
		func(owner int64, value string) {
			if n, ok := people[owner]; ok {
				idx.addPhone(value, n, false)
			}
		})
	if err != nil {
		return nil, err
	}

	emailExpr := emailCols.Or("e", "ZADDRESS", "''")
	if emailCols.Has("ZADDRESSNORMALIZED") {
		emailExpr = fmt.Sprintf("COALESCE(e.ZADDRESSNORMALIZED, %s)", emailExpr)
	}
	err = eachOwned(ctx, db, fmt.Sprintf(`SELECT e.ZOWNER, %s FROM ZABCDEMAILADDRESS e`, emailExpr),
		func(owner int64, value string) {
			if n, ok := people[owner]; ok {
				for _, addr := range strings.Fields(value) {
					idx.addEmail(addr, n, false)
				}
			}
		})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func eachOwned(ctx context.Context, db *sql.DB, query string, fn func(owner int64, value string)) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			owner sql.NullInt64
			value sql.NullString
		)
		if err := rows.Scan(&owner, &value); err != nil {
			_ = rows.Close()
			return err
		}
		if owner.Valid && value.String != "" {
			fn(owner.Int64, value.String)
		}
	}
	return closeRows(rows)
}

func loadIOS(ctx context.Context, db *sql.DB) (*Index, error) {
	cols, err := sqlitex.TableColumns(ctx, db, iosTable)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s, %s, %s, %s FROM %s`,
		cols.Or(iosTable, "c0First", "''"),
		cols.Or(iosTable, "c1Last", "''"),
		cols.Or(iosTable, "c16Phone", "''"),
		cols.Or(iosTable, "c17Email", "''"),
		iosTable)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	idx := newIndex()
	for rows.Next() {
		var first, last, phones, emails string
		if err := rows.Scan(&first, &last, &phones, &emails); err != nil {
			_ = rows.Close()
			return nil, err
		}
		n, ok := newName(first, last, "")
		if !ok {
			continue
		}
		// Both columns hold space separated variants.
		for _, p := range strings.Fields(phones) {
			idx.addPhone(p, n, false)
		}
		for _, e := range strings.Fields(emails) {
			idx.addEmail(e, n, false)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	return idx, nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}
