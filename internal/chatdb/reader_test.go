package chatdb

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chattomap/ctm/internal/testutil"
)

func openFixture(t *testing.T, fx *testutil.ChatDB, opts Options) *Reader {
	t.Helper()
	r, err := Open(context.Background(), fx.Path(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestOpenClassifiesFailures(t *testing.T) {
	dir := t.TempDir()

	notSQLite := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notSQLite, []byte("definitely not a database file"), 0o600); err != nil {
		t.Fatal(err)
	}

	empty := filepath.Join(dir, "empty.db")
	db, err := sql.Open("sqlite3", empty)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("CREATE TABLE unrelated (a INTEGER)"); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing file", filepath.Join(dir, "nope.db"), ErrNotFound},
		{"not sqlite", notSQLite, ErrInvalidDatabase},
		{"directory", dir, ErrInvalidDatabase},
		{"sqlite without messages tables", empty, ErrInvalidDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), tt.path, Options{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Open(%s) error = %v, want %v", tt.name, err, tt.want)
			}
		})
	}
}

func TestOpenPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	fx := testutil.NewChatDB(t, testutil.Modern)
	if err := os.Chmod(fx.Path(), 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(fx.Path(), 0o600) })

	_, err := Open(context.Background(), fx.Path(), Options{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("error = %v, want ErrPermissionDenied", err)
	}
}

func TestOpenIntrospectsSchema(t *testing.T) {
	modern := openFixture(t, testutil.NewChatDB(t, testutil.Modern), Options{})
	s := modern.Schema()
	if !s.HasAttachments {
		t.Error("modern schema should report attachments")
	}
	for _, col := range []string{"attributedBody", "date_edited", "associated_message_type"} {
		if !s.Message.Has(col) {
			t.Errorf("modern schema missing message.%s", col)
		}
	}

	legacy := openFixture(t, testutil.NewChatDB(t, testutil.Legacy), Options{})
	ls := legacy.Schema()
	if ls.HasAttachments {
		t.Error("legacy schema should not report attachments")
	}
	if ls.Message.Has("attributedBody") {
		t.Error("legacy schema should not have attributedBody")
	}
}

func TestCheckAccess(t *testing.T) {
	fx := testutil.NewChatDB(t, testutil.Modern)
	if err := CheckAccess(context.Background(), fx.Path()); err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	err := CheckAccess(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("CheckAccess(missing) = %v, want ErrNotFound", err)
	}
}
