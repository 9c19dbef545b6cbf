package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// AddressBook builds a contacts database in the macOS or iOS shape.
type AddressBook struct {
	*fixture
	ios bool
}

// Person is one contact card.
type Person struct {
	First        string
	Last         string
	Nickname     string
	Organization string
	Phones       []string
	Emails       []string
}

// NewMacAddressBook creates AddressBook-v22.abcddb at path, creating parent dirs.
func NewMacAddressBook(t testing.TB, path string) *AddressBook {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	return &AddressBook{fixture: newFixture(t, path, "addressbook_macos")}
}

// NewIOSAddressBook creates an iOS backup style AddressBook.sqlitedb in a temp dir.
func NewIOSAddressBook(t testing.TB) *AddressBook {
	t.Helper()
	path := filepath.Join(dir(t), "AddressBook.sqlitedb")
	return &AddressBook{fixture: newFixture(t, path, "addressbook_ios"), ios: true}
}

// Add inserts a person with their phones and emails.
func (a *AddressBook) Add(p Person) {
	if a.ios {
		a.insert("ABPersonFullTextSearch_content", map[string]any{
			"c0First":  nullable(p.First),
			"c1Last":   nullable(p.Last),
			"c16Phone": strings.Join(p.Phones, " "),
			"c17Email": strings.Join(p.Emails, " "),
		})
		return
	}
	owner := a.insert("ZABCDRECORD", map[string]any{
		"Z_ENT":         19,
		"ZFIRSTNAME":    nullable(p.First),
		"ZLASTNAME":     nullable(p.Last),
		"ZNICKNAME":     nullable(p.Nickname),
		"ZORGANIZATION": nullable(p.Organization),
	})
	for _, phone := range p.Phones {
		a.insert("ZABCDPHONENUMBER", map[string]any{"ZOWNER": owner, "ZFULLNUMBER": phone})
	}
	for _, email := range p.Emails {
		a.insert("ZABCDEMAILADDRESS", map[string]any{
			"ZOWNER":             owner,
			"ZADDRESS":           email,
			"ZADDRESSNORMALIZED": strings.ToLower(email),
		})
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
