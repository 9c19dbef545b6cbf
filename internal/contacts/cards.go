package contacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Card is a hand-maintained contact stored as YAML. Cards override the
// address book.
type Card struct {
	Name         string   `yaml:"name"`
	PhoneNumbers []string `yaml:"phone_numbers,omitempty"`
	Emails       []string `yaml:"emails,omitempty"`
}

// loadCards reads every *.yml and *.yaml file in dir. A missing dir is not an
// error; unreadable or malformed files are skipped and reported in skipped.
func loadCards(dir string) (idx *Index, skipped []string, err error) {
	idx = newIndex()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("contacts: read cards %s: %w", dir, err)
	}

	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		card, err := readCard(path)
		if err != nil {
			skipped = append(skipped, path)
			continue
		}
		first, last, _ := strings.Cut(strings.TrimSpace(card.Name), " ")
		n, ok := newName(first, last, "")
		if !ok {
			skipped = append(skipped, path)
			continue
		}
		n.Display = strings.TrimSpace(card.Name)
		for _, p := range card.PhoneNumbers {
			idx.addPhone(p, n, false)
		}
		for _, m := range card.Emails {
			idx.addEmail(m, n, false)
		}
	}
	if len(idx.names) > 0 {
		idx.sources = []string{dir}
	}
	return idx, skipped, nil
}

func readCard(path string) (Card, error) {
	var c Card
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("contacts: parse %s: %w", path, err)
	}
	return c, nil
}

// SaveCard writes card to dir as <name>.yml and returns the file path.
func SaveCard(dir string, card Card) (string, error) {
	name := strings.TrimSpace(card.Name)
	if name == "" {
		return "", errors.New("contacts: card name is empty")
	}
	if len(card.PhoneNumbers) == 0 && len(card.Emails) == 0 {
		return "", errors.New("contacts: card needs a phone number or email")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("contacts: create %s: %w", dir, err)
	}
	data, err := yaml.Marshal(&card)
	if err != nil {
		return "", fmt.Errorf("contacts: marshal card: %w", err)
	}
	path := filepath.Join(dir, cardFilename(name))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("contacts: write %s: %w", path, err)
	}
	return path, nil
}

func cardFilename(name string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", ":", "-")
	return r.Replace(name) + ".yml"
}
