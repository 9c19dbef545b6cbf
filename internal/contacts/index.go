// Package contacts resolves Messages handle identifiers (phone numbers and
// email addresses) to people's names using the local address book and
// optional YAML contact cards.
package contacts

import (
	"sort"
	"strings"
)

// Confidence tells how a name was matched.
type Confidence int

const (
	// Unresolved means no name was found; callers show the raw identifier.
	Unresolved Confidence = iota
	// Normalized means the match needed normalization or the suffix fallback.
	Normalized
	// Exact means the identifier as written is a key of the index.
	Exact
)

func (c Confidence) String() string {
	switch c {
	case Exact:
		return "exact"
	case Normalized:
		return "normalized"
	default:
		return "unresolved"
	}
}

func (c Confidence) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Confidence) UnmarshalText(b []byte) error {
	switch string(b) {
	case "exact":
		*c = Exact
	case "normalized":
		*c = Normalized
	default:
		*c = Unresolved
	}
	return nil
}

// Resolution is the outcome of one lookup.
type Resolution struct {
	Name       string     `json:"name,omitempty"`
	Confidence Confidence `json:"confidence"`
}

// Name is a person as read from a source.
type Name struct {
	First   string
	Last    string
	Display string
}

func newName(first, last, fallback string) (Name, bool) {
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	display := strings.TrimSpace(first + " " + last)
	if display == "" {
		display = strings.TrimSpace(fallback)
	}
	if display == "" {
		return Name{}, false
	}
	return Name{First: first, Last: last, Display: display}, true
}

// score prefers entries with both first and last names.
func (n Name) score() int {
	s := 0
	if n.First != "" {
		s++
	}
	if n.Last != "" {
		s++
	}
	return s
}

// Index maps normalized identifiers to names. It is immutable once built and
// safe for concurrent lookups.
type Index struct {
	names map[string]Name
	// suffix maps the last ten digits of a number to a name when exactly one
	// person owns that suffix.
	suffix    map[string]Name
	ambiguous map[string]bool
	sources   []string
}

func newIndex() *Index {
	return &Index{names: map[string]Name{}, suffix: map[string]Name{}, ambiguous: map[string]bool{}}
}

// upsertBest keeps the higher scoring name for key.
func (x *Index) upsertBest(key string, n Name) {
	if cur, ok := x.names[key]; ok && n.score() <= cur.score() {
		return
	}
	x.names[key] = n
}

func (x *Index) set(key string, n Name, override bool) {
	if override {
		x.names[key] = n
		return
	}
	x.upsertBest(key, n)
}

func (x *Index) addSuffix(s string, n Name, override bool) {
	if override {
		delete(x.ambiguous, s)
		x.suffix[s] = n
		return
	}
	if x.ambiguous[s] {
		return
	}
	cur, ok := x.suffix[s]
	switch {
	case !ok:
		x.suffix[s] = n
	case cur.Display != n.Display:
		delete(x.suffix, s)
		x.ambiguous[s] = true
	case n.score() > cur.score():
		x.suffix[s] = n
	}
}

func (x *Index) addPhone(raw string, n Name, override bool) {
	for _, k := range PhoneKeys(raw) {
		x.set(k, n, override)
	}
	if s := suffixKey(raw); s != "" {
		x.addSuffix(s, n, override)
	}
}

func (x *Index) addEmail(raw string, n Name, override bool) {
	if k := normalizeEmail(raw); k != "" {
		x.set(k, n, override)
	}
}

// merge folds other into x. Overriding sources replace existing entries,
// the rest resolve conflicts by score.
func (x *Index) merge(other *Index, override bool) {
	for k, n := range other.names {
		x.set(k, n, override)
	}
	for s, n := range other.suffix {
		x.addSuffix(s, n, override)
	}
	for s := range other.ambiguous {
		if override {
			continue
		}
		delete(x.suffix, s)
		x.ambiguous[s] = true
	}
	x.sources = append(x.sources, other.sources...)
}

// Len is the number of indexed identifiers.
func (x *Index) Len() int { return len(x.names) }

// Sources lists where entries were loaded from.
func (x *Index) Sources() []string { return append([]string(nil), x.sources...) }

// Resolve looks up a handle identifier. Handle details may list several
// identifiers separated by whitespace; the first match wins.
func (x *Index) Resolve(identifier string) Resolution {
	for _, part := range strings.Fields(identifier) {
		if n, ok := x.names[part]; ok {
			return Resolution{Name: n.Display, Confidence: Exact}
		}
		if looksLikeEmail(part) {
			if n, ok := x.names[normalizeEmail(part)]; ok {
				return Resolution{Name: n.Display, Confidence: Normalized}
			}
			continue
		}
		for _, k := range PhoneKeys(part) {
			if n, ok := x.names[k]; ok {
				return Resolution{Name: n.Display, Confidence: Normalized}
			}
		}
	}
	for _, part := range strings.Fields(identifier) {
		if looksLikeEmail(part) {
			continue
		}
		if n, ok := x.suffix[suffixKey(part)]; ok {
			return Resolution{Name: n.Display, Confidence: Normalized}
		}
	}
	return Resolution{Confidence: Unresolved}
}

// Names returns the distinct display names, sorted.
func (x *Index) Names() []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range x.names {
		if !seen[n.Display] {
			seen[n.Display] = true
			out = append(out, n.Display)
		}
	}
	sort.Strings(out)
	return out
}
