package contacts

import (
	"context"

	"go.uber.org/zap"
)

// Options select the sources Load reads.
type Options struct {
	// AddressBookPath is one explicit contacts database (macOS or iOS backup).
	// When set, AddressBookDir is ignored.
	AddressBookPath string
	// AddressBookDir is the macOS AddressBook directory to scan.
	AddressBookDir string
	// CardsDir holds YAML contact cards.
	CardsDir string
	Logger   *zap.Logger
}

// Resolver answers identifier lookups from a prebuilt Index.
type Resolver struct {
	idx *Index
}

// Disabled returns a resolver that never resolves anything.
func Disabled() *Resolver {
	return &Resolver{idx: newIndex()}
}

// Load builds a resolver from every available source. It never fails:
// unreadable sources are logged and skipped, and with no usable source every
// lookup is Unresolved.
func Load(ctx context.Context, opts Options) *Resolver {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var books []string
	switch {
	case opts.AddressBookPath != "":
		books = []string{opts.AddressBookPath}
	case opts.AddressBookDir != "":
		books = FindAddressBooks(opts.AddressBookDir)
	}

	idx := newIndex()
	for _, path := range books {
		if ctx.Err() != nil {
			break
		}
		sub, err := loadAddressBook(ctx, path)
		if err != nil {
			log.Warn("address book unavailable", zap.String("path", path), zap.Error(err))
			continue
		}
		idx.merge(sub, false)
	}

	if opts.CardsDir != "" {
		cards, skipped, err := loadCards(opts.CardsDir)
		switch {
		case err != nil:
			log.Warn("contact cards unavailable", zap.String("dir", opts.CardsDir), zap.Error(err))
		default:
			for _, p := range skipped {
				log.Warn("contact card skipped", zap.String("path", p))
			}
			idx.merge(cards, true)
		}
	}

	log.Info("contacts loaded",
		zap.Int("identifiers", idx.Len()),
		zap.Strings("sources", idx.sources))
	return &Resolver{idx: idx}
}

// Resolve looks up one handle identifier.
func (r *Resolver) Resolve(identifier string) Resolution {
	return r.idx.Resolve(identifier)
}

// Len is the number of indexed identifiers.
func (r *Resolver) Len() int { return r.idx.Len() }

// Sources lists the databases and card directories that contributed entries.
func (r *Resolver) Sources() []string { return r.idx.Sources() }

// Names returns the distinct resolved names, sorted.
func (r *Resolver) Names() []string { return r.idx.Names() }
