package doc

import (
	"errors"
	"fmt"
)

// ErrInvariant is wrapped by all invariant violations.
var ErrInvariant = errors.New("document invariant violated")

// Validate checks the structural invariants that must hold at every persisted
// write:
//   - every section page ID is a key of Pages
//   - the union of section page IDs equals the page key set, with no page
//     claimed by two sections
//   - sections are ordered by ascending first-page ordinal
//   - NumPages matches the page count
//   - metering counters are non-negative
//
// Sections are only required to cover all pages once classification has run,
// so coverage is enforced only when sections exist.
func (d *Document) Validate() error {
	if !d.Status.Known() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, d.Status)
	}

	if d.NumPages != len(d.Pages) {
		return fmt.Errorf("%w: num_pages=%d but %d pages", ErrInvariant, d.NumPages, len(d.Pages))
	}

	if len(d.Sections) > 0 {
		claimed := make(map[string]string, len(d.Pages)) // page id -> section id
		prevFirst := -1
		for _, s := range d.Sections {
			if len(s.PageIDs) == 0 {
				return fmt.Errorf("%w: section %s has no pages", ErrInvariant, s.ID)
			}
			for _, pid := range s.PageIDs {
				if _, ok := d.Pages[pid]; !ok {
					return fmt.Errorf("%w: section %s references unknown page %s", ErrInvariant, s.ID, pid)
				}
				if other, dup := claimed[pid]; dup {
					return fmt.Errorf("%w: page %s claimed by sections %s and %s", ErrInvariant, pid, other, s.ID)
				}
				claimed[pid] = s.ID
			}
			first := PageOrdinal(s.PageIDs[0])
			if first <= prevFirst {
				return fmt.Errorf("%w: section %s out of order", ErrInvariant, s.ID)
			}
			prevFirst = first
		}
		if len(claimed) != len(d.Pages) {
			return fmt.Errorf("%w: sections cover %d of %d pages", ErrInvariant, len(claimed), len(d.Pages))
		}
	}

	for stage, counters := range d.Metering {
		for key, v := range counters {
			if v < 0 {
				return fmt.Errorf("%w: negative metering %s/%s=%d", ErrInvariant, stage, key, v)
			}
		}
	}

	return nil
}
