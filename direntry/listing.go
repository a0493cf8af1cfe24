package direntry

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ScanOptions controls how a Listing is built from local disk.
type ScanOptions struct {
	// CaseSensitive selects the ordering/equality discipline for this
	// listing (the session's global capability bit).
	CaseSensitive bool
	// MixedOS excludes "*.lnk" entries, mirroring the server/client
	// suppressing Windows shortcut files on a cross-platform session.
	MixedOS bool
	// Checksum enables per-regular-file checksum computation.
	Checksum bool
}

// Listing is a directory's entries plus its absolute local path.
// Entries are always kept sorted per ScanOptions.CaseSensitive.
type Listing struct {
	Path          string
	Entries       []*Entry
	CaseSensitive bool
}

// NewListing creates an empty, already-sorted listing for path.
func NewListing(path string, caseSensitive bool) *Listing {
	return &Listing{Path: path, CaseSensitive: caseSensitive}
}

// Scan builds a listing for a local directory: skips ".", "..", and
// (on mixed-OS sessions) "*.lnk" entries, lstats each remaining entry,
// and sorts the result (spec §4.2).
func Scan(path string, opts ScanOptions) (*Listing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "direntry: open %s", path)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, errors.Wrapf(err, "direntry: readdir %s", path)
	}

	l := NewListing(path, opts.CaseSensitive)
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		if opts.MixedOS && strings.HasSuffix(strings.ToLower(name), ".lnk") {
			continue
		}
		e, err := FromFile(path, name, opts)
		if err != nil {
			return nil, err
		}
		l.Entries = append(l.Entries, e)
	}
	l.Sort()
	return l, nil
}

// Sort re-sorts the listing's entries per its case-sensitivity.
func (l *Listing) Sort() {
	sortEntries(l.Entries, l.CaseSensitive)
}

// Locate binary-searches for name using the listing's declared
// ordering, returning the entry, its index, and whether it was found.
func (l *Listing) Locate(name string) (*Entry, int, bool) {
	i := sort.Search(len(l.Entries), func(i int) bool {
		return compareNames(l.Entries[i].Name, name, l.CaseSensitive) >= 0
	})
	if i < len(l.Entries) && compareNames(l.Entries[i].Name, name, l.CaseSensitive) == 0 {
		return l.Entries[i], i, true
	}
	return nil, i, false
}

// Insert places e at position at without re-sorting the slice; the
// caller chooses an at that keeps the listing in order.
func (l *Listing) Insert(e *Entry, at int) {
	l.Entries = append(l.Entries, nil)
	copy(l.Entries[at+1:], l.Entries[at:])
	l.Entries[at] = e
}

// Remove deletes the entry at index i.
func (l *Listing) Remove(i int) {
	l.Entries = append(l.Entries[:i], l.Entries[i+1:]...)
}

// FoldEquals reports whether name collides with the entry at index i
// under case-fold comparison — used for the ambiguous-sibling rule.
func (l *Listing) FoldEquals(i int, name string) bool {
	if i < 0 || i >= len(l.Entries) {
		return false
	}
	return foldEqual(l.Entries[i].Name, name)
}
