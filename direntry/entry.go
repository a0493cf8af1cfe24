// Package direntry models one directory's sorted entry collection: the
// per-item metadata carried on the wire (name, type, size, mtime,
// permission/attribute bits, optional symlink target, optional
// checksum) and the local disk operations that read or apply it.
//
// The type is grounded on rclone's local backend (backend/local/local.go,
// metadata_unix.go, metadata_windows.go): attribute mapping is a direct
// translation of lstat/chmod/Windows-attribute calls into one packed
// word, the way local.Object maps os.FileInfo into fs.Metadata.
package direntry

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Type is the kind of filesystem object an Entry describes, using the
// original single-letter type codes.
type Type byte

// Entry types, matching the original FT_* enum byte-for-byte.
const (
	TypeUnknown   Type = 'U'
	TypeDirectory Type = 'D'
	TypeSymlink   Type = 'L'
	TypeRegular   Type = 'F'
	TypeFifo      Type = 'P'
)

func (t Type) String() string {
	switch t {
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	case TypeRegular:
		return "regular"
	case TypeFifo:
		return "fifo"
	default:
		return "unknown"
	}
}

// Info bit assignments within the packed attribute word, mirroring
// HOST_INFO in the original RdCommon.h.
const (
	InfoWindowsMask Info = 0xF0000600 // archive/system/hidden/read-only plus type

	InfoTypeMask Info = 0xF0000000
	InfoIsWhat   Info = 0x00000000
	InfoIsFile   Info = 0x10000000
	InfoIsLink   Info = 0x20000000
	InfoIsPath   Info = 0x30000000
	InfoIsPipe   Info = 0x40000000

	InfoAttrArchive  Info = 0x00080000
	InfoAttrSystem   Info = 0x00040000
	InfoAttrHidden   Info = 0x00020000
	InfoAttrReadOnly Info = 0x00010000

	InfoSetuid Info = 0x00008000
	InfoSetgid Info = 0x00004000
	InfoSticky Info = 0x00002000

	InfoRUsr Info = 0x00000400
	InfoWUsr Info = 0x00000200
	InfoXUsr Info = 0x00000100
	InfoRGrp Info = 0x00000040
	InfoWGrp Info = 0x00000020
	InfoXGrp Info = 0x00000010
	InfoROth Info = 0x00000004
	InfoWOth Info = 0x00000002
	InfoXOth Info = 0x00000001

	InfoRAny Info = 0x00000444
	InfoWAny Info = 0x00000222
	InfoXAny Info = 0x00000111

	InfoPermits Info = 0x000FF777
)

// Info is the packed 64-bit attribute word described in spec §3.
type Info uint64

// FileType extracts the entry type encoded in an Info word.
func (i Info) FileType() Type {
	switch i & InfoTypeMask {
	case InfoIsFile:
		return TypeRegular
	case InfoIsLink:
		return TypeSymlink
	case InfoIsPath:
		return TypeDirectory
	case InfoIsPipe:
		return TypeFifo
	default:
		return TypeUnknown
	}
}

// Entry is one filesystem object within a Listing.
type Entry struct {
	Name       string
	Type       Type
	Size       uint64
	MTime      int64 // whole seconds since a fixed, mutually agreed epoch
	Info       Info
	LinkTarget string // Symlink entries only
	Ksum       uint64 // additive checksum; zero unless checksums are enabled
}

// TimeEqual compares two mtimes masking the low-order bit, absorbing
// one second of filesystem rounding (spec §3, §4.6).
func TimeEqual(a, b int64) bool {
	const mask = ^int64(1)
	return a&mask == b&mask
}

// CompareTime returns <0, 0, >0 the way the original DirEntry::compareTime
// does: the one-second-rounding-masked difference of this minus that.
func CompareTime(this, that int64) int {
	const mask = ^int64(1)
	d := (this & mask) - (that & mask)
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

// normalizeName applies NFC normalization the way local.go does for
// names read off a POSIX directory, so that visually identical names
// compare equal across hosts with differing Unicode decompositions.
func normalizeName(name string) string {
	return norm.NFC.String(name)
}

// compareNames orders two names either by raw byte comparison
// (case-sensitive) or case-folded comparison, per the global
// case-sensitivity bit (spec §3, §9).
func compareNames(a, b string, caseSensitive bool) int {
	if caseSensitive {
		return strings.Compare(a, b)
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// CompareNames orders two names the way a Listing does: by raw byte
// comparison when caseSensitive, by case-folded comparison otherwise.
// Exported for the client package's directory-merge cursor comparison.
func CompareNames(a, b string, caseSensitive bool) int {
	return compareNames(a, b, caseSensitive)
}

// foldEqual reports whether a and b collide under case-insensitive
// comparison, used by the ambiguous-sibling rule (spec §4.6).
func foldEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// sortEntries sorts a slice of *Entry in place by name, honoring the
// listing's case-sensitivity.
func sortEntries(entries []*Entry, caseSensitive bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		return compareNames(entries[i].Name, entries[j].Name, caseSensitive) < 0
	})
}
