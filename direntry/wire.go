package direntry

import (
	"github.com/pkg/errors"

	"github.com/frankeskens/rdist/protocol"
)

// WriteEntry writes one directory-descent entry: its fixed EntryDesc,
// its LengthString name, and — for a Symlink — its LengthString target
// (spec §6 "Directory descent").
func WriteEntry(conn *protocol.Conn, e *Entry) error {
	desc := protocol.EntryDesc{
		Size:  e.Size,
		Info:  uint64(e.Info) | uint64(typeInfoBits(e.Type)),
		MTime: e.MTime,
		Ksum:  e.Ksum,
	}
	if err := conn.WriteEntryDesc(desc); err != nil {
		return err
	}
	if err := conn.WriteString(e.Name); err != nil {
		return err
	}
	if e.Type == TypeSymlink {
		if err := conn.WriteString(e.LinkTarget); err != nil {
			return err
		}
	}
	return nil
}

// ReadEntry reads one directory-descent entry in the layout WriteEntry
// produces.
func ReadEntry(conn *protocol.Conn) (*Entry, error) {
	desc, err := conn.ReadEntryDesc()
	if err != nil {
		return nil, err
	}
	name, err := conn.ReadString()
	if err != nil {
		return nil, err
	}

	e := &Entry{
		Name:  name,
		Type:  Info(desc.Info).FileType(),
		Size:  desc.Size,
		MTime: desc.MTime,
		Info:  Info(desc.Info),
		Ksum:  desc.Ksum,
	}
	if e.Type == TypeSymlink {
		target, err := conn.ReadString()
		if err != nil {
			return nil, err
		}
		e.LinkTarget = target
	}
	return e, nil
}

// typeInfoBits maps an Entry's Type back onto the Info word's type
// field, the inverse of Info.FileType.
func typeInfoBits(t Type) Info {
	switch t {
	case TypeRegular:
		return InfoIsFile
	case TypeSymlink:
		return InfoIsLink
	case TypeDirectory:
		return InfoIsPath
	case TypeFifo:
		return InfoIsPipe
	default:
		return InfoIsWhat
	}
}

// WriteListing sends a DirHeader followed by every entry, in the
// listing's current order (spec §6 "Directory descent").
func WriteListing(conn *protocol.Conn, l *Listing) error {
	if err := conn.WriteDirHeader(uint32(len(l.Entries))); err != nil {
		return err
	}
	for _, e := range l.Entries {
		if err := WriteEntry(conn, e); err != nil {
			return err
		}
	}
	return conn.Flush()
}

// ReadListing reads a DirHeader and that many entries into a new
// Listing rooted at path, sorted per caseSensitive.
func ReadListing(conn *protocol.Conn, path string, caseSensitive bool) (*Listing, error) {
	count, err := conn.ReadDirHeader()
	if err != nil {
		return nil, err
	}
	l := NewListing(path, caseSensitive)
	for i := uint32(0); i < count; i++ {
		e, err := ReadEntry(conn)
		if err != nil {
			return nil, errors.Wrapf(err, "direntry: read listing entry %d/%d", i, count)
		}
		l.Entries = append(l.Entries, e)
	}
	l.Sort()
	return l, nil
}
