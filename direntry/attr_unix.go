//go:build !windows

package direntry

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// FromFile reads filesystem metadata for name (under path) and builds
// an Entry. Grounded on local/lchmod_unix.go's syscallMode translation
// and on RdCommon.cpp's DirEntry::fromFile: permission bits come from
// lstat, setuid/setgid/sticky are read from the raw Stat_t mode of that
// same lstat, and a Symlink's target is resolved with os.Readlink.
func FromFile(path, name string, opts ScanOptions) (*Entry, error) {
	full := filepath.Join(path, name)
	fi, err := os.Lstat(full)
	if err != nil {
		return nil, errors.Wrapf(err, "direntry: lstat %s", full)
	}

	e := &Entry{Name: normalizeName(name)}
	mode := fi.Mode()

	var info Info
	switch {
	case mode&os.ModeSymlink != 0:
		info |= InfoIsLink
		e.Type = TypeSymlink
	case mode.IsDir():
		info |= InfoIsPath
		e.Type = TypeDirectory
	case mode&os.ModeNamedPipe != 0:
		info |= InfoIsPipe
		e.Type = TypeFifo
	case mode.IsRegular():
		info |= InfoIsFile
		e.Type = TypeRegular
	default:
		info |= InfoIsWhat
		e.Type = TypeUnknown
	}

	perm := mode.Perm()
	if perm&0400 != 0 {
		info |= InfoRUsr
	}
	if perm&0200 != 0 {
		info |= InfoWUsr
	}
	if perm&0100 != 0 {
		info |= InfoXUsr
	}
	if perm&0040 != 0 {
		info |= InfoRGrp
	}
	if perm&0020 != 0 {
		info |= InfoWGrp
	}
	if perm&0010 != 0 {
		info |= InfoXGrp
	}
	if perm&0004 != 0 {
		info |= InfoROth
	}
	if perm&0002 != 0 {
		info |= InfoWOth
	}
	if perm&0001 != 0 {
		info |= InfoXOth
	}

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		if st.Mode&syscall.S_ISUID != 0 {
			info |= InfoSetuid
		}
		if st.Mode&syscall.S_ISGID != 0 {
			info |= InfoSetgid
		}
		if st.Mode&syscall.S_ISVTX != 0 {
			info |= InfoSticky
		}
	}

	e.Info = info
	e.Size = uint64(fi.Size())
	e.MTime = fi.ModTime().Unix()

	if e.Type == TypeSymlink {
		target, err := os.Readlink(full)
		if err != nil {
			return nil, errors.Wrapf(err, "direntry: readlink %s", full)
		}
		e.LinkTarget = target
	}

	if e.Type == TypeRegular && opts.Checksum {
		sum, err := Checksum(full)
		if err != nil {
			return nil, err
		}
		e.Ksum = sum
	}

	return e, nil
}

// IntoFile applies Info and MTime back onto the local file named
// e.Name under path: chmod, then mtime (rounding any mtime earlier
// than 2000-01-01 up to now, per spec §4.2 / original Julia::UTC2000
// guard).
func IntoFile(path string, e *Entry) error {
	full := filepath.Join(path, e.Name)

	mtime := time.Unix(e.MTime, 0)
	floor := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if mtime.Before(floor) {
		mtime = time.Now()
	}

	if err := os.Chmod(full, chmodBits(e.Info)); err != nil {
		return errors.Wrapf(err, "direntry: chmod %s", full)
	}
	if err := os.Chtimes(full, mtime, mtime); err != nil {
		return errors.Wrapf(err, "direntry: chtimes %s", full)
	}
	return nil
}

// chmodBits converts an Info word's permission bits to an os.FileMode
// suitable for os.Chmod, the Go analogue of DirEntry::chmod.
func chmodBits(info Info) os.FileMode {
	var m os.FileMode
	if info&InfoRUsr != 0 {
		m |= 0400
	}
	if info&InfoWUsr != 0 {
		m |= 0200
	}
	if info&InfoXUsr != 0 {
		m |= 0100
	}
	if info&InfoRGrp != 0 {
		m |= 0040
	}
	if info&InfoWGrp != 0 {
		m |= 0020
	}
	if info&InfoXGrp != 0 {
		m |= 0010
	}
	if info&InfoROth != 0 {
		m |= 0004
	}
	if info&InfoWOth != 0 {
		m |= 0002
	}
	if info&InfoXOth != 0 {
		m |= 0001
	}
	if info&InfoSetuid != 0 {
		m |= os.ModeSetuid
	}
	if info&InfoSetgid != 0 {
		m |= os.ModeSetgid
	}
	if info&InfoSticky != 0 {
		m |= os.ModeSticky
	}
	return m
}
