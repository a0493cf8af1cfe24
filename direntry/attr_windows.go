//go:build windows

package direntry

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// FromFile is the Windows counterpart of attr_unix.go's FromFile: it
// maps archive/system/hidden/read-only instead of POSIX permission
// bits, per RdCommon.cpp's _OS_WIN branch of DirEntry::fromFile.
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
	case mode.IsRegular():
		info |= InfoIsFile
		e.Type = TypeRegular
	default:
		info |= InfoIsWhat
		e.Type = TypeUnknown
	}

	// Owner bits are synthesized from the Go FileMode the way the
	// original maps INFO_RANY/WANY/XANY from a single writable check,
	// since Windows exposes no separate group/other bits.
	if mode.Perm()&0400 != 0 {
		info |= InfoRUsr
	}
	if mode.Perm()&0200 != 0 {
		info |= InfoWUsr
	}
	if mode.Perm()&0100 != 0 {
		info |= InfoXUsr
	}

	if attrs, err := windows.UTF16PtrFromString(full); err == nil {
		if a, err := windows.GetFileAttributes(attrs); err == nil {
			if a&windows.FILE_ATTRIBUTE_ARCHIVE != 0 {
				info |= InfoAttrArchive
			}
			if a&windows.FILE_ATTRIBUTE_SYSTEM != 0 {
				info |= InfoAttrSystem
			}
			if a&windows.FILE_ATTRIBUTE_HIDDEN != 0 {
				info |= InfoAttrHidden
			}
			if a&windows.FILE_ATTRIBUTE_READONLY != 0 {
				info |= InfoAttrReadOnly
			}
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

// IntoFile is the Windows counterpart of attr_unix.go's IntoFile:
// mtime, then the owner-writable bit via os.Chmod, then the A/S/H/R
// attribute bits via SetFileAttributes.
func IntoFile(path string, e *Entry) error {
	full := filepath.Join(path, e.Name)

	mtime := time.Unix(e.MTime, 0)
	floor := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if mtime.Before(floor) {
		mtime = time.Now()
	}
	if err := os.Chtimes(full, mtime, mtime); err != nil {
		return errors.Wrapf(err, "direntry: chtimes %s", full)
	}

	var mode os.FileMode = 0444
	if e.Info&InfoWUsr != 0 {
		mode = 0644
	}
	if err := os.Chmod(full, mode); err != nil {
		return errors.Wrapf(err, "direntry: chmod %s", full)
	}

	var attrs uint32
	if e.Info&InfoAttrArchive != 0 {
		attrs |= windows.FILE_ATTRIBUTE_ARCHIVE
	}
	if e.Info&InfoAttrSystem != 0 {
		attrs |= windows.FILE_ATTRIBUTE_SYSTEM
	}
	if e.Info&InfoAttrHidden != 0 {
		attrs |= windows.FILE_ATTRIBUTE_HIDDEN
	}
	if e.Info&InfoAttrReadOnly != 0 || e.Info&InfoWUsr == 0 {
		attrs |= windows.FILE_ATTRIBUTE_READONLY
	}
	if attrs == 0 {
		attrs = windows.FILE_ATTRIBUTE_NORMAL
	}
	namep, err := windows.UTF16PtrFromString(full)
	if err != nil {
		return errors.Wrapf(err, "direntry: utf16 %s", full)
	}
	if err := windows.SetFileAttributes(namep, attrs); err != nil {
		return errors.Wrapf(err, "direntry: SetFileAttributes %s", full)
	}
	return nil
}
