// Package install applies a remote directory entry onto the local
// filesystem: creating, replacing, or removing the local object that
// corresponds to one server-side entry (spec §4.6, §4.7).
//
// Grounded on rclone local.go's Object.Update (open-write-close with a
// cleanup-on-error path) adapted to spec's simpler "open target
// directly, guard it, remove on any abnormal exit" model — no
// temp-file-and-rename, since the source never used one.
package install

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/frankeskens/rdist/direntry"
	"github.com/frankeskens/rdist/protocol"
)

// BackoutGuard removes a partially written file if it is closed while
// still armed. Grounded on the defer-guarded cleanup idiom rclone uses
// around OpenWriterAt (local.go's removeOnError helper), generalized
// to an explicit caller-owned guard rather than an anonymous defer.
type BackoutGuard struct {
	path  string
	file  *os.File
	armed bool
}

// NewBackoutGuard arms a guard over an already-open file at path.
func NewBackoutGuard(path string, f *os.File) *BackoutGuard {
	return &BackoutGuard{path: path, file: f, armed: true}
}

// Disarm defuses the guard: Close becomes a no-op.
func (g *BackoutGuard) Disarm() { g.armed = false }

// Close is idempotent. While armed, it closes the underlying handle
// (if still open) and removes the file at path.
func (g *BackoutGuard) Close() error {
	if !g.armed {
		return nil
	}
	g.armed = false
	if g.file != nil {
		_ = g.file.Close()
	}
	return os.Remove(g.path)
}

// InstallFile implements spec §4.7 steps 1-6: request the file body,
// open the target, stream exactly entry.Size bytes through buf
// (bounded per call by len(buf), conventionally protocol.MaxTransfer),
// and apply attributes. The returned outcome string is always safe to
// report even when err is nil. A target that cannot be opened is
// reported as skipped after its body is read past; err is non-nil for a
// transport failure or a failed write or close of the target, each of
// which is fatal to the session.
func InstallFile(conn *protocol.Conn, dir string, entry *direntry.Entry, buf []byte) (string, error) {
	if err := conn.WriteOpcode(protocol.OpFile); err != nil {
		return "", err
	}
	if err := conn.WriteString(entry.Name); err != nil {
		return "", err
	}
	if err := conn.Flush(); err != nil {
		return "", err
	}
	resp, err := conn.ReadResponse()
	if err != nil {
		return "", err
	}
	if resp != protocol.Accept {
		return "skipped [Disallowed by SERVER]", nil
	}

	full := filepath.Join(dir, entry.Name)
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		log.WithFields(log.Fields{"path": full, "err": err}).Warn("install: unable to create")
		if derr := conn.CopyN(io.Discard, int64(entry.Size)); derr != nil {
			return "", derr
		}
		return "skipped [unable to create]", nil
	}

	guard := NewBackoutGuard(full, f)
	defer guard.Close()

	remaining := int64(entry.Size)
	for remaining > 0 {
		chunk := int64(len(buf))
		if chunk > remaining {
			chunk = remaining
		}
		if err := conn.ReadFull(buf[:chunk]); err != nil {
			return "", err
		}
		n, werr := f.Write(buf[:chunk])
		if werr != nil {
			return "", errors.Wrapf(werr, "install: write %s", full)
		}
		if int64(n) != chunk {
			return "", errors.Errorf("install: short write to %s (%d of %d)", full, n, chunk)
		}
		remaining -= chunk
	}

	if err := f.Close(); err != nil {
		guard.file = nil
		guard.Disarm()
		_ = os.Remove(full)
		return "aborted [I/O error]", errors.Wrapf(err, "install: close %s", full)
	}
	guard.Disarm()

	if err := direntry.IntoFile(dir, entry); err != nil {
		log.WithFields(log.Fields{"path": full, "err": err}).Warn("install: unable to apply attributes")
		return "installed [attribute error]", nil
	}
	return "installed", nil
}

// InstallSymlink creates a symlink with entry's stored target,
// verbatim, with no rewriting across OS path styles (spec §4.7).
func InstallSymlink(dir string, entry *direntry.Entry) (string, error) {
	full := filepath.Join(dir, entry.Name)
	if err := os.Symlink(entry.LinkTarget, full); err != nil {
		return "skipped [unable to create]", nil
	}
	return "installed", nil
}

// InstallDirectory creates a directory with writable+executable owner
// bits so nested installs can proceed; the caller applies final
// attributes (direntry.IntoFile) once children have been installed.
func InstallDirectory(dir string, entry *direntry.Entry) (string, error) {
	full := filepath.Join(dir, entry.Name)
	if err := os.Mkdir(full, 0700); err != nil {
		return "skipped [unable to create]", nil
	}
	return "installed", nil
}

// Remove deletes the local object named by entry under dir, per spec
// §4.6: Directory removal recurses and temporarily widens its own
// permissions so the recursion can proceed; Symlink/Regular/Fifo are
// unlinked directly; Unknown is rejected. Failures are reported as
// "kept", never as fatal, except when the type is Unknown.
func Remove(dir string, entry *direntry.Entry) (string, error) {
	full := filepath.Join(dir, entry.Name)
	switch entry.Type {
	case direntry.TypeDirectory:
		return removeDirectory(full)
	case direntry.TypeSymlink, direntry.TypeRegular, direntry.TypeFifo:
		if err := os.Remove(full); err != nil {
			return "kept [unable to remove]", nil
		}
		return "removed", nil
	default:
		return "kept [unable to remove]", errors.Errorf("install: refusing to remove unknown-type entry %s", full)
	}
}

func removeDirectory(full string) (string, error) {
	fi, err := os.Lstat(full)
	if err != nil {
		return "kept [unable to remove]", nil
	}
	orig := fi.Mode().Perm()
	widened := orig | 0700
	if widened != orig {
		if err := os.Chmod(full, widened); err != nil {
			return "kept [unable to remove]", nil
		}
	}

	children, err := os.ReadDir(full)
	if err != nil {
		restorePerm(full, orig, widened)
		return "kept [unable to remove]", nil
	}
	for _, c := range children {
		childEntry, ferr := direntry.FromFile(full, c.Name(), direntry.ScanOptions{})
		if ferr != nil {
			restorePerm(full, orig, widened)
			return "kept [unable to remove]", nil
		}
		if _, err := Remove(full, childEntry); err != nil {
			restorePerm(full, orig, widened)
			return "kept [unable to remove]", err
		}
	}

	if err := os.Remove(full); err != nil {
		restorePerm(full, orig, widened)
		return "kept [unable to remove]", nil
	}
	return "removed", nil
}

func restorePerm(full string, orig, widened os.FileMode) {
	if widened != orig {
		_ = os.Chmod(full, orig)
	}
}
