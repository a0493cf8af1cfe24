//go:build !windows

package install

import (
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/frankeskens/rdist/direntry"
)

// InstallFifo creates a named pipe via mknod/Mkfifo, best-effort.
func InstallFifo(dir string, entry *direntry.Entry) (string, error) {
	full := filepath.Join(dir, entry.Name)
	if err := unix.Mkfifo(full, 0600); err != nil {
		return "skipped [unable to create]", nil
	}
	return "installed", nil
}
