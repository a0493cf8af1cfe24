//go:build windows

package install

import "github.com/frankeskens/rdist/direntry"

// InstallFifo reports named pipes as unsupported on this platform
// (spec §9 open question: Fifo install on Windows/Cygwin).
func InstallFifo(dir string, entry *direntry.Entry) (string, error) {
	return "skipped [unsupported]", nil
}
