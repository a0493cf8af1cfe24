//go:build !windows

package rdsignal

import (
	"os"
	"syscall"
)

// statusSignals are the OS signals that trigger a status dump.
// SIGUSR2 has no Windows equivalent.
func statusSignals() []os.Signal {
	return []os.Signal{syscall.SIGUSR2}
}
