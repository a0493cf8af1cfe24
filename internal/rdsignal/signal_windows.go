//go:build windows

package rdsignal

import "os"

// statusSignals is empty on Windows: there is no SIGUSR2 equivalent,
// so Watch never triggers a status dump here.
func statusSignals() []os.Signal {
	return nil
}
