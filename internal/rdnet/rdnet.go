// Package rdnet holds the transport defaults shared by the client and
// server binaries: the platform-dependent well-known port and the
// dial/listen address helpers built on top of it.
package rdnet

import (
	"fmt"
	"runtime"
)

// DefaultPort is the well-known rdist port. The original reserved a
// different value on Windows hosts than on POSIX hosts; both are
// carried forward unchanged here.
func DefaultPort() int {
	if runtime.GOOS == "windows" {
		return 0xFEFC
	}
	return 0xFEFE
}

// JoinHostPort formats host and port the way net.Dial/net.Listen
// expect, substituting DefaultPort when port is zero.
func JoinHostPort(host string, port int) string {
	if port == 0 {
		port = DefaultPort()
	}
	return fmt.Sprintf("%s:%d", host, port)
}
