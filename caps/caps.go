// Package caps implements the host capability exchange of spec §3 and
// §4.4: a 24-byte VersionInfo vector (16-byte version identifier plus
// an 8-byte flag array) is exchanged and AND'd into a global vector
// that governs every subsequent cross-side decision.
//
// Grounded on ClientThread::exchangeVersionID in the original source
// for exact sequencing, and on caps.Vector's accessor style following
// rclone's feature-flag-bit idiom (fs.Features-style boolean queries
// over a packed word).
package caps

import (
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"github.com/frankeskens/rdist/protocol"
)

// Version is the fixed client/server protocol identifier. Sessions
// whose version strings don't match byte-for-byte are refused.
const Version = "3.20130101"

// OSFamily values for flag byte [1].
type OSFamily byte

const (
	OSMixed   OSFamily = 0 // local and remote differ
	OSPosix   OSFamily = 1
	OSCygwin  OSFamily = 2
	OSWindows OSFamily = 4
)

// Flag bit assignments within Vector.Flags.
const (
	flag0Windows = 0x80 // Windows attributes supported
	flag0Posix   = 0x40 // POSIX attributes supported
	flag0Case    = 0x01 // names with differing case are unique

	flag7Ksum = 0x01 // get checksums for all files
)

// Vector is the 24-byte VersionInfo record.
type Vector struct {
	Version [16]byte
	Flags   [8]byte
}

// And computes the bitwise AND of two vectors: the session's global
// vector, used for every cross-side decision (spec §3).
func (v Vector) And(o Vector) Vector {
	var r Vector
	r.Version = v.Version
	for i := range v.Flags {
		r.Flags[i] = v.Flags[i] & o.Flags[i]
	}
	return r
}

// SupportsWindowsAttrs reports flag byte [0]'s Windows-attribute bit.
func (v Vector) SupportsWindowsAttrs() bool { return v.Flags[0]&flag0Windows != 0 }

// SupportsPosixAttrs reports flag byte [0]'s POSIX-attribute bit.
func (v Vector) SupportsPosixAttrs() bool { return v.Flags[0]&flag0Posix != 0 }

// CaseSensitive reports whether this side treats differently-cased
// names as distinct.
func (v Vector) CaseSensitive() bool { return v.Flags[0]&flag0Case != 0 }

// OSFamily reports the declared operating system family.
func (v Vector) OSFamily() OSFamily { return OSFamily(v.Flags[1]) }

// ChecksumRequested reports flag byte [7]'s checksum opt-in.
func (v Vector) ChecksumRequested() bool { return v.Flags[7]&flag7Ksum != 0 }

// VersionString returns the NUL-trimmed version identifier.
func (v Vector) VersionString() string {
	i := 0
	for i < len(v.Version) && v.Version[i] != 0 {
		i++
	}
	return string(v.Version[:i])
}

// LocalOptions configures how Local builds this process's vector.
type LocalOptions struct {
	// Checksum requests per-file checksums for the session (the -V
	// client flag).
	Checksum bool
}

// Local builds this process's capability vector.
func Local(opts LocalOptions) Vector {
	var v Vector
	copy(v.Version[:], Version)

	v.Flags[0] = flag0Case // POSIX hosts are case-sensitive by default
	family := OSPosix
	if runtime.GOOS == "windows" {
		v.Flags[0] = flag0Windows
		family = OSWindows
	} else {
		v.Flags[0] |= flag0Posix
	}
	v.Flags[1] = byte(family)

	if opts.Checksum {
		v.Flags[7] |= flag7Ksum
	}
	return v
}

// ErrVersionMismatch is returned when the two sides' version strings
// differ; the session is always refused in that case.
var ErrVersionMismatch = errors.New("caps: version mismatch")

// Exchange implements the client half of spec §4.4 steps 2-5: send V,
// read the peer's VersionInfo and Response, and compute the global
// vector. It does not perform the CWD check (see VerifyCWD).
func Exchange(conn *protocol.Conn, local Vector) (remote, global Vector, err error) {
	if err := conn.WriteOpcode(protocol.OpVersion); err != nil {
		return Vector{}, Vector{}, err
	}
	if err := writeVector(conn, local); err != nil {
		return Vector{}, Vector{}, err
	}
	if err := conn.Flush(); err != nil {
		return Vector{}, Vector{}, err
	}

	remote, err = readVector(conn)
	if err != nil {
		return Vector{}, Vector{}, err
	}
	resp, err := conn.ReadResponse()
	if err != nil {
		return Vector{}, Vector{}, err
	}
	if resp != protocol.Accept {
		return Vector{}, Vector{}, errors.New("caps: server rejected version exchange")
	}
	if remote.VersionString() != local.VersionString() {
		return Vector{}, Vector{}, errors.Wrapf(ErrVersionMismatch, "here(%s) peer(%s)", local.VersionString(), remote.VersionString())
	}

	return remote, local.And(remote), nil
}

func writeVector(conn *protocol.Conn, v Vector) error {
	buf := make([]byte, 24)
	copy(buf[0:16], v.Version[:])
	copy(buf[16:24], v.Flags[:])
	return conn.WriteString(string(buf))
}

func readVector(conn *protocol.Conn) (Vector, error) {
	s, err := conn.ReadString()
	if err != nil {
		return Vector{}, err
	}
	if len(s) < 24 {
		return Vector{}, errors.New("caps: short VersionInfo")
	}
	var v Vector
	copy(v.Version[:], s[0:16])
	copy(v.Flags[:], s[16:24])
	return v, nil
}

// Handshake implements the server half of spec §4.4 steps 2-5: read
// the client's V request and VersionInfo, compute the global vector,
// and reply with this host's own vector and a Y/N response. The
// session is refused (N) on a version mismatch but the error is still
// returned so the caller can log it before closing.
func Handshake(conn *protocol.Conn, local Vector) (remote, global Vector, err error) {
	op, err := conn.ReadOpcode()
	if err != nil {
		return Vector{}, Vector{}, err
	}
	if op != protocol.OpVersion {
		return Vector{}, Vector{}, errors.Errorf("caps: expected V opcode, got %q", op)
	}
	remote, err = readVector(conn)
	if err != nil {
		return Vector{}, Vector{}, err
	}

	if remote.VersionString() != local.VersionString() {
		_ = writeVector(conn, local)
		_ = conn.WriteResponse(protocol.Reject)
		_ = conn.Flush()
		return Vector{}, Vector{}, errors.Wrapf(ErrVersionMismatch, "here(%s) peer(%s)", local.VersionString(), remote.VersionString())
	}

	if err := writeVector(conn, local); err != nil {
		return Vector{}, Vector{}, err
	}
	if err := conn.WriteResponse(protocol.Accept); err != nil {
		return Vector{}, Vector{}, err
	}
	if err := conn.Flush(); err != nil {
		return Vector{}, Vector{}, err
	}

	return remote, local.And(remote), nil
}

// ErrCWDMismatch is returned when the client and server working
// directory basenames differ.
var ErrCWDMismatch = errors.New("caps: CWD name mismatch")

// VerifyCWD implements spec §4.4 step 6: send P, compare the
// normalized basenames of the client's CWD and the server's CWD.
func VerifyCWD(conn *protocol.Conn, clientCWD string, remote Vector) error {
	if err := conn.WriteOpcode(protocol.OpCwd); err != nil {
		return err
	}
	resp, err := conn.ReadResponse()
	if err != nil {
		return err
	}
	if resp != protocol.Accept {
		return errors.New("caps: server rejected CWD request")
	}
	serverCWD, err := conn.ReadString()
	if err != nil {
		return err
	}

	clientBase := basename(Normalize(clientCWD, OSPosix))
	serverBase := basename(Normalize(serverCWD, remote.OSFamily()))
	if clientBase != serverBase {
		return errors.Wrapf(ErrCWDMismatch, "server(%s) client(%s)", serverBase, clientBase)
	}
	return nil
}

// RespondCWD implements the server half of spec §4.4 step 6: read the
// client's P request, reply Y, and send this host's own working
// directory string. cwd is this process's root directory path.
func RespondCWD(conn *protocol.Conn, cwd string) error {
	op, err := conn.ReadOpcode()
	if err != nil {
		return err
	}
	if op != protocol.OpCwd {
		return errors.Errorf("caps: expected P opcode, got %q", op)
	}
	if err := conn.WriteResponse(protocol.Accept); err != nil {
		return err
	}
	if err := conn.WriteString(cwd); err != nil {
		return err
	}
	return conn.Flush()
}

// Normalize strips host-specific CWD decorations so that the two
// sides' basenames are comparable: Cygwin's "/cygdrive/X" prefix,
// Windows's "X:" drive prefix, and backslash path separators.
func Normalize(path string, family OSFamily) string {
	switch family {
	case OSCygwin:
		if strings.HasPrefix(path, "/cygdrive/") {
			rest := path[len("/cygdrive/"):]
			if len(rest) > 1 && rest[1] == '/' {
				path = rest[1:]
			}
		}
	case OSWindows:
		path = strings.ReplaceAll(path, `\`, "/")
		if len(path) > 1 && path[1] == ':' {
			path = path[2:]
		}
	}
	return path
}

func basename(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
