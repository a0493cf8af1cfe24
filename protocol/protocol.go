// Package protocol implements the length-prefixed, big-endian wire
// codec shared by the rdist client and server: opcodes, responses,
// directory headers, fixed-size entry descriptors and length-prefixed
// strings.
package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Opcode is the single byte request kind sent by the client.
type Opcode byte

// Request opcodes, matching the original REQ_* enum byte-for-byte.
const (
	OpFile    Opcode = 'F'
	OpGoto    Opcode = 'G'
	OpQuit    Opcode = 'Q'
	OpVersion Opcode = 'V'
	OpCwd     Opcode = 'P'
)

func (o Opcode) String() string {
	switch o {
	case OpFile:
		return "FILE"
	case OpGoto:
		return "GOTO"
	case OpQuit:
		return "QUIT"
	case OpVersion:
		return "VERSION"
	case OpCwd:
		return "CWD"
	default:
		return "UNKNOWN"
	}
}

// Response is the single byte reply code sent by the server.
type Response byte

// Response codes, matching the original RSP_* enum.
const (
	Accept Response = 'Y'
	Reject Response = 'N'
)

// Size and framing constants from the original implementation.
const (
	// MaxDirName is the largest size of a single path component, not
	// counting any terminator.
	MaxDirName = 512
	// MaxTransfer is the size of the session's shared transfer buffer.
	MaxTransfer = 0x00100000 // 1 MiB
	// MaxSendSize bounds the size of a single underlying Write call made
	// through the write buffer; it is a tuning knob only, invisible at
	// the call site.
	MaxSendSize = 1500
	// EntryDescSize is the wire size, in bytes, of a fixed EntryDesc.
	EntryDescSize = 32
)

// ProtocolError reports a framing violation: a short read, an
// unexpected EOF during a structured read, or a malformed length
// field. It is always fatal to the owning session.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// EntryDesc is the fixed 32-byte on-wire description of a directory
// entry's content attributes.
type EntryDesc struct {
	Size  uint64
	Info  uint64
	MTime int64
	Ksum  uint64
}

// Conn wraps a net.Conn with the buffered, streaming read/write
// discipline the protocol requires: writes are batched and flushed
// per logical message (split internally at MaxSendSize), and reads
// block until the requested byte count is available.
//
// Conn is owned exclusively by one session goroutine; no cross-goroutine
// access is permitted while it is in use (see the session package).
type Conn struct {
	nc  net.Conn
	r   *bufio.Reader
	w   *bufio.Writer
	ctx context.Context
}

// NewConn wraps nc for protocol framing.
func NewConn(ctx context.Context, nc net.Conn) *Conn {
	return &Conn{
		nc:  nc,
		r:   bufio.NewReaderSize(nc, MaxTransfer),
		w:   bufio.NewWriterSize(nc, MaxSendSize),
		ctx: ctx,
	}
}

// Raw returns the underlying net.Conn, for operations (file body
// transfer) that want to bypass the write buffer.
func (c *Conn) Raw() net.Conn { return c.nc }

// Reader exposes the buffered reader for streamed reads (file bodies).
func (c *Conn) Reader() io.Reader { return c.r }

// Close unblocks any in-flight read by forcing an immediate deadline
// rather than polling a cancellation flag, then closes the transport.
func (c *Conn) Close() error {
	_ = c.nc.SetDeadline(time.Now())
	return c.nc.Close()
}

// Flush pushes any buffered writes out to the transport.
func (c *Conn) Flush() error {
	return c.w.Flush()
}

func (c *Conn) readFull(buf []byte, op string) error {
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return protoErr(op, err)
	}
	return nil
}

// writeAll writes p to the write buffer, splitting into chunks no
// larger than MaxSendSize. The buffer is not flushed; callers flush
// once per logical message.
func (c *Conn) writeAll(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > MaxSendSize {
			n = MaxSendSize
		}
		if _, err := c.w.Write(p[:n]); err != nil {
			return errors.Wrap(err, "protocol: write")
		}
		p = p[n:]
	}
	return nil
}

// WriteOpcode writes a request opcode and flushes.
func (c *Conn) WriteOpcode(op Opcode) error {
	if err := c.writeAll([]byte{byte(op)}); err != nil {
		return err
	}
	return c.Flush()
}

// ReadOpcode reads a single request opcode.
func (c *Conn) ReadOpcode() (Opcode, error) {
	var buf [1]byte
	if err := c.readFull(buf[:], "read opcode"); err != nil {
		return 0, err
	}
	return Opcode(buf[0]), nil
}

// WriteResponse writes a response code and flushes.
func (c *Conn) WriteResponse(r Response) error {
	if err := c.writeAll([]byte{byte(r)}); err != nil {
		return err
	}
	return c.Flush()
}

// ReadResponse reads a single response code.
func (c *Conn) ReadResponse() (Response, error) {
	var buf [1]byte
	if err := c.readFull(buf[:], "read response"); err != nil {
		return 0, err
	}
	return Response(buf[0]), nil
}

// WriteString writes a LengthString: a uint16 length prefix followed
// by the raw bytes, with no terminator on the wire. Strings longer than
// MaxDirName are rejected, matching ReadString's cap.
func (c *Conn) WriteString(s string) error {
	if len(s) > MaxDirName {
		return protoErr("write string", errors.New("string too long"))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if err := c.writeAll(lenBuf[:]); err != nil {
		return err
	}
	return c.writeAll([]byte(s))
}

// ReadString reads a LengthString, capped at MaxDirName bytes.
func (c *Conn) ReadString() (string, error) {
	var lenBuf [2]byte
	if err := c.readFull(lenBuf[:], "read string length"); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if int(n) > MaxDirName {
		return "", protoErr("read string", errors.Errorf("length %d exceeds MAX_DIRNAME", n))
	}
	buf := make([]byte, n)
	if err := c.readFull(buf, "read string body"); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteEntryDesc writes the fixed 32-byte content descriptor.
func (c *Conn) WriteEntryDesc(d EntryDesc) error {
	var buf [EntryDescSize]byte
	binary.BigEndian.PutUint64(buf[0:8], d.Size)
	binary.BigEndian.PutUint64(buf[8:16], d.Info)
	binary.BigEndian.PutUint64(buf[16:24], uint64(d.MTime))
	binary.BigEndian.PutUint64(buf[24:32], d.Ksum)
	return c.writeAll(buf[:])
}

// ReadEntryDesc reads a fixed 32-byte content descriptor.
func (c *Conn) ReadEntryDesc() (EntryDesc, error) {
	var buf [EntryDescSize]byte
	if err := c.readFull(buf[:], "read entry desc"); err != nil {
		return EntryDesc{}, err
	}
	return EntryDesc{
		Size:  binary.BigEndian.Uint64(buf[0:8]),
		Info:  binary.BigEndian.Uint64(buf[8:16]),
		MTime: int64(binary.BigEndian.Uint64(buf[16:24])),
		Ksum:  binary.BigEndian.Uint64(buf[24:32]),
	}, nil
}

// WriteDirHeader writes the uint32 entry count that begins a directory
// listing reply.
func (c *Conn) WriteDirHeader(count uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], count)
	return c.writeAll(buf[:])
}

// ReadDirHeader reads the uint32 entry count.
func (c *Conn) ReadDirHeader() (uint32, error) {
	var buf [4]byte
	if err := c.readFull(buf[:], "read dir header"); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadFull reads exactly len(buf) bytes in one call; callers streaming
// a file body bound each call by their own buffer size.
func (c *Conn) ReadFull(buf []byte) error {
	return c.readFull(buf, "read body")
}

// CopyN streams exactly n bytes from the connection to w, in
// MaxTransfer-sized chunks.
func (c *Conn) CopyN(w io.Writer, n int64) error {
	buf := make([]byte, MaxTransfer)
	for n > 0 {
		chunk := int64(len(buf))
		if chunk > n {
			chunk = n
		}
		if err := c.readFull(buf[:chunk], "copy body"); err != nil {
			return err
		}
		if _, err := w.Write(buf[:chunk]); err != nil {
			return errors.Wrap(err, "protocol: short write during file body copy")
		}
		n -= chunk
	}
	return nil
}

// WriteFrom flushes the write buffer, then streams exactly n bytes from
// r straight to the connection with io.CopyN, bypassing the write
// buffer (and so MaxSendSize) for bulk data.
func (c *Conn) WriteFrom(r io.Reader, n int64) error {
	if err := c.Flush(); err != nil {
		return err
	}
	_, err := io.CopyN(c.nc, r, n)
	if err != nil {
		return errors.Wrap(err, "protocol: short read streaming file body")
	}
	return nil
}
