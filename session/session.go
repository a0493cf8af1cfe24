// Package session holds the per-connection state shared by the server
// and client engines: the transport, the capability vectors, the
// lifecycle state, and the session's private transfer buffer.
//
// Grounded on spec §3's "Session state" data model and on rclone's
// fs/accounting-style "one owner goroutine, mutex only around shared
// bookkeeping" discipline.
package session

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/frankeskens/rdist/caps"
	"github.com/frankeskens/rdist/protocol"
)

// State is a session's lifecycle state.
type State int32

const (
	Reset State = iota
	Ready
	Closing
	Final
)

func (s State) String() string {
	switch s {
	case Reset:
		return "reset"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Final:
		return "final"
	default:
		return "unknown"
	}
}

// Role distinguishes which side of the protocol a Session drives.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Session is one live client or server connection.
type Session struct {
	ID     uuid.UUID
	Role   Role
	Conn   *protocol.Conn
	Buffer []byte

	Local, Remote, Global caps.Vector

	state atomic.Int32
}

// New creates a Session bound to nc, sized per spec's MAX_TRANSFER
// shared buffer.
func New(ctx context.Context, nc net.Conn, role Role) *Session {
	s := &Session{
		ID:     uuid.New(),
		Role:   role,
		Conn:   protocol.NewConn(ctx, nc),
		Buffer: make([]byte, protocol.MaxTransfer),
	}
	s.state.Store(int32(Reset))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// SetState transitions the session's lifecycle state.
func (s *Session) SetState(st State) { s.state.Store(int32(st)) }

// Close closes the underlying transport. It is idempotent: calling it
// again after the session has reached Final does nothing (spec §5's
// "second cancellation request after Final is idempotent").
func (s *Session) Close() error {
	if s.State() == Final {
		return nil
	}
	s.SetState(Final)
	return s.Conn.Close()
}

// PeerAddr returns the remote address for status reporting, or ""
// if unavailable.
func (s *Session) PeerAddr() string {
	if ra := s.Conn.Raw(); ra != nil {
		if addr := ra.RemoteAddr(); addr != nil {
			return addr.String()
		}
	}
	return ""
}
