// Package server implements the read-only serving side of a session:
// an accept loop spawning one goroutine per connection, and that
// connection's Invalid/Valid request state machine (spec §4.5).
//
// Grounded on gokr-rsync's rsyncd.Server.Serve/handleConn shape (accept,
// register, spawn, loop-until-error) and on rclone cmd/serve/ftp's
// pattern of binding every connection handler to one root path.
package server

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/frankeskens/rdist/caps"
	"github.com/frankeskens/rdist/direntry"
	"github.com/frankeskens/rdist/protocol"
	"github.com/frankeskens/rdist/registry"
	"github.com/frankeskens/rdist/session"
)

// Server serves one filesystem subtree, rooted at Root, to any client
// that connects on Listener.
type Server struct {
	Root     string
	Listener net.Listener

	// Checksum is this host's -V capability: request checksums be
	// computed during scans when the negotiated global vector asks
	// for them.
	Checksum bool

	// Registry receives every accepted session; defaults to
	// registry.Default when nil.
	Registry *registry.Registry
}

func (s *Server) registry() *registry.Registry {
	if s.Registry != nil {
		return s.Registry
	}
	return registry.Default
}

// ListenAndServe accepts connections until ctx is cancelled or the
// listener is closed, spawning one handler goroutine per connection.
// Grounded directly on rsyncd.(*Server).Serve's accept-register-spawn
// loop.
func (s *Server) ListenAndServe(ctx context.Context) error {
	for {
		nc, err := s.Listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}
		sess := session.New(ctx, nc, session.RoleServer)
		s.registry().Register(sess)
		go s.handleConn(sess)
	}
}

// serverState is the per-connection Invalid/Valid machine of spec
// §4.5, distinct from session.State's coarser connection lifecycle.
type serverState int

const (
	stateInvalid serverState = iota
	stateValid
)

// handleConn drives one connection's request loop until the client
// quits or a fatal error occurs.
func (s *Server) handleConn(sess *session.Session) {
	defer s.registry().Unregister(sess.ID)
	defer sess.Close()

	local := caps.Local(caps.LocalOptions{Checksum: s.Checksum})
	state := stateInvalid
	log.WithField("session", sess.ID).Info("session accepted")

	for {
		op, err := sess.Conn.ReadOpcode()
		if err != nil {
			logSessionEnd(sess, err)
			return
		}

		switch {
		case state == stateInvalid && op == protocol.OpVersion:
			// caps.Handshake reads the V opcode itself, so push it back.
			if err := sess.Conn.Reader().(*bufio.Reader).UnreadByte(); err != nil {
				logSessionEnd(sess, err)
				return
			}
			remote, global, err := caps.Handshake(sess.Conn, local)
			if err != nil {
				log.WithField("session", sess.ID).WithError(err).Warn("handshake rejected")
				continue
			}
			sess.Remote, sess.Global = remote, global
			sess.SetState(session.Ready)
			state = stateValid

		case op == protocol.OpCwd:
			// Answered before and after the handshake; caps.RespondCWD
			// reads the P opcode itself, so push it back.
			if err := sess.Conn.Reader().(*bufio.Reader).UnreadByte(); err != nil {
				logSessionEnd(sess, err)
				return
			}
			if err := caps.RespondCWD(sess.Conn, s.Root); err != nil {
				logSessionEnd(sess, err)
				return
			}

		case state == stateInvalid && op == protocol.OpQuit:
			_ = sess.Conn.WriteResponse(protocol.Accept)
			_ = sess.Conn.Flush()
			return

		case state == stateInvalid:
			_ = sess.Conn.WriteResponse(protocol.Reject)
			_ = sess.Conn.Flush()

		case state == stateValid && op == protocol.OpGoto:
			name, err := sess.Conn.ReadString()
			if err != nil {
				logSessionEnd(sess, err)
				return
			}
			if err := s.enterTopChild(sess, name); err != nil {
				logSessionEnd(sess, err)
				return
			}
			state = stateInvalid

		case state == stateValid && op == protocol.OpQuit:
			_ = sess.Conn.WriteResponse(protocol.Accept)
			_ = sess.Conn.Flush()
			return

		default:
			_ = sess.Conn.WriteResponse(protocol.Reject)
			_ = sess.Conn.Flush()
		}
	}
}

// enterTopChild validates and recurses into the top-level child named
// by the client's first GOTO, mirroring the Valid|G row of spec §4.5's
// state table: a reply of N here simply ends the traversal, it is not
// a session-fatal error.
func (s *Server) enterTopChild(sess *session.Session, name string) error {
	full := filepath.Join(s.Root, name)
	entry, acceptErr := direntry.FromFile(s.Root, name, s.scanOptions(sess))
	if acceptErr != nil {
		return rejectAndFlush(sess.Conn)
	}
	if entry.Type != direntry.TypeDirectory || !ownerReadExec(entry.Info) {
		return rejectAndFlush(sess.Conn)
	}
	if err := sess.Conn.WriteResponse(protocol.Accept); err != nil {
		return err
	}
	if err := sess.Conn.Flush(); err != nil {
		return err
	}
	return s.directory(sess, full)
}

func rejectAndFlush(conn *protocol.Conn) error {
	if err := conn.WriteResponse(protocol.Reject); err != nil {
		return err
	}
	return conn.Flush()
}

func (s *Server) scanOptions(sess *session.Session) direntry.ScanOptions {
	return direntry.ScanOptions{
		CaseSensitive: sess.Global.CaseSensitive(),
		MixedOS:       sess.Global.OSFamily() == caps.OSMixed,
		Checksum:      sess.Global.ChecksumRequested(),
	}
}

// directory implements spec §4.5's recursive directory subroutine: it
// sends the listing of path, then serves F/G/Q requests against it
// until the client sends Q.
func (s *Server) directory(sess *session.Session, path string) error {
	listing, err := direntry.Scan(path, s.scanOptions(sess))
	if err != nil {
		return err
	}
	if err := direntry.WriteListing(sess.Conn, listing); err != nil {
		return err
	}

	for {
		op, err := sess.Conn.ReadOpcode()
		if err != nil {
			return err
		}
		switch op {
		case protocol.OpFile:
			if err := s.serveFile(sess, path, listing); err != nil {
				return err
			}
		case protocol.OpGoto:
			if err := s.serveChildDir(sess, path, listing); err != nil {
				return err
			}
		case protocol.OpQuit:
			if err := sess.Conn.WriteResponse(protocol.Accept); err != nil {
				return err
			}
			return sess.Conn.Flush()
		default:
			if err := rejectAndFlush(sess.Conn); err != nil {
				return err
			}
		}
	}
}

func (s *Server) serveFile(sess *session.Session, path string, listing *direntry.Listing) error {
	name, err := sess.Conn.ReadString()
	if err != nil {
		return err
	}
	entry, _, found := listing.Locate(name)
	if !found || entry.Type != direntry.TypeRegular || entry.Info&direntry.InfoRUsr == 0 {
		return rejectAndFlush(sess.Conn)
	}

	f, err := os.Open(filepath.Join(path, name))
	if err != nil {
		return rejectAndFlush(sess.Conn)
	}
	defer f.Close()

	if err := sess.Conn.WriteResponse(protocol.Accept); err != nil {
		return err
	}
	return sess.Conn.WriteFrom(f, int64(entry.Size))
}

func (s *Server) serveChildDir(sess *session.Session, path string, listing *direntry.Listing) error {
	name, err := sess.Conn.ReadString()
	if err != nil {
		return err
	}
	entry, _, found := listing.Locate(name)
	if !found || entry.Type != direntry.TypeDirectory || !ownerReadExec(entry.Info) {
		return rejectAndFlush(sess.Conn)
	}
	if err := sess.Conn.WriteResponse(protocol.Accept); err != nil {
		return err
	}
	if err := sess.Conn.Flush(); err != nil {
		return err
	}
	return s.directory(sess, filepath.Join(path, name))
}

func ownerReadExec(info direntry.Info) bool {
	return info&direntry.InfoRUsr != 0 && info&direntry.InfoXUsr != 0
}

func logSessionEnd(sess *session.Session, err error) {
	if err == nil {
		return
	}
	log.WithField("session", sess.ID).WithError(err).Info("session ended")
}
