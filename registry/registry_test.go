package registry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankeskens/rdist/session"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { b.Close() })
	return session.New(context.Background(), a, session.RoleServer)
}

func TestRegisterUnregister(t *testing.T) {
	r := New()
	s := newTestSession(t)
	r.Register(s)
	assert.Equal(t, 1, r.Len())
	r.Unregister(s.ID)
	assert.Equal(t, 0, r.Len())
}

func TestDumpReportsState(t *testing.T) {
	r := New()
	s := newTestSession(t)
	s.SetState(session.Ready)
	r.Register(s)

	lines := r.Dump()
	require.Len(t, lines, 1)
	assert.Equal(t, session.Ready, lines[0].State)
	assert.Equal(t, s.ID, lines[0].ID)
}

func TestShutdownAllClosesEverySession(t *testing.T) {
	r := New()
	s1 := newTestSession(t)
	s2 := newTestSession(t)
	r.Register(s1)
	r.Register(s2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.ShutdownAll(ctx)

	assert.Equal(t, session.Final, s1.State())
	assert.Equal(t, session.Final, s2.State())
}

func TestShutdownAllIdempotent(t *testing.T) {
	r := New()
	s := newTestSession(t)
	r.Register(s)
	ctx := context.Background()
	r.ShutdownAll(ctx)
	r.ShutdownAll(ctx) // must not hang or panic on a second call
	assert.Equal(t, session.Final, s.State())
}
