package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankeskens/rdist/caps"
	"github.com/frankeskens/rdist/direntry"
	"github.com/frankeskens/rdist/protocol"
	"github.com/frankeskens/rdist/registry"
	"github.com/frankeskens/rdist/session"
)

func writeFile(t *testing.T, path string, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestHandleConnServesListingAndFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	reg := registry.New()
	srv := &Server{Root: root, Registry: reg}
	sess := session.New(context.Background(), b, session.RoleServer)
	reg.Register(sess)
	go srv.handleConn(sess)

	ctx := context.Background()
	client := protocol.NewConn(ctx, a)
	local := caps.Local(caps.LocalOptions{})

	_, _, err := caps.Exchange(client, local)
	require.NoError(t, err)

	require.NoError(t, client.WriteOpcode(protocol.OpGoto))
	require.NoError(t, client.WriteString("."))
	require.NoError(t, client.Flush())
	resp, err := client.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, protocol.Accept, resp)

	listing, err := direntry.ReadListing(client, root, true)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 2)

	entry, _, found := listing.Locate("a.txt")
	require.True(t, found)
	assert.Equal(t, direntry.TypeRegular, entry.Type)
	assert.EqualValues(t, 5, entry.Size)

	require.NoError(t, client.WriteOpcode(protocol.OpFile))
	require.NoError(t, client.WriteString("a.txt"))
	require.NoError(t, client.Flush())
	resp, err = client.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, protocol.Accept, resp)

	buf := make([]byte, entry.Size)
	require.NoError(t, client.ReadFull(buf))
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, client.WriteOpcode(protocol.OpQuit))
	resp, err = client.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, protocol.Accept, resp)

	require.NoError(t, client.WriteOpcode(protocol.OpQuit))
	resp, err = client.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, protocol.Accept, resp)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, reg.Len())
}

func TestHandleConnRejectsGotoBeforeHandshake(t *testing.T) {
	root := t.TempDir()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	reg := registry.New()
	srv := &Server{Root: root, Registry: reg}
	sess := session.New(context.Background(), b, session.RoleServer)
	reg.Register(sess)
	go srv.handleConn(sess)

	client := protocol.NewConn(context.Background(), a)
	require.NoError(t, client.WriteOpcode(protocol.OpGoto))
	require.NoError(t, client.WriteString("."))
	resp, err := client.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, protocol.Reject, resp)
}

func TestHandleConnRejectsUnreadableChild(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "onlyfile"), "x")

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	reg := registry.New()
	srv := &Server{Root: root, Registry: reg}
	sess := session.New(context.Background(), b, session.RoleServer)
	reg.Register(sess)
	go srv.handleConn(sess)

	client := protocol.NewConn(context.Background(), a)
	local := caps.Local(caps.LocalOptions{})
	_, _, err := caps.Exchange(client, local)
	require.NoError(t, err)

	require.NoError(t, client.WriteOpcode(protocol.OpGoto))
	require.NoError(t, client.WriteString("onlyfile"))
	require.NoError(t, client.Flush())
	resp, err := client.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, protocol.Reject, resp)
}
