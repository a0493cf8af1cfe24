package caps

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankeskens/rdist/protocol"
)

func TestAndComputesGlobalVector(t *testing.T) {
	a := Vector{}
	copy(a.Version[:], "v1")
	a.Flags[0] = flag0Case | flag0Posix
	a.Flags[7] = flag7Ksum

	b := Vector{}
	copy(b.Version[:], "v1")
	b.Flags[0] = flag0Posix
	b.Flags[7] = 0

	g := a.And(b)
	assert.False(t, g.CaseSensitive())
	assert.True(t, g.SupportsPosixAttrs())
	assert.False(t, g.ChecksumRequested())
}

func TestLocalReflectsChecksumOption(t *testing.T) {
	v := Local(LocalOptions{Checksum: true})
	assert.True(t, v.ChecksumRequested())
	assert.Equal(t, Version, v.VersionString())

	v2 := Local(LocalOptions{Checksum: false})
	assert.False(t, v2.ChecksumRequested())
}

func TestNormalizeCygdrive(t *testing.T) {
	assert.Equal(t, "/Users/bob", Normalize("/cygdrive/c/Users/bob", OSCygwin))
}

func TestNormalizeWindowsDrive(t *testing.T) {
	assert.Equal(t, "/Users/bob", Normalize(`C:\Users\bob`, OSWindows))
}

func TestBasename(t *testing.T) {
	assert.Equal(t, "bob", basename("/Users/bob"))
	assert.Equal(t, "bob", basename("/Users/bob/"))
	assert.Equal(t, "bob", basename("bob"))
}

func TestExchangeRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()
	client := protocol.NewConn(ctx, a)
	server := protocol.NewConn(ctx, b)

	local := Local(LocalOptions{Checksum: true})
	serverLocal := Local(LocalOptions{})

	done := make(chan struct {
		remote, global Vector
		err            error
	}, 1)
	go func() {
		remote, global, err := Exchange(client, local)
		done <- struct {
			remote, global Vector
			err            error
		}{remote, global, err}
	}()

	gotOpcode, err := server.ReadOpcode()
	require.NoError(t, err)
	assert.Equal(t, protocol.OpVersion, gotOpcode)

	remoteOfServer, err := readVector(server)
	require.NoError(t, err)
	assert.Equal(t, local, remoteOfServer)

	require.NoError(t, writeVector(server, serverLocal))
	require.NoError(t, server.WriteResponse(protocol.Accept))

	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, serverLocal, result.remote)
	assert.Equal(t, local.And(serverLocal), result.global)
}

func TestHandshakeRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()
	client := protocol.NewConn(ctx, a)
	server := protocol.NewConn(ctx, b)

	local := Local(LocalOptions{Checksum: true})
	serverLocal := Local(LocalOptions{})

	done := make(chan struct {
		remote, global Vector
		err            error
	}, 1)
	go func() {
		remote, global, err := Handshake(server, serverLocal)
		done <- struct {
			remote, global Vector
			err            error
		}{remote, global, err}
	}()

	remote, global, err := Exchange(client, local)
	require.NoError(t, err)
	assert.Equal(t, serverLocal, remote)
	assert.Equal(t, local.And(serverLocal), global)

	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, local, result.remote)
	assert.Equal(t, local.And(serverLocal), result.global)
}

func TestHandshakeVersionMismatchRejects(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()
	client := protocol.NewConn(ctx, a)
	server := protocol.NewConn(ctx, b)

	serverLocal := Local(LocalOptions{})
	var mismatched Vector
	copy(mismatched.Version[:], "9.99999999")

	done := make(chan error, 1)
	go func() {
		_, _, err := Handshake(server, serverLocal)
		done <- err
	}()

	_, _, err := Exchange(client, mismatched)
	require.Error(t, err)

	serverErr := <-done
	require.Error(t, serverErr)
	assert.ErrorIs(t, serverErr, ErrVersionMismatch)
}

func TestRespondCWDRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()
	client := protocol.NewConn(ctx, a)
	server := protocol.NewConn(ctx, b)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- RespondCWD(server, "/srv/data")
	}()

	remote := Local(LocalOptions{})
	remote.Flags[1] = byte(OSPosix)
	err := VerifyCWD(client, "/home/bob/data", remote)
	require.NoError(t, err)
	require.NoError(t, <-serverDone)
}

func TestExchangeVersionMismatch(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()
	client := protocol.NewConn(ctx, a)
	server := protocol.NewConn(ctx, b)

	local := Local(LocalOptions{})
	var mismatched Vector
	copy(mismatched.Version[:], "9.99999999")

	done := make(chan error, 1)
	go func() {
		_, _, err := Exchange(client, local)
		done <- err
	}()

	_, err := server.ReadOpcode()
	require.NoError(t, err)
	_, err = readVector(server)
	require.NoError(t, err)
	require.NoError(t, writeVector(server, mismatched))
	require.NoError(t, server.WriteResponse(protocol.Accept))

	err = <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}
