package install

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankeskens/rdist/direntry"
	"github.com/frankeskens/rdist/protocol"
)

func TestBackoutGuardRemovesOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial")
	f, err := os.Create(path)
	require.NoError(t, err)

	g := NewBackoutGuard(path, f)
	require.NoError(t, g.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestBackoutGuardDisarmKeepsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kept")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	g := NewBackoutGuard(path, nil)
	g.Disarm()
	require.NoError(t, g.Close())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestInstallFileWritesBodyAndAttributes(t *testing.T) {
	dir := t.TempDir()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()
	client := protocol.NewConn(ctx, a)
	serverSide := protocol.NewConn(ctx, b)

	entry := &direntry.Entry{Name: "hello.txt", Type: direntry.TypeRegular, Size: 5, Info: direntry.InfoRUsr | direntry.InfoWUsr, MTime: 1700000000}

	done := make(chan struct {
		outcome string
		err     error
	}, 1)
	go func() {
		buf := make([]byte, protocol.MaxTransfer)
		outcome, err := InstallFile(client, dir, entry, buf)
		done <- struct {
			outcome string
			err     error
		}{outcome, err}
	}()

	op, err := serverSide.ReadOpcode()
	require.NoError(t, err)
	assert.Equal(t, protocol.OpFile, op)
	name, err := serverSide.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", name)

	require.NoError(t, serverSide.WriteResponse(protocol.Accept))
	require.NoError(t, serverSide.WriteFrom(strings.NewReader("world"), 5))

	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, "installed", result.outcome)

	body, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(body))
}

func TestInstallFileServerRejectionIsSkipped(t *testing.T) {
	dir := t.TempDir()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()
	client := protocol.NewConn(ctx, a)
	serverSide := protocol.NewConn(ctx, b)

	entry := &direntry.Entry{Name: "denied.txt", Type: direntry.TypeRegular, Size: 3}

	done := make(chan struct {
		outcome string
		err     error
	}, 1)
	go func() {
		buf := make([]byte, protocol.MaxTransfer)
		outcome, err := InstallFile(client, dir, entry, buf)
		done <- struct {
			outcome string
			err     error
		}{outcome, err}
	}()

	_, err := serverSide.ReadOpcode()
	require.NoError(t, err)
	_, err = serverSide.ReadString()
	require.NoError(t, err)
	require.NoError(t, serverSide.WriteResponse(protocol.Reject))

	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, "skipped [Disallowed by SERVER]", result.outcome)
	_, statErr := os.Stat(filepath.Join(dir, "denied.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInstallFileTransportDropLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	a, b := net.Pipe()
	defer a.Close()
	ctx := context.Background()
	client := protocol.NewConn(ctx, a)
	serverSide := protocol.NewConn(ctx, b)

	entry := &direntry.Entry{Name: "big.bin", Type: direntry.TypeRegular, Size: 1 << 20}

	done := make(chan struct {
		outcome string
		err     error
	}, 1)
	go func() {
		buf := make([]byte, protocol.MaxTransfer)
		outcome, err := InstallFile(client, dir, entry, buf)
		done <- struct {
			outcome string
			err     error
		}{outcome, err}
	}()

	_, err := serverSide.ReadOpcode()
	require.NoError(t, err)
	_, err = serverSide.ReadString()
	require.NoError(t, err)
	require.NoError(t, serverSide.WriteResponse(protocol.Accept))
	b.Close() // drop mid-transfer, before any body bytes arrive

	result := <-done
	require.Error(t, result.err)
	_, statErr := os.Stat(filepath.Join(dir, "big.bin"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInstallSymlink(t *testing.T) {
	dir := t.TempDir()
	entry := &direntry.Entry{Name: "link", Type: direntry.TypeSymlink, LinkTarget: "target-does-not-exist"}
	outcome, err := InstallSymlink(dir, entry)
	require.NoError(t, err)
	assert.Equal(t, "installed", outcome)

	got, err := os.Readlink(filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "target-does-not-exist", got)
}

func TestInstallDirectoryThenRemove(t *testing.T) {
	dir := t.TempDir()
	entry := &direntry.Entry{Name: "sub", Type: direntry.TypeDirectory}
	outcome, err := InstallDirectory(dir, entry)
	require.NoError(t, err)
	assert.Equal(t, "installed", outcome)

	nested := filepath.Join(dir, "sub", "inner.txt")
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0400))
	require.NoError(t, os.Chmod(filepath.Join(dir, "sub"), 0500)) // no write bit on the dir itself

	outcome, err = Remove(dir, entry)
	require.NoError(t, err)
	assert.Equal(t, "removed", outcome)
	_, statErr := os.Stat(filepath.Join(dir, "sub"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoveUnknownTypeIsRejected(t *testing.T) {
	dir := t.TempDir()
	entry := &direntry.Entry{Name: "weird", Type: direntry.TypeUnknown}
	outcome, err := Remove(dir, entry)
	require.Error(t, err)
	assert.Equal(t, "kept [unable to remove]", outcome)
}
