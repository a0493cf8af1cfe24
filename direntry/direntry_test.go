package direntry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeEqualMasksLowBit(t *testing.T) {
	assert.True(t, TimeEqual(100, 101))
	assert.True(t, TimeEqual(101, 100))
	assert.False(t, TimeEqual(100, 102))
}

func TestCompareTimeMasksLowBit(t *testing.T) {
	assert.Equal(t, 0, CompareTime(100, 101))
	assert.Equal(t, 1, CompareTime(103, 100))
	assert.Equal(t, -1, CompareTime(100, 103))
}

func TestScanSkipsDotAndDotDot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	l, err := Scan(dir, ScanOptions{CaseSensitive: true})
	require.NoError(t, err)
	names := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		names[i] = e.Name
	}
	assert.ElementsMatch(t, []string{"a", "sub"}, names)
}

func TestScanSkipsLnkOnMixedOS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lnk"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("x"), 0644))

	l, err := Scan(dir, ScanOptions{CaseSensitive: true, MixedOS: true})
	require.NoError(t, err)
	require.Len(t, l.Entries, 1)
	assert.Equal(t, "b", l.Entries[0].Name)
}

func TestScanOrderingCaseSensitive(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b", "A", "a", "B"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0644))
	}
	l, err := Scan(dir, ScanOptions{CaseSensitive: true})
	require.NoError(t, err)
	var names []string
	for _, e := range l.Entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"A", "B", "a", "b"}, names)
}

func TestScanOrderingCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b", "A"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0644))
	}
	l, err := Scan(dir, ScanOptions{CaseSensitive: false})
	require.NoError(t, err)
	var names []string
	for _, e := range l.Entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"A", "b"}, names)
}

func TestLocateFound(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0644))
	}
	l, err := Scan(dir, ScanOptions{CaseSensitive: true})
	require.NoError(t, err)

	e, idx, ok := l.Locate("b")
	require.True(t, ok)
	assert.Equal(t, "b", e.Name)
	assert.Equal(t, 1, idx)

	_, idx, ok = l.Locate("bb")
	assert.False(t, ok)
	assert.Equal(t, 2, idx)
}

func TestInsertPreservesOrder(t *testing.T) {
	l := NewListing("/tmp/x", true)
	l.Entries = []*Entry{{Name: "a"}, {Name: "c"}}
	l.Insert(&Entry{Name: "b"}, 1)
	var names []string
	for _, e := range l.Entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestFoldEquals(t *testing.T) {
	l := NewListing("/tmp/x", false)
	l.Entries = []*Entry{{Name: "A"}, {Name: "a"}}
	assert.True(t, l.FoldEquals(0, "a"))
	assert.False(t, l.FoldEquals(0, "b"))
}

func TestChecksumMatchesHandWritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	body := []byte("ABCDEFGHIJ") // 10 bytes: one full word + 2 trailing
	require.NoError(t, os.WriteFile(path, body, 0644))

	got, err := Checksum(path)
	require.NoError(t, err)

	word1 := uint64(0)
	for _, b := range body[:8] {
		word1 = word1<<8 | uint64(b)
	}
	word2 := uint64(body[8])<<56 | uint64(body[9])<<48
	want := word1 + word2
	assert.Equal(t, want, got)
}

func TestChecksumEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	got, err := Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got)
}

func TestFromFileRoundTripAttributes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0644))

	e, err := FromFile(dir, "f", ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, TypeRegular, e.Type)
	assert.Equal(t, uint64(2), e.Size)
	assert.NotZero(t, e.Info&InfoRUsr)
	assert.NotZero(t, e.Info&InfoWUsr)

	e.MTime = time.Now().Add(-time.Hour).Unix()
	require.NoError(t, IntoFile(dir, e))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, TimeEqual(fi.ModTime().Unix(), e.MTime))
}
