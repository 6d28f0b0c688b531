package keyspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPrefix = "agent.0.sandbox.files.file"

func newTestMapper(t *testing.T, root string) *Mapper {
	t.Helper()
	m, err := NewMapper(Mapping{Prefix: testPrefix, Root: root})
	require.NoError(t, err)
	return m
}

func TestMapResolvesUnderRoot(t *testing.T) {
	m := newTestMapper(t, "files")

	id, err := m.Map("agent.0.sandbox.files.file.samples/chapter6.mp3")
	require.NoError(t, err)
	require.Equal(t, "samples/chapter6.mp3", id)

	abs, err := filepath.Abs(filepath.Join("files", "samples", "chapter6.mp3"))
	require.NoError(t, err)
	require.Equal(t, abs, m.Path(id))
}

func TestMapRejectsTraversal(t *testing.T) {
	m := newTestMapper(t, t.TempDir())

	cases := []string{
		testPrefix + ".../etc/passwd",
		testPrefix + ".samples/../../etc/passwd",
		testPrefix + ".samples/../chapter6.mp3",
		testPrefix + "./etc/passwd",
		testPrefix + ".a\\b",
		testPrefix + "." + ResumeDir + "/x",
	}
	for _, key := range cases {
		_, err := m.Map(key)
		require.Error(t, err, key)
		if !errors.Is(err, ErrPathEscape) && !errors.Is(err, ErrMalformedKey) {
			t.Fatalf("key %q: unexpected error %v", key, err)
		}
	}

	_, err := m.Map(testPrefix + ".samples/../chapter6.mp3")
	require.ErrorIs(t, err, ErrPathEscape)
}

func TestMapRejectsForeignPrefix(t *testing.T) {
	m := newTestMapper(t, t.TempDir())
	_, err := m.Map("agent.1.sandbox.files.file.a.bin")
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestParseClassifiesKeys(t *testing.T) {
	m := newTestMapper(t, t.TempDir())

	k, err := m.Parse(SizeKey(testPrefix, "samples/chapter6.mp3"))
	require.NoError(t, err)
	require.Equal(t, Key{File: "samples/chapter6.mp3", Kind: KindSize}, k)

	k, err = m.Parse(CRCKey(testPrefix, "samples/chapter6.mp3"))
	require.NoError(t, err)
	require.Equal(t, KindCRC, k.Kind)

	k, err = m.Parse(FragmentKey(testPrefix, "samples/chapter6.mp3", 62000))
	require.NoError(t, err)
	require.Equal(t, Key{File: "samples/chapter6.mp3", Kind: KindFragment, Offset: 62000}, k)
}

func TestParseRejectsBadOffsets(t *testing.T) {
	m := newTestMapper(t, t.TempDir())

	_, err := m.Parse(testPrefix + ".a.bin.fragment@-5")
	require.ErrorIs(t, err, ErrMalformedKey)

	_, err = m.Parse(testPrefix + ".a.bin.fragment@abc")
	require.ErrorIs(t, err, ErrMalformedKey)

	_, err = m.Parse(testPrefix + ".a.bin.fragment@99999999999999999999999")
	require.ErrorIs(t, err, ErrOffsetOutOfRange)

	_, err = m.Parse(testPrefix + ".a.bin.fragment@11000000000000")
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func TestParseRejectsUnknownSuffix(t *testing.T) {
	m := newTestMapper(t, t.TempDir())

	_, err := m.Parse(testPrefix + ".samples/chapter6.mp3")
	require.ErrorIs(t, err, ErrMalformedKey)

	_, err = m.Parse(testPrefix + ".crc")
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestEnsureDirCreatesParents(t *testing.T) {
	root := t.TempDir()
	m := newTestMapper(t, root)

	p, err := m.EnsureDir("a/b/c.bin")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "a", "b", "c.bin"), p)

	info, err := os.Stat(filepath.Join(root, "a", "b"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestCleanPath(t *testing.T) {
	got, err := CleanPath("samples/./chapter6.mp3")
	require.NoError(t, err)
	require.Equal(t, "samples/chapter6.mp3", got)

	for _, bad := range []string{"", "/etc/passwd", "a/../b", `a\b`, ResumeDir + "/x"} {
		_, err := CleanPath(bad)
		require.Error(t, err, bad)
	}
}

func TestKeyBuildersRoundTrip(t *testing.T) {
	m := newTestMapper(t, t.TempDir())
	rel := "samples/chapter6.mp3"

	k, err := m.Parse(FragmentKey(testPrefix+".", rel, 4096))
	require.NoError(t, err)
	require.Equal(t, Key{File: rel, Kind: KindFragment, Offset: 4096}, k)

	k, err = m.Parse(SizeKey(testPrefix, rel))
	require.NoError(t, err)
	require.Equal(t, KindSize, k.Kind)

	k, err = m.Parse(CRCKey(testPrefix, rel))
	require.NoError(t, err)
	require.Equal(t, KindCRC, k.Kind)
}
