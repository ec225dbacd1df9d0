package fcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorage_cacheRelPath(t *testing.T) {
	s := &FileStorage{config: FileStorageConfig{Dir: "/cache"}}

	assert.Equal(t, "abc", s.cacheRelPath("abc"))
	assert.Equal(t, "ns/abc", s.cacheRelPath("ns"+NamespaceSeparator+"abc"))
	assert.Equal(t, "a/b/abc", s.cacheRelPath("a"+NamespaceSeparator+"b"+NamespaceSeparator+"abc"))

	// Path-hostile characters stay inside a single component.
	assert.Equal(t, "a%2Fb", s.cacheRelPath("a/b"))
	assert.Equal(t, "a%3Ab", s.cacheRelPath("a:b"))
}

func TestFileStorage_namespaceDir(t *testing.T) {
	s := &FileStorage{config: FileStorageConfig{Dir: "/cache"}}

	assert.Equal(t, filepath.Join("/cache", "ns"), s.namespaceDir("ns"))
	assert.Equal(t, filepath.Join("/cache", "ns"), s.namespaceDir("ns"+NamespaceSeparator))
	assert.Equal(t, filepath.Join("/cache", "a", "b"), s.namespaceDir("a"+NamespaceSeparator+"b"+NamespaceSeparator))
}

func writeRawRecord(t *testing.T, path string, meta recordMeta, payload []byte) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	require.NoError(t, err)

	metaBytes, err := encodeMeta(meta)
	require.NoError(t, err)

	require.NoError(t, writeRecord(f, metaBytes, payload))
	require.NoError(t, f.Close())
}

func TestFileStorage_circularItemsInvalidateInsteadOfRecursing(t *testing.T) {
	dir := t.TempDir()

	// Two records depending on each other with matching creation stamps.
	writeRawRecord(t, filepath.Join(dir, "a"), recordMeta{
		Time:  1,
		Items: map[string]int64{"b": 2},
	}, []byte("va"))
	writeRawRecord(t, filepath.Join(dir, "b"), recordMeta{
		Time:  2,
		Items: map[string]int64{"a": 1},
	}, []byte("vb"))

	s, err := NewFileStorage(FileStorageConfig{Dir: dir, GCProbability: -1})
	require.NoError(t, err)

	_, err = s.Read(context.Background(), "a")
	assert.ErrorIs(t, err, ErrCacheItemNotFound)

	// The whole cycle is dropped.
	_, err = os.Stat(filepath.Join(dir, "a"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "b"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStorage_interruptedWriteReadsAsMiss(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a")

	// A crash between payload and header commit leaves the sentinel header.
	require.NoError(t, os.WriteFile(path, append(make([]byte, headerSize), []byte("half-written payload")...), 0o666))

	s, err := NewFileStorage(FileStorageConfig{Dir: dir, GCProbability: -1})
	require.NoError(t, err)

	_, err = s.Read(context.Background(), "a")
	assert.ErrorIs(t, err, ErrCacheItemNotFound)

	// The unparseable leftover is dropped.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCheckCallbacks(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "watched")

	require.NoError(t, os.WriteFile(watched, []byte("v1"), 0o666))

	cb := Callback{Kind: CallbackFile, Name: watched, Stamp: fileStamp(watched)}
	assert.True(t, checkCallbacks([]Callback{cb}, nil))

	require.NoError(t, os.Remove(watched))
	assert.False(t, checkCallbacks([]Callback{cb}, nil))

	// Absent at snapshot time and still absent holds.
	gone := Callback{Kind: CallbackFile, Name: filepath.Join(dir, "never"), Stamp: 0}
	assert.True(t, checkCallbacks([]Callback{gone}, nil))

	consts := func(name string) (string, bool) {
		if name == "version" {
			return "1", true
		}

		return "", false
	}

	assert.True(t, checkCallbacks([]Callback{{Kind: CallbackConst, Name: "version", Value: "1"}}, consts))
	assert.False(t, checkCallbacks([]Callback{{Kind: CallbackConst, Name: "version", Value: "2"}}, consts))
	assert.False(t, checkCallbacks([]Callback{{Kind: CallbackConst, Name: "other", Value: "1"}}, consts))
	assert.False(t, checkCallbacks([]Callback{{Kind: CallbackConst, Name: "version", Value: "1"}}, nil))
}
