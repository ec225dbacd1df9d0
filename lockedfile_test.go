package fcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLocked_exclusiveSerializesHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry")

	first, err := openLocked(path, true, true, 0o666)
	require.NoError(t, err)

	acquired := make(chan time.Time, 1)

	go func() {
		second, err := openLocked(path, true, true, 0o666)
		if err == nil {
			acquired <- time.Now()

			_ = second.Close()
		}
	}()

	released := time.Now().Add(100 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, first.Close())

	select {
	case at := <-acquired:
		assert.False(t, at.Before(released.Add(-10*time.Millisecond)),
			"second holder acquired the lock before the first released it")
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestOpenLocked_sharedHoldersCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry")

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o666))

	first, err := openLocked(path, false, false, 0o666)
	require.NoError(t, err)

	second, err := openLocked(path, false, false, 0o666)
	require.NoError(t, err)

	assert.NoError(t, first.Close())
	assert.NoError(t, second.Close())
}

func TestLockedFile_remove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry")

	lf, err := openLocked(path, true, true, 0o666)
	require.NoError(t, err)

	require.NoError(t, lf.remove())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLockedFile_removeWithConcurrentReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry")

	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o666))

	reader, err := openLocked(path, false, false, 0o666)
	require.NoError(t, err)

	writer, err := os.OpenFile(path, os.O_RDWR, 0o666)
	require.NoError(t, err)

	// Deleting must not disturb the reader's open handle.
	require.NoError(t, (&lockedFile{f: writer, path: path}).remove())

	buf := make([]byte, 7)
	_, err = reader.f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), buf)

	require.NoError(t, reader.Close())
}

func TestRemoveFile_missingIsFine(t *testing.T) {
	assert.NoError(t, removeFile(filepath.Join(t.TempDir(), "nope"), 0o666))
}
