package fcache_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vearutop/fcache"
)

// journalCases runs the same scenario against every journal implementation.
func journalCases(t *testing.T, scenario func(t *testing.T, j fcache.Journal)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		scenario(t, fcache.NewMemoryJournal())
	})

	t.Run("sqlite", func(t *testing.T) {
		j, err := fcache.NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
		require.NoError(t, err)

		t.Cleanup(func() {
			assert.NoError(t, j.Close())
		})

		scenario(t, j)
	})
}

func TestJournal_tagClean(t *testing.T) {
	journalCases(t, func(t *testing.T, j fcache.Journal) {
		ctx := context.Background()

		require.NoError(t, j.Write(ctx, "k1", fcache.Dependencies{Tags: []string{"a"}}))
		require.NoError(t, j.Write(ctx, "k2", fcache.Dependencies{Tags: []string{"b"}}))
		require.NoError(t, j.Write(ctx, "k3", fcache.Dependencies{Tags: []string{"a", "b"}}))

		keys, err := j.Clean(ctx, fcache.CleanConditions{Tags: []string{"a"}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"k1", "k3"}, keys)

		// The matched entries are consumed.
		keys, err = j.Clean(ctx, fcache.CleanConditions{Tags: []string{"a"}})
		require.NoError(t, err)
		assert.Empty(t, keys)

		keys, err = j.Clean(ctx, fcache.CleanConditions{Tags: []string{"b"}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"k2"}, keys)
	})
}

func TestJournal_rewrite(t *testing.T) {
	journalCases(t, func(t *testing.T, j fcache.Journal) {
		ctx := context.Background()

		require.NoError(t, j.Write(ctx, "k1", fcache.Dependencies{Tags: []string{"a"}}))

		// A rewrite replaces the dependencies, the old tag no longer matches.
		require.NoError(t, j.Write(ctx, "k1", fcache.Dependencies{Tags: []string{"b"}}))

		keys, err := j.Clean(ctx, fcache.CleanConditions{Tags: []string{"a"}})
		require.NoError(t, err)
		assert.Empty(t, keys)

		keys, err = j.Clean(ctx, fcache.CleanConditions{Tags: []string{"b"}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"k1"}, keys)
	})
}

func TestJournal_priorityBound(t *testing.T) {
	journalCases(t, func(t *testing.T, j fcache.Journal) {
		ctx := context.Background()

		require.NoError(t, j.Write(ctx, "low", fcache.Dependencies{Priority: 10}))
		require.NoError(t, j.Write(ctx, "mid", fcache.Dependencies{Priority: 50}))
		require.NoError(t, j.Write(ctx, "high", fcache.Dependencies{Priority: 100}))
		require.NoError(t, j.Write(ctx, "none", fcache.Dependencies{Tags: []string{"t"}}))

		keys, err := j.Clean(ctx, fcache.CleanConditions{Priority: 50})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"low", "mid"}, keys)

		keys, err = j.Clean(ctx, fcache.CleanConditions{Priority: 1000})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"high"}, keys)
	})
}

func TestJournal_tagsWithPriority(t *testing.T) {
	journalCases(t, func(t *testing.T, j fcache.Journal) {
		ctx := context.Background()

		require.NoError(t, j.Write(ctx, "cheap", fcache.Dependencies{Tags: []string{"a"}, Priority: 10}))
		require.NoError(t, j.Write(ctx, "costly", fcache.Dependencies{Tags: []string{"a"}, Priority: 100}))
		require.NoError(t, j.Write(ctx, "unranked", fcache.Dependencies{Tags: []string{"a"}}))

		// Entries without a priority are excluded when a bound is given.
		keys, err := j.Clean(ctx, fcache.CleanConditions{Tags: []string{"a"}, Priority: 50})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"cheap"}, keys)

		keys, err = j.Clean(ctx, fcache.CleanConditions{Tags: []string{"a"}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"costly", "unranked"}, keys)
	})
}

func TestJournal_cleanAll(t *testing.T) {
	journalCases(t, func(t *testing.T, j fcache.Journal) {
		ctx := context.Background()

		require.NoError(t, j.Write(ctx, "k1", fcache.Dependencies{Tags: []string{"a"}}))
		require.NoError(t, j.Write(ctx, "k2", fcache.Dependencies{Priority: 5}))

		keys, err := j.Clean(ctx, fcache.CleanConditions{All: true})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"k1", "k2"}, keys)

		keys, err = j.Clean(ctx, fcache.CleanConditions{All: true})
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestSQLiteJournal_closed(t *testing.T) {
	ctx := context.Background()

	j, err := fcache.NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)

	require.NoError(t, j.Write(ctx, "k1", fcache.Dependencies{Tags: []string{"a"}}))

	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	err = j.Write(ctx, "k2", fcache.Dependencies{Tags: []string{"a"}})
	assert.ErrorIs(t, err, fcache.ErrClosed)

	_, err = j.Clean(ctx, fcache.CleanConditions{All: true})
	assert.ErrorIs(t, err, fcache.ErrClosed)
}

func TestJournal_binaryKeys(t *testing.T) {
	journalCases(t, func(t *testing.T, j fcache.Journal) {
		ctx := context.Background()

		// Derived keys contain the namespace separator byte.
		key := "ns" + fcache.NamespaceSeparator + "deadbeef"

		require.NoError(t, j.Write(ctx, key, fcache.Dependencies{Tags: []string{"a"}}))

		keys, err := j.Clean(ctx, fcache.CleanConditions{Tags: []string{"a"}})
		require.NoError(t, err)
		assert.Equal(t, []string{key}, keys)
	})
}
