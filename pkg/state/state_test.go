package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger(t *testing.T) context.Context {
	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
	return logger.WithContext(context.Background())
}

func TestNew(t *testing.T) {
	t.Run("creates_new_state", func(t *testing.T) {
		dir := t.TempDir()
		st, err := New(dir)
		require.NoError(t, err, "creating new state")
		assert.Equal(t, filepath.Join(dir, LockFileName), st.Path())
		assert.Equal(t, schemaVersion, st.file.SchemaVersion)
	})

	t.Run("requires_dir", func(t *testing.T) {
		_, err := New("")
		require.Error(t, err)
	})
}

func TestLoadAndSave(t *testing.T) {
	ctx := setupTestLogger(t)

	t.Run("load_nonexistent_starts_clean", func(t *testing.T) {
		st, err := New(t.TempDir())
		require.NoError(t, err)

		require.NoError(t, st.Load(ctx), "loading nonexistent state")
		assert.Zero(t, st.Len())
	})

	t.Run("save_and_load_round_trip", func(t *testing.T) {
		dir := t.TempDir()
		st, err := New(dir)
		require.NoError(t, err)

		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		st.Put("docs/guide.md", DocumentEntry{
			Fingerprint:         "aaa",
			OriginalFingerprint: "bbb",
			LastFormatted:       now,
			Status:              StatusFormatted,
		})
		st.SetConfigHash("cfg123")
		st.SetLastRun("run-1", now)
		require.NoError(t, st.Save(ctx))

		st2, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, st2.Load(ctx))

		entry, ok := st2.Get("docs/guide.md")
		require.True(t, ok, "entry should survive round trip")
		assert.Equal(t, "aaa", entry.Fingerprint)
		assert.Equal(t, "bbb", entry.OriginalFingerprint)
		assert.Equal(t, StatusFormatted, entry.Status)
		assert.True(t, entry.LastFormatted.Equal(now))
		assert.Equal(t, "cfg123", st2.ConfigHash())
		require.NotNil(t, st2.LastRun())
		assert.Equal(t, "run-1", st2.LastRun().ID)
	})

	t.Run("save_is_byte_stable", func(t *testing.T) {
		dir := t.TempDir()
		st, err := New(dir)
		require.NoError(t, err)
		st.Put("b.md", DocumentEntry{Fingerprint: "2"})
		st.Put("a.md", DocumentEntry{Fingerprint: "1"})
		require.NoError(t, st.Save(ctx))
		first, err := os.ReadFile(st.Path())
		require.NoError(t, err)

		st2, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, st2.Load(ctx))
		require.NoError(t, st2.Save(ctx))
		second, err := os.ReadFile(st2.Path())
		require.NoError(t, err)

		assert.Equal(t, string(first), string(second), "save(load(save(M))) should equal save(M)")
	})

	t.Run("corrupt_lock_file_fails_loudly", func(t *testing.T) {
		dir := t.TempDir()
		st, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(st.Path(), []byte("{not json"), 0644))

		err = st.Load(ctx)
		require.Error(t, err, "corrupt state must not be silently discarded")
		assert.Contains(t, err.Error(), "corrupt")
	})

	t.Run("save_leaves_no_temp_file", func(t *testing.T) {
		dir := t.TempDir()
		st, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, st.Save(ctx))

		_, err = os.Stat(st.Path() + ".tmp")
		assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
	})
}

func TestPrune(t *testing.T) {
	ctx := setupTestLogger(t)

	st, err := New(t.TempDir())
	require.NoError(t, err)
	st.Put("keep.md", DocumentEntry{Fingerprint: "1"})
	st.Put("gone.md", DocumentEntry{Fingerprint: "2"})
	st.Put("also-gone.md", DocumentEntry{Fingerprint: "3"})

	removed := st.Prune(map[string]struct{}{"keep.md": {}})
	assert.ElementsMatch(t, []string{"gone.md", "also-gone.md"}, removed)
	assert.Equal(t, 1, st.Len())

	_, ok := st.Get("keep.md")
	assert.True(t, ok)

	require.NoError(t, st.Save(ctx))
	st2, err := New(filepath.Dir(st.Path()))
	require.NoError(t, err)
	require.NoError(t, st2.Load(ctx))
	_, ok = st2.Get("gone.md")
	assert.False(t, ok, "pruned entry should be absent after save")
}

func TestDelete(t *testing.T) {
	ctx := setupTestLogger(t)

	st, err := New(t.TempDir())
	require.NoError(t, err)
	st.Put("a.md", DocumentEntry{Fingerprint: "1"})
	require.NoError(t, st.Save(ctx))

	require.NoError(t, st.Delete(ctx))
	_, err = os.Stat(st.Path())
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, st.Len())

	// deleting again is fine
	require.NoError(t, st.Delete(ctx))
}

func TestNormalizeIdentity(t *testing.T) {
	root := filepath.Join("repo", "docs")

	id, err := NormalizeIdentity(root, filepath.Join(root, "sub", "page.md"))
	require.NoError(t, err)
	assert.Equal(t, "sub/page.md", id)

	other, err := NormalizeIdentity(root, filepath.Join(root, "sub", "page2.md"))
	require.NoError(t, err)
	assert.NotEqual(t, id, other, "distinct paths must yield distinct identities")
}
