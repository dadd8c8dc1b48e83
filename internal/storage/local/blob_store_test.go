package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/proxy-session-rotator/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ExistingDir", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingBaseDir", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "artifacts")
		_, err := local.New(local.Config{BaseDir: base})
		require.NoError(t, err)

		info, err := os.Stat(base)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("EmptyBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{BaseDir: "   "})
		require.Error(t, err)
	})

	t.Run("BaseDirIsFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("running as root; permission bits are not enforced")
		}
		base := t.TempDir()
		// #nosec G302 -- read-only on purpose.
		require.NoError(t, os.Chmod(base, 0o500))
		t.Cleanup(func() { _ = os.Chmod(base, 0o750) })

		_, err := local.New(local.Config{BaseDir: base})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	t.Run("NestedPut", func(t *testing.T) {
		uri, err := store.PutObject(context.Background(), "reports/run-1.json", "application/json", []byte(`{"sessions":4}`))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(base, "reports/run-1.json"), uri)

		content, err := os.ReadFile(filepath.Join(base, "reports", "run-1.json"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"sessions":4}`, string(content))
	})

	t.Run("OverwriteExisting", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "reports/run-2.json", "application/json", []byte("first"))
		require.NoError(t, err)
		_, err = store.PutObject(context.Background(), "reports/run-2.json", "application/json", []byte("second"))
		require.NoError(t, err)

		content, err := os.ReadFile(filepath.Join(base, "reports", "run-2.json"))
		require.NoError(t, err)
		assert.Equal(t, "second", string(content))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "  ", "text/plain", []byte("x"))
		require.Error(t, err)
	})

	t.Run("TraversalRejected", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.json", "application/json", []byte("x"))
		require.Error(t, err)
	})

	t.Run("NoStagingLeftovers", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "reports/run-3.json", "application/json", []byte("{}"))
		require.NoError(t, err)

		entries, err := os.ReadDir(filepath.Join(base, "reports"))
		require.NoError(t, err)
		for _, entry := range entries {
			assert.NotContains(t, entry.Name(), ".tmp-")
		}
	})
}
