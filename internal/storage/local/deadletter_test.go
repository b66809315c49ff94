// Package local_test tests the dead-letter directory.
package local_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/track-harvester/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		dl, err := local.New(local.Config{Dir: filepath.Join(t.TempDir(), "dead")})
		require.NoError(t, err)
		assert.NotNil(t, dl)
	})

	t.Run("MissingDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("DirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{Dir: file})
		assert.Error(t, err)
	})
}

func TestPut(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dl, err := local.New(local.Config{Dir: dir})
	require.NoError(t, err)

	record := map[string]string{"track_id": "t1"}
	path, err := dl.Put("feature", "t1", record, 3, errors.New("storage error: connection refused"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "feature"), filepath.Dir(path))
	require.Equal(t, int64(1), dl.Count())

	letter, err := local.Read(path)
	require.NoError(t, err)
	require.Equal(t, "feature", letter.Kind)
	require.Equal(t, "t1", letter.Key)
	require.Equal(t, 3, letter.Attempts)
	require.Equal(t, "storage error: connection refused", letter.Error)
	require.JSONEq(t, `{"track_id":"t1"}`, string(letter.Record))
}

func TestPutRejectsTraversal(t *testing.T) {
	t.Parallel()

	dl, err := local.New(local.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = dl.Put("../../etc", "x", nil, 1, nil)
	require.Error(t, err)
	_, err = dl.Put("feature", "", nil, 1, nil)
	require.Error(t, err)
}
