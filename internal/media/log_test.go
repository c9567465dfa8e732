package media

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

func setupLog(t *testing.T) *Log {
	t.Helper()
	root := t.TempDir()
	l, err := OpenLog(filepath.Join(root, FolderName), filepath.Join(root, LedgerFile), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// putFiles uploads files to l; a nil value records a deletion.
func putFiles(t *testing.T, l *Log, files map[string][]byte) types.MediaPutResult {
	t.Helper()
	w := NewArchiveWriter()
	for name, data := range files {
		if data == nil {
			w.AddDeletion(name)
			continue
		}
		require.NoError(t, w.AddFile(name, data))
	}
	body, err := w.Close()
	require.NoError(t, err)
	res, err := l.Put(context.Background(), bytes.NewReader(body))
	require.NoError(t, err)
	return res
}

func TestLogPutAndChanges(t *testing.T) {
	ctx := context.Background()
	l := setupLog(t)

	res := putFiles(t, l, map[string][]byte{"a.jpg": []byte("one")})
	assert.Equal(t, types.MediaPutResult{Processed: 1, LastUSN: 1}, res)
	res = putFiles(t, l, map[string][]byte{"b.jpg": []byte("two")})
	assert.Equal(t, types.MediaPutResult{Processed: 1, LastUSN: 2}, res)
	res = putFiles(t, l, map[string][]byte{"a.jpg": nil})
	assert.Equal(t, types.MediaPutResult{Processed: 1, LastUSN: 3}, res)

	changes, err := l.Changes(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.MediaChange{
		{Name: "b.jpg", Checksum: Checksum([]byte("two")), USN: 2},
		{Name: "a.jpg", USN: 3},
	}, changes)

	changes, err = l.Changes(ctx, 2)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Deleted())

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	usn, err := l.LastUSN(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, usn)

	_, err = os.Stat(filepath.Join(l.dir, "a.jpg"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogGet(t *testing.T) {
	ctx := context.Background()
	l := setupLog(t)
	putFiles(t, l, map[string][]byte{"a.jpg": []byte("one"), "b.jpg": []byte("two")})

	var buf bytes.Buffer
	require.NoError(t, l.Get(ctx, []string{"b.jpg", "missing.jpg"}, &buf))
	a, err := ReadArchive(&buf, MaxArchiveBytes)
	require.NoError(t, err)
	require.Len(t, a.Entries, 1)
	data, err := a.Open(a.Entries[0])
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	many := make([]string, types.MediaBatchFiles+1)
	for i := range many {
		many[i] = "a.jpg"
	}
	assert.ErrorIs(t, l.Get(ctx, many, &buf), types.ErrMediaTooLarge)
}
