package media

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

func TestArchiveRoundtrip(t *testing.T) {
	w := NewArchiveWriter()
	require.NoError(t, w.AddFile("cat.jpg", []byte("meow")))
	w.AddDeletion("old.mp3")
	require.NoError(t, w.AddFile("dog.jpg", []byte("woof")))
	assert.Equal(t, 3, w.Len())
	assert.EqualValues(t, 8, w.Size())
	data, err := w.Close()
	require.NoError(t, err)

	a, err := ReadArchive(bytes.NewReader(data), MaxArchiveBytes)
	require.NoError(t, err)
	require.Len(t, a.Entries, 3)
	assert.Equal(t, "old.mp3", a.Entries[1].Name)
	assert.True(t, a.Entries[1].Deleted())

	got, err := a.Open(a.Entries[2])
	require.NoError(t, err)
	assert.Equal(t, "woof", string(got))
}

func TestArchiveFull(t *testing.T) {
	w := NewArchiveWriter()
	for i := 0; i < types.MediaBatchFiles-1; i++ {
		w.AddDeletion("gone.jpg")
	}
	assert.False(t, w.Full())
	w.AddDeletion("gone.jpg")
	assert.True(t, w.Full())

	big := NewArchiveWriter()
	require.NoError(t, big.AddFile("big.bin", make([]byte, types.MediaBatchBytes)))
	assert.True(t, big.Full())
}

func TestReadArchiveRejects(t *testing.T) {
	noMeta := func() []byte {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		f, _ := zw.Create("0")
		f.Write([]byte("x"))
		zw.Close()
		return buf.Bytes()
	}
	badName := func() []byte {
		w := NewArchiveWriter()
		require.NoError(t, w.AddFile("../escape.jpg", []byte("x")))
		data, err := w.Close()
		require.NoError(t, err)
		return data
	}
	small := func() []byte {
		w := NewArchiveWriter()
		require.NoError(t, w.AddFile("a.jpg", bytes.Repeat([]byte("a"), 4096)))
		data, err := w.Close()
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name  string
		data  []byte
		limit int64
		want  error
	}{
		{"not a zip", []byte("plain text"), MaxArchiveBytes, types.ErrIntegrity},
		{"no meta", noMeta(), MaxArchiveBytes, types.ErrIntegrity},
		{"path in name", badName(), MaxArchiveBytes, types.ErrMediaName},
		{"over limit", small(), 64, types.ErrMediaTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadArchive(bytes.NewReader(tt.data), tt.limit)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
