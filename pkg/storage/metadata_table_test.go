package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dr0pdb/icecanestore/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paramsFor(id uint32, name string) FileMetadataParams {
	return FileMetadataParams{
		FileID:               id,
		FileName:             name,
		TotalNumberOfEntries: 10,
		NumberOfValidEntries: 10,
		TimeStamp:            int64(id),
	}
}

func TestMetadataTableBasics(t *testing.T) {
	mt := NewMetadataTable(7)
	assert.Equal(t, int64(7), mt.CheckpointLSN())
	assert.Equal(t, int64(1), mt.ReferenceCount())

	for _, id := range []uint32{5, 1, 3} {
		fm, err := NewFileMetadata(paramsFor(id, "f"), nil)
		require.NoError(t, err)
		require.NoError(t, mt.Add(fm))
	}

	dup, err := NewFileMetadata(paramsFor(3, "dup"), nil)
	require.NoError(t, err)
	assert.Error(t, mt.Add(dup))

	assert.Equal(t, 3, mt.Len())
	assert.Equal(t, []uint32{1, 3, 5}, mt.FileIDs())

	fm, ok := mt.Get(3)
	require.True(t, ok)
	assert.Equal(t, uint32(3), fm.FileID())

	removed, ok := mt.Remove(3)
	require.True(t, ok)
	assert.Same(t, fm, removed)
	_, ok = mt.Get(3)
	assert.False(t, ok)
	assert.Equal(t, 2, mt.Len())

	require.NoError(t, mt.ReleaseRef())
	assert.True(t, mt.IsDisposed())
	assert.False(t, removed.IsDisposed(), "removed files belong to the caller")
	require.NoError(t, removed.ReleaseRef())
}

func TestMetadataTableDisposalReleasesFiles(t *testing.T) {
	mt := NewMetadataTable(1)
	fm, base := newCheckpointMetadata(t, testOptions(), 3)
	fm.SetCanBeDeleted(true)
	require.NoError(t, mt.Add(fm))

	// a reader keeps the file alive past the table.
	fm.AddRef()

	assert.True(t, mt.TryAddRef())
	require.NoError(t, mt.ReleaseRef())
	assert.False(t, mt.IsDisposed())

	require.NoError(t, mt.ReleaseRef())
	assert.True(t, mt.IsDisposed())
	assert.False(t, mt.TryAddRef())
	assert.Equal(t, 0, mt.Len())

	assert.False(t, fm.IsDisposed())
	assert.True(t, test.FileExists(base+KeyFileExtension))

	require.NoError(t, fm.ReleaseRef())
	assert.True(t, fm.IsDisposed())
	assert.False(t, test.FileExists(base+KeyFileExtension))

	assert.Panics(t, func() { mt.ReleaseRef() })
}

func TestMetadataTableOpenCheckpointFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := testOptions()
	mt := NewMetadataTable(1)
	defer mt.ReleaseRef()

	var items [][]VersionedItem
	for _, id := range []uint32{1, 2} {
		name := NewCheckpointFileName()
		cf, created, err := CreateCheckpointFile(ctx, opts, filepath.Join(dir, name), id, sequentialRecords(5, 32), BytesSerializer{}, BytesSerializer{}, 1)
		require.NoError(t, err)
		require.NoError(t, cf.Close())
		items = append(items, created)

		fm, err := NewFileMetadata(paramsFor(id, name), opts)
		require.NoError(t, err)
		require.NoError(t, mt.Add(fm))
	}

	require.NoError(t, mt.OpenCheckpointFiles(ctx, dir, opts))

	for i, fm := range mt.Files() {
		cf := fm.CheckpointFile()
		require.NotNil(t, cf)
		assert.Equal(t, fm.FileID(), cf.FileID())

		v, err := ReadValue[[]byte](ctx, cf, items[i][4], BytesSerializer{})
		require.NoError(t, err)
		assert.Equal(t, sequentialRecords(5, 32)[4].Value, v)
	}

	// attached files are left alone.
	require.NoError(t, mt.OpenCheckpointFiles(ctx, dir, opts))
}

func TestMetadataTableOpenMissingCheckpoint(t *testing.T) {
	mt := NewMetadataTable(1)
	defer mt.ReleaseRef()

	fm, err := NewFileMetadata(paramsFor(1, "missing"), nil)
	require.NoError(t, err)
	require.NoError(t, mt.Add(fm))

	assert.Error(t, mt.OpenCheckpointFiles(context.Background(), t.TempDir(), nil))
	assert.Nil(t, fm.CheckpointFile())
}

func TestMetadataTableOpenCheckpointWithWrongID(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := testOptions()
	name := NewCheckpointFileName()

	cf, _, err := CreateCheckpointFile(ctx, opts, filepath.Join(dir, name), 2, sequentialRecords(3, 8), BytesSerializer{}, BytesSerializer{}, 1)
	require.NoError(t, err)
	require.NoError(t, cf.Close())

	mt := NewMetadataTable(1)
	defer mt.ReleaseRef()
	fm, err := NewFileMetadata(paramsFor(1, name), opts)
	require.NoError(t, err)
	require.NoError(t, mt.Add(fm))

	err = mt.OpenCheckpointFiles(ctx, dir, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holds file 2, expected 1")
	assert.Nil(t, fm.CheckpointFile())
}
