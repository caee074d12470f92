package storage

import (
	"context"
	"encoding/binary"
	"os"
	"strings"
	"testing"

	"github.com/dr0pdb/icecanestore/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oversizeSerializer emits more bytes than a record's predicted size.
type oversizeSerializer struct {
	extra int
}

func (s oversizeSerializer) AppendTo(dst []byte, v []byte) ([]byte, error) {
	dst = append(dst, v...)
	return append(dst, make([]byte, s.extra)...), nil
}

func (s oversizeSerializer) ReadFrom(src []byte) ([]byte, error) {
	return append([]byte(nil), src[:len(src)-s.extra]...), nil
}

// assertKeyBlocks walks the key blocks of cf and checks their headers.
func assertKeyBlocks(t *testing.T, cf *CheckpointFile) []int64 {
	data, err := os.ReadFile(cf.KeyFile().Name())
	require.NoError(t, err)

	blockSize := cf.KeyFile().props.BlockSize
	end := int64(cf.KeyFile().props.KeysHandle.EndOffset())
	var sizes []int64
	for pos := int64(0); pos < end; {
		declared := int64(binary.LittleEndian.Uint32(data[pos:]))
		recordsEnd := int64(binary.LittleEndian.Uint32(data[pos+4:]))
		size := declared + checksumSize
		assert.Equal(t, int64(0), size%blockSize, "key block at %d has size %d", pos, size)
		assert.Equal(t, int64(0), (pos+size)%recordAlignment)
		assert.LessOrEqual(t, recordsEnd, declared)
		assert.Equal(t, checksum(data[pos:pos+declared]), binary.LittleEndian.Uint64(data[pos+declared:]))
		sizes = append(sizes, size)
		pos += size
	}
	return sizes
}

func TestWriterAlignsFiles(t *testing.T) {
	ctx := context.Background()
	base := checkpointBase(t)
	records := sequentialRecords(1000, 100)

	cf, items, err := CreateCheckpointFile(ctx, testOptions(), base, 1, records, BytesSerializer{}, BytesSerializer{}, 1)
	require.NoError(t, err)
	defer cf.Close()

	assert.Equal(t, int64(0), fileSize(t, cf.ValueFile().Name())%defaultBlockSize)
	assert.Equal(t, int64(0), fileSize(t, cf.KeyFile().Name())%defaultBlockSize)
	assert.Equal(t, fileSize(t, cf.ValueFile().Name()), cf.ValueFileSize())

	for _, size := range assertKeyBlocks(t, cf) {
		assert.Equal(t, int64(defaultBlockSize), size)
	}

	// no value crosses a block boundary.
	for i, item := range items {
		start := item.Offset / defaultBlockSize
		last := (item.Offset + int64(item.ValueSize) + checksumSize - 1) / defaultBlockSize
		assert.Equal(t, start, last, "value %d straddles a block boundary", i)
	}
}

func TestWriterOversizedValue(t *testing.T) {
	ctx := context.Background()
	base := checkpointBase(t)
	big := strings.Repeat("v", 10000)
	records := []Record[[]byte, []byte]{
		bytesRecord("a", RecordInserted, 1, "small"),
		bytesRecord("b", RecordInserted, 2, big),
		bytesRecord("c", RecordInserted, 3, "tiny"),
	}

	cf, items, err := CreateCheckpointFile(ctx, testOptions(), base, 1, records, BytesSerializer{}, BytesSerializer{}, 1)
	require.NoError(t, err)
	defer cf.Close()

	assert.Equal(t, int64(0), items[0].Offset)
	assert.Equal(t, int64(4096), items[1].Offset)
	// the big value gets a block of 3 default blocks, the next one starts after it.
	assert.Equal(t, int64(4096+12288), items[2].Offset)
	assert.Equal(t, int64(4096+12288+4096), int64(cf.ValueFile().props.ValuesHandle.Size))

	for i, item := range items {
		v, err := ReadValue[[]byte](ctx, cf, item, BytesSerializer{})
		require.NoError(t, err)
		assert.Equal(t, records[i].Value, v)
	}
}

func TestWriterOversizedKey(t *testing.T) {
	ctx := context.Background()
	base := checkpointBase(t)
	records := []Record[[]byte, []byte]{
		bytesRecord("a", RecordInserted, 1, "1"),
		bytesRecord("b"+strings.Repeat("k", 5000), RecordInserted, 2, "2"),
		bytesRecord("c", RecordDeletedVersion, 3, ""),
	}

	cf, _, err := CreateCheckpointFile(ctx, testOptions(), base, 1, records, BytesSerializer{}, BytesSerializer{}, 1)
	require.NoError(t, err)
	defer cf.Close()

	assert.Equal(t, []int64{4096, 8192, 4096}, assertKeyBlocks(t, cf))

	it, err := NewKeyEnumerator[[]byte](ctx, cf, BytesSerializer{})
	require.NoError(t, err)
	defer it.Close()

	i := 0
	for ; it.Valid(); it.Next() {
		assert.Equal(t, records[i].Key, it.Key())
		i++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, len(records), i)
}

func TestWriterRelocatesUnderpredictedValue(t *testing.T) {
	ctx := context.Background()
	base := checkpointBase(t)

	first := bytesRecord("a", RecordInserted, 1, strings.Repeat("x", 2000))
	second := bytesRecord("b", RecordInserted, 2, strings.Repeat("y", 3000))
	second.Item.ValueSize = 10
	third := bytesRecord("c", RecordInserted, 3, "z")

	cf, items, err := CreateCheckpointFile(ctx, testOptions(), base, 1, []Record[[]byte, []byte]{first, second, third}, BytesSerializer{}, BytesSerializer{}, 1)
	require.NoError(t, err)
	defer cf.Close()

	assert.Equal(t, int64(0), items[0].Offset)
	assert.Equal(t, int64(4096), items[1].Offset, "value must be moved to the next block")
	assert.Equal(t, int32(3000), items[1].ValueSize)
	// the next value shares the new block.
	assert.Equal(t, int64(4096+3008), items[2].Offset)

	for i, item := range items {
		v, err := ReadValue[[]byte](ctx, cf, item, BytesSerializer{})
		require.NoError(t, err)
		assert.Equal(t, []Record[[]byte, []byte]{first, second, third}[i].Value, v)
	}
}

func TestWriterGrowsBlockOfLoneUnderpredictedValue(t *testing.T) {
	ctx := context.Background()
	base := checkpointBase(t)
	ser := oversizeSerializer{extra: 5000}

	records := []Record[[]byte, []byte]{
		bytesRecord("a", RecordInserted, 1, "one"),
		bytesRecord("b", RecordInserted, 2, "two"),
	}

	cf, items, err := CreateCheckpointFile(ctx, testOptions(), base, 1, records, BytesSerializer{}, ser, 1)
	require.NoError(t, err)
	defer cf.Close()

	assert.Equal(t, int64(0), items[0].Offset)
	assert.Equal(t, int64(8192), items[1].Offset)

	for i, item := range items {
		v, err := ReadValue[[]byte](ctx, cf, item, ser)
		require.NoError(t, err)
		assert.Equal(t, records[i].Value, v)
	}
}

func TestWriterSmallBlocksAndFlushThreshold(t *testing.T) {
	ctx := context.Background()
	base := checkpointBase(t)
	opts := &Options{BlockSize: 512, FlushThreshold: 1024}

	var records []Record[[]byte, []byte]
	for i, size := range []int{10, 700, 3, 511, 504, 1200, 0, 96} {
		records = append(records, sequentialRecords(i+1, size)[i])
	}

	cf, items, err := CreateCheckpointFile(ctx, opts, base, 1, records, BytesSerializer{}, BytesSerializer{}, 1)
	require.NoError(t, err)
	defer cf.Close()

	assert.Equal(t, int64(0), cf.ValueFileSize()%512)
	assert.Equal(t, int64(0), cf.KeyFileSize()%512)
	assertKeyBlocks(t, cf)

	for i, item := range items {
		v, err := ReadValue[[]byte](ctx, cf, item, BytesSerializer{})
		require.NoError(t, err)
		assert.Equal(t, records[i].Value, v, "value %d", i)
	}
}

func TestWriterRejectsUnsortedKeys(t *testing.T) {
	ctx := context.Background()
	base := checkpointBase(t)
	opts := &Options{Comparator: DefaultComparator}
	records := []Record[[]byte, []byte]{
		bytesRecord("b", RecordInserted, 1, "1"),
		bytesRecord("a", RecordInserted, 2, "2"),
	}

	_, _, err := CreateCheckpointFile(ctx, opts, base, 1, records, BytesSerializer{}, BytesSerializer{}, 1)
	assert.Error(t, err)
	assert.False(t, test.FileExists(base+KeyFileExtension))
	assert.False(t, test.FileExists(base+ValueFileExtension))
}

func TestWriterRejectsUseAfterFinish(t *testing.T) {
	dir := t.TempDir()
	kf, err := os.Create(dir + "/k")
	require.NoError(t, err)
	defer kf.Close()
	vf, err := os.Create(dir + "/v")
	require.NoError(t, err)
	defer vf.Close()

	w := NewBlockAlignedWriter[[]byte, []byte](kf, vf, 1, 1, BytesSerializer{}, BytesSerializer{}, nil)
	_, err = w.Write(bytesRecord("a", RecordInserted, 1, "1"))
	require.NoError(t, err)

	kp, vp, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, int64(1), kp.KeyCount)
	assert.Equal(t, int64(1), vp.ValueCount)

	_, err = w.Write(bytesRecord("b", RecordInserted, 2, "2"))
	assert.Error(t, err)
	_, _, err = w.Finish()
	assert.Error(t, err)
}
