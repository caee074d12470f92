package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
	icommon "github.com/dr0pdb/icecanestore/internal/common"
	"github.com/dr0pdb/icecanestore/pkg/metrics"
	"github.com/golang/snappy"
	log "github.com/sirupsen/logrus"
)

/*
	Key and value records are packed into blocks of a fixed default size so that
	I/O is page aligned and damage to one block can't bleed into the next.

	Key block:
	+---------------------+--------------------+---------+---------+------------------+----------------+
	| declared size (u32) | records end (u32)  | record1 |   ...   | sentinel padding | crc64(payload) |
	+---------------------+--------------------+---------+---------+------------------+----------------+
	|<---------------------------- declared size (payload) ----------------------------->|

	Value block:
	+--------+---------------+--------+---------------+-----+------------------+
	| value1 | crc64(value1) | value2 | crc64(value2) | ... | sentinel padding |
	+--------+---------------+--------+---------------+-----+------------------+

	A record that can't fit in a default sized block gets a block of its own whose size
	is the smallest multiple of the default size that holds it.
*/

const keyBlockHeaderSize = 8

// blockAligner holds the placement policy shared by the key and value writers.
type blockAligner struct {
	name    string
	f       File
	metrics *metrics.Registry

	defaultBlockSize int
	flushThreshold   int

	// key blocks carry a header and a trailing checksum.
	withHeader bool

	// buf holds unflushed bytes. buf[0] is at file offset flushed.
	buf     []byte
	flushed int64

	// blockStart is the index in buf of the open block, -1 if no block is open.
	blockStart int
	blockSize  int
}

func newBlockAligner(name string, f File, opts *Options, withHeader bool) blockAligner {
	return blockAligner{
		name:             name,
		f:                f,
		metrics:          opts.Metrics,
		defaultBlockSize: opts.BlockSize,
		flushThreshold:   opts.FlushThreshold,
		withHeader:       withHeader,
		buf:              make([]byte, 0, opts.FlushThreshold+opts.BlockSize),
		blockStart:       -1,
	}
}

// overhead is the per-block space not available to records.
func (a *blockAligner) overhead() int {
	if a.withHeader {
		return keyBlockHeaderSize + checksumSize
	}
	return 0
}

func (a *blockAligner) trailerSize() int {
	if a.withHeader {
		return checksumSize
	}
	return 0
}

func (a *blockAligner) offsetInBlock() int {
	return len(a.buf) - a.blockStart
}

// fits returns true if a record of size bytes fits in the open block, assuming the
// default block size.
func (a *blockAligner) fits(size int) bool {
	if a.blockStart < 0 {
		return false
	}
	return a.offsetInBlock()+size+a.trailerSize() <= a.defaultBlockSize
}

// blockSizeFor returns the size of a block that holds a single record of size bytes.
func (a *blockAligner) blockSizeFor(size int) int {
	need := size + a.overhead()
	if need <= a.defaultBlockSize {
		return a.defaultBlockSize
	}
	return icommon.AlignUp(need, a.defaultBlockSize)
}

// fileOffset returns the absolute file offset of buf[i].
func (a *blockAligner) fileOffset(i int) int64 {
	return a.flushed + int64(i)
}

// reserve makes sure a record of size bytes can be appended to the open block,
// closing the current block and opening a new one if needed.
func (a *blockAligner) reserve(size int) error {
	if a.fits(size) {
		return nil
	}
	if err := a.closeBlock(); err != nil {
		return err
	}
	a.openBlock(a.blockSizeFor(size))
	return nil
}

func (a *blockAligner) openBlock(size int) {
	icommon.Assertf(a.blockStart < 0, "%s writer opened a block while block at %d is open", a.name, a.blockStart)
	icommon.Assertf(size%a.defaultBlockSize == 0, "%s block size %d is not a multiple of %d", a.name, size, a.defaultBlockSize)

	a.blockStart = len(a.buf)
	a.blockSize = size
	if a.withHeader {
		a.buf = append(a.buf, make([]byte, keyBlockHeaderSize)...)
	}
	if size != a.defaultBlockSize {
		log.WithFields(log.Fields{"writer": a.name, "blockSize": size, "offset": a.fileOffset(a.blockStart)}).Debug("storage::block_writer::openBlock; opened enlarged block")
	}
}

// closeBlock pads the open block to its boundary and, for key blocks, fills in the
// header and appends the block checksum.
func (a *blockAligner) closeBlock() error {
	if a.blockStart < 0 {
		return nil
	}

	payloadEnd := a.blockStart + a.blockSize - a.trailerSize()
	recordsEnd := a.offsetInBlock()
	icommon.Assertf(a.blockStart+recordsEnd <= payloadEnd, "%s block at %d overflows: records end %d, block size %d", a.name, a.blockStart, recordsEnd, a.blockSize)

	a.buf = appendPadding(a.buf, payloadEnd-len(a.buf))

	if a.withHeader {
		header := a.buf[a.blockStart : a.blockStart+keyBlockHeaderSize]
		binary.LittleEndian.PutUint32(header[0:4], uint32(a.blockSize-checksumSize))
		binary.LittleEndian.PutUint32(header[4:8], uint32(recordsEnd))
		a.buf = binary.LittleEndian.AppendUint64(a.buf, checksum(a.buf[a.blockStart:payloadEnd]))
	}

	icommon.Assertf(a.offsetInBlock() == a.blockSize, "%s block at %d has size %d, expected %d", a.name, a.blockStart, a.offsetInBlock(), a.blockSize)
	a.blockStart = -1
	return a.maybeFlush()
}

// maybeFlush writes out completed blocks once they exceed the flush threshold.
func (a *blockAligner) maybeFlush() error {
	flushable := len(a.buf)
	if a.blockStart >= 0 {
		flushable = a.blockStart
	}
	if flushable < a.flushThreshold {
		return nil
	}
	return a.flush(flushable)
}

// flush writes buf[:n] to the file and shifts the rest down.
func (a *blockAligner) flush(n int) error {
	if n == 0 {
		return nil
	}
	if _, err := a.f.Write(a.buf[:n]); err != nil {
		return errors.Wrapf(err, "writing %d bytes to %s file", n, a.name)
	}
	a.metrics.RecordBytesWritten(a.name, n)

	rest := copy(a.buf, a.buf[n:])
	a.buf = a.buf[:rest]
	a.flushed += int64(n)
	if a.blockStart >= 0 {
		a.blockStart -= n
	}
	return nil
}

// finish closes the last block and writes the file tail. It returns the handle of the
// block section.
func (a *blockAligner) finish(props filePropertySection, setHandle func(BlockHandle)) (int64, error) {
	if err := a.closeBlock(); err != nil {
		return 0, err
	}

	end := a.fileOffset(len(a.buf))
	setHandle(BlockHandle{Offset: 0, Size: uint64(end)})
	icommon.Assertf(end%int64(a.defaultBlockSize) == 0, "%s block section ends at unaligned offset %d", a.name, end)

	a.buf = appendFileTail(a.buf, end, encodeProperties(props), a.defaultBlockSize)
	if err := a.flush(len(a.buf)); err != nil {
		return 0, err
	}
	if err := a.f.Sync(); err != nil {
		return 0, errors.Wrapf(err, "syncing %s file", a.name)
	}
	return a.flushed, nil
}

// valueBlockWriter packs values, each followed by its checksum, into aligned blocks.
type valueBlockWriter struct {
	blockAligner

	compression Compression
	scratch     []byte
	snp         []byte

	count int64
}

func newValueBlockWriter(f File, opts *Options) *valueBlockWriter {
	return &valueBlockWriter{
		blockAligner: newBlockAligner("value", f, opts, false),
		compression:  opts.ValueCompression,
	}
}

// write appends a value produced by appendValue. predicted is the expected number of
// bytes appendValue will emit; when it emits more and the value no longer fits in the
// block, the value is moved to the start of the next block.
func (w *valueBlockWriter) write(appendValue func(dst []byte) ([]byte, error), predicted int) (ValuePlacement, error) {
	if predicted < 0 {
		predicted = 0
	}
	if err := w.reserve(predicted + checksumSize); err != nil {
		return ValuePlacement{}, err
	}

	start := len(w.buf)
	var err error
	switch w.compression {
	case SnappyCompression:
		if w.scratch, err = appendValue(w.scratch[:0]); err != nil {
			return ValuePlacement{}, errors.Wrap(err, "serializing value")
		}
		w.snp = snappy.Encode(w.snp[:cap(w.snp)], w.scratch)
		w.buf = append(w.buf, w.snp...)
	default:
		out, err := appendValue(w.buf)
		if err != nil {
			return ValuePlacement{}, errors.Wrap(err, "serializing value")
		}
		w.buf = out
	}

	size := len(w.buf) - start
	sum := checksum(w.buf[start:])
	w.buf = binary.LittleEndian.AppendUint64(w.buf, sum)

	if start-w.blockStart+size+checksumSize > w.blockSize {
		if start, err = w.relocate(start, predicted); err != nil {
			return ValuePlacement{}, err
		}
	}

	w.count++
	return ValuePlacement{Offset: w.fileOffset(start), Size: int32(size), Checksum: sum}, nil
}

// relocate moves the record at buf[start:] which straddles the block boundary. Returns
// the new start index of the record.
func (w *valueBlockWriter) relocate(start, predicted int) (int, error) {
	record := append([]byte(nil), w.buf[start:]...)
	size := len(record)

	log.WithFields(log.Fields{
		"predicted": predicted,
		"actual":    size - checksumSize,
		"offset":    w.fileOffset(start),
	}).Warn("storage::block_writer::relocate; value is larger than predicted, relocating it")

	w.buf = w.buf[:start]
	if start == w.blockStart {
		// the value is alone in its block, grow the block instead.
		w.blockSize = w.blockSizeFor(size)
	} else {
		if err := w.closeBlock(); err != nil {
			return 0, err
		}
		w.openBlock(w.blockSizeFor(size))
	}

	start = len(w.buf)
	w.buf = append(w.buf, record...)
	icommon.Assertf(w.offsetInBlock() <= w.blockSize, "relocated value of %d bytes still overflows block of %d", size, w.blockSize)
	return start, nil
}

// keyBlockWriter packs fixed layout key records into aligned, checksummed blocks.
type keyBlockWriter struct {
	blockAligner

	scratch []byte
	count   int64
}

func newKeyBlockWriter(f File, opts *Options) *keyBlockWriter {
	return &keyBlockWriter{
		blockAligner: newBlockAligner("key", f, opts, true),
	}
}

// write appends a key record built from the serialized key.
func (w *keyBlockWriter) write(key []byte, item VersionedItem, timestamp int64) error {
	w.scratch = appendKeyRecord(w.scratch[:0], key, item, timestamp)
	if err := w.reserve(len(w.scratch)); err != nil {
		return err
	}
	w.buf = append(w.buf, w.scratch...)
	w.count++
	return nil
}

// BlockAlignedWriter writes the key and value files of a checkpoint from a sorted
// sequence of records. It is single writer: calls must not overlap.
type BlockAlignedWriter[K, V any] struct {
	fileID    uint32
	timestamp int64

	keySer Serializer[K]
	valSer Serializer[V]

	keys   *keyBlockWriter
	values *valueBlockWriter

	cmp     Comparator
	keyBuf  []byte
	lastKey []byte
	closed  bool
}

// NewBlockAlignedWriter creates a writer over empty key and value files.
func NewBlockAlignedWriter[K, V any](keyFile, valueFile File, fileID uint32, timestamp int64, keySer Serializer[K], valSer Serializer[V], opts *Options) *BlockAlignedWriter[K, V] {
	o := opts.norm()
	return &BlockAlignedWriter[K, V]{
		fileID:    fileID,
		timestamp: timestamp,
		keySer:    keySer,
		valSer:    valSer,
		keys:      newKeyBlockWriter(keyFile, o),
		values:    newValueBlockWriter(valueFile, o),
		cmp:       o.Comparator,
	}
}

// Write persists one record and returns its versioned item located in this checkpoint.
// Tombstones have no value and are returned with an empty placement.
func (w *BlockAlignedWriter[K, V]) Write(r Record[K, V]) (VersionedItem, error) {
	if w.closed {
		return VersionedItem{}, fmt.Errorf("storage::block_writer: write on a finished writer")
	}
	if !r.Item.Kind.isValid() {
		return VersionedItem{}, fmt.Errorf("storage::block_writer: invalid record kind %d", r.Item.Kind)
	}

	var err error
	if w.keyBuf, err = w.keySer.AppendTo(w.keyBuf[:0], r.Key); err != nil {
		return VersionedItem{}, errors.Wrap(err, "serializing key")
	}
	if w.cmp != nil {
		if w.keys.count > 0 && w.cmp.Compare(w.lastKey, w.keyBuf) >= 0 {
			return VersionedItem{}, fmt.Errorf("storage::block_writer: key %q is not greater than the previous key %q", w.keyBuf, w.lastKey)
		}
		w.lastKey = append(w.lastKey[:0], w.keyBuf...)
	}

	item := r.Item.WithPlacement(w.fileID, ValuePlacement{})
	if !item.Kind.IsDeleted() {
		p, err := w.values.write(func(dst []byte) ([]byte, error) {
			return w.valSer.AppendTo(dst, r.Value)
		}, int(r.Item.ValueSize))
		if err != nil {
			return VersionedItem{}, err
		}
		item = item.WithPlacement(w.fileID, p)
	}

	if err := w.keys.write(w.keyBuf, item, w.timestamp); err != nil {
		return VersionedItem{}, err
	}
	return item, nil
}

// Finish flushes the last blocks and writes both file tails. The files are synced
// but not closed.
func (w *BlockAlignedWriter[K, V]) Finish() (*keyFileProperties, *valueFileProperties, error) {
	if w.closed {
		return nil, nil, fmt.Errorf("storage::block_writer: writer already finished")
	}
	w.closed = true

	vp := &valueFileProperties{
		ValueCount:  w.values.count,
		FileID:      w.fileID,
		Compression: w.values.compression,
		BlockSize:   int64(w.values.defaultBlockSize),
	}
	if _, err := w.values.finish(vp, func(h BlockHandle) { vp.ValuesHandle = h }); err != nil {
		return nil, nil, err
	}

	kp := &keyFileProperties{
		KeyCount:  w.keys.count,
		FileID:    w.fileID,
		BlockSize: int64(w.keys.defaultBlockSize),
	}
	if _, err := w.keys.finish(kp, func(h BlockHandle) { kp.KeysHandle = h }); err != nil {
		return nil, nil, err
	}

	log.WithFields(log.Fields{
		"fileID":     w.fileID,
		"keyCount":   kp.KeyCount,
		"valueCount": vp.ValueCount,
		"keyBytes":   w.keys.flushed,
		"valueBytes": w.values.flushed,
	}).Debug("storage::block_writer::Finish; flushed key and value files")
	return kp, vp, nil
}
