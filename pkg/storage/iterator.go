package storage

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dr0pdb/icecanestore/pkg/common"
	"github.com/dr0pdb/icecanestore/pkg/metrics"
	log "github.com/sirupsen/logrus"
)

// KeyIterator is a forward only iterator over the keys of a checkpoint.
type KeyIterator[K any] interface {
	// Checks if the current position of the iterator is valid.
	Valid() bool

	// Moves to the next key.
	// Call Valid() to ensure that the iterator is valid.
	// REQUIRES: Current position of iterator is valid. Panic otherwise.
	Next()

	// Get the key of the current iterator position.
	// REQUIRES: Current position of iterator is valid. Panics otherwise.
	Key() K

	// Get the versioned item of the current iterator position.
	// REQUIRES: Current position of iterator is valid. Panics otherwise.
	Item() VersionedItem

	// Err returns the error that stopped the iteration, if any.
	Err() error

	// Close releases the resources held by the iterator.
	Close() error
}

// KeyEnumerator reads the key blocks of a key checkpoint file in write order over a
// read-only memory mapping. Every block checksum is verified before any of its
// records are returned.
type KeyEnumerator[K any] struct {
	ctx     context.Context
	m       MappedFile
	keySer  Serializer[K]
	metrics *metrics.Registry

	fileID    uint32
	blockSize int64

	// pos is the offset of the next block to load, end the end of the key section.
	pos int64
	end int64

	block  []byte
	recPos int
	recEnd int

	cur   KeyEntry[K]
	valid bool
	err   error
}

var _ KeyIterator[[]byte] = (*KeyEnumerator[[]byte])(nil)

func newKeyEnumerator[K any](ctx context.Context, opts *Options, kf *KeyCheckpointFile, keySer Serializer[K]) (*KeyEnumerator[K], error) {
	prefetchFile(opts.Fs, kf.name, int64(kf.props.KeysHandle.Offset), int64(kf.props.KeysHandle.Size))

	m, err := opts.Fs.Mmap(kf.name)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping key file %s", kf.name)
	}
	if int64(m.Len()) != kf.size {
		m.Close()
		return nil, common.NewCorruptionError(fmt.Sprintf("key file %s changed size from %d to %d", kf.name, kf.size, m.Len()))
	}

	it := &KeyEnumerator[K]{
		ctx:       ctx,
		m:         m,
		keySer:    keySer,
		metrics:   opts.Metrics,
		fileID:    kf.props.FileID,
		blockSize: kf.props.BlockSize,
		pos:       int64(kf.props.KeysHandle.Offset),
		end:       int64(kf.props.KeysHandle.EndOffset()),
	}
	it.advance()
	return it, nil
}

// Valid checks if the current position of the iterator is valid.
func (it *KeyEnumerator[K]) Valid() bool {
	return it.valid
}

// Next moves to the next key.
// REQUIRES: Current position of iterator is valid. Panic otherwise.
func (it *KeyEnumerator[K]) Next() {
	if !it.valid {
		panic("storage::iterator::Next; called on an invalid iterator")
	}
	it.advance()
}

// Key returns the key at the current position.
func (it *KeyEnumerator[K]) Key() K {
	it.mustBeValid()
	return it.cur.Key
}

// Item returns the versioned item at the current position.
func (it *KeyEnumerator[K]) Item() VersionedItem {
	it.mustBeValid()
	return it.cur.Item
}

// Timestamp returns the deletion timestamp at the current position. It is zero for
// live records.
func (it *KeyEnumerator[K]) Timestamp() int64 {
	it.mustBeValid()
	return it.cur.Timestamp
}

// Entry returns the whole row at the current position.
func (it *KeyEnumerator[K]) Entry() KeyEntry[K] {
	it.mustBeValid()
	return it.cur
}

// Err returns the error which stopped the iteration, nil if the keys were exhausted.
func (it *KeyEnumerator[K]) Err() error {
	return it.err
}

// Close unmaps the file. The iterator is invalid afterwards.
func (it *KeyEnumerator[K]) Close() error {
	it.valid = false
	if it.m == nil {
		return nil
	}
	err := it.m.Close()
	it.m = nil
	return err
}

func (it *KeyEnumerator[K]) mustBeValid() {
	if !it.valid {
		panic("storage::iterator; accessed an invalid iterator")
	}
}

func (it *KeyEnumerator[K]) fail(err error) {
	it.valid = false
	it.err = err
}

func (it *KeyEnumerator[K]) advance() {
	if it.m == nil {
		it.valid = false
		return
	}
	if err := it.ctx.Err(); err != nil {
		it.fail(err)
		return
	}

	for it.recPos >= it.recEnd {
		if it.pos >= it.end {
			it.valid = false
			return
		}
		if err := it.loadBlock(); err != nil {
			it.fail(err)
			return
		}
	}

	raw, item, timestamp, n, err := decodeKeyRecord(it.block[it.recPos:it.recEnd], it.fileID)
	if err != nil {
		it.fail(errors.Wrapf(err, "decoding key record at offset %d", it.pos-int64(len(it.block))+int64(it.recPos)))
		return
	}
	key, err := it.keySer.ReadFrom(raw)
	if err != nil {
		it.fail(errors.Wrap(err, "deserializing key"))
		return
	}

	it.cur = KeyEntry[K]{Key: key, Item: item, Timestamp: timestamp}
	it.recPos += n
	it.valid = true
}

// loadBlock reads and verifies the block at it.pos.
func (it *KeyEnumerator[K]) loadBlock() error {
	var header [keyBlockHeaderSize]byte
	if err := readFullAt(it.m, header[:], it.pos); err != nil {
		return err
	}

	declared := int64(binary.LittleEndian.Uint32(header[0:4]))
	recordsEnd := int64(binary.LittleEndian.Uint32(header[4:8]))
	size := declared + checksumSize
	if size < it.blockSize || size%it.blockSize != 0 || it.pos+size > it.end {
		return common.NewCorruptionError(fmt.Sprintf("key block at %d declares invalid size %d", it.pos, declared))
	}
	if recordsEnd < keyBlockHeaderSize || recordsEnd > declared {
		return common.NewCorruptionError(fmt.Sprintf("key block at %d declares invalid records end %d", it.pos, recordsEnd))
	}

	if int64(cap(it.block)) < size {
		it.block = make([]byte, size)
	}
	it.block = it.block[:size]
	if err := readFullAt(it.m, it.block, it.pos); err != nil {
		return err
	}

	expected := binary.LittleEndian.Uint64(it.block[declared:])
	if actual := checksum(it.block[:declared]); actual != expected {
		it.metrics.RecordChecksumFailure("key")
		log.WithFields(log.Fields{"offset": it.pos, "size": size}).Error("storage::iterator::loadBlock; key block checksum mismatch")
		return common.NewChecksumMismatchError(fmt.Sprintf("key block at %d is corrupt", it.pos), expected, actual)
	}

	it.recPos = keyBlockHeaderSize
	it.recEnd = int(recordsEnd)
	it.pos += size
	return nil
}
