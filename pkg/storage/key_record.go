package storage

import (
	"encoding/binary"
	"fmt"

	icommon "github.com/dr0pdb/icecanestore/internal/common"
	"github.com/dr0pdb/icecanestore/pkg/common"
)

/*
	Key record layout, 8-byte aligned:

	+----------------+-----------+---------------+-----------+
	| keySize (i32)  | kind (u8) | reserved (3)  | lsn (i64) |
	+----------------+-----------+---------------+-----------+

	followed by, for tombstones:
	+-----------------+
	| timestamp (i64) |
	+-----------------+

	or, for live records:
	+--------------+-----------------+------------+--------------+
	| offset (i64) | checksum (u64)  | size (i32) | reserved (4) |
	+--------------+-----------------+------------+--------------+

	followed by the serialized key and padding up to the next 8-byte boundary.
*/

const (
	keyRecordPrefixSize  = 16
	keyRecordDeletedSize = keyRecordPrefixSize + 8
	keyRecordLiveSize    = keyRecordPrefixSize + 24
)

func keyRecordFixedSize(kind RecordKind) int {
	if kind.IsDeleted() {
		return keyRecordDeletedSize
	}
	return keyRecordLiveSize
}

// appendKeyRecord appends the key record for key and item to dst.
func appendKeyRecord(dst, key []byte, item VersionedItem, timestamp int64) []byte {
	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(key)))
	dst = append(dst, byte(item.Kind), 0, 0, 0)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(item.VersionSequenceNumber))

	if item.Kind.IsDeleted() {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(timestamp))
	} else {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(item.Offset))
		dst = binary.LittleEndian.AppendUint64(dst, item.ValueChecksum)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(item.ValueSize))
		dst = append(dst, 0, 0, 0, 0)
	}

	dst = append(dst, key...)
	dst = appendPadding(dst, icommon.PaddingFor(len(dst)-start, recordAlignment))
	return dst
}

// decodeKeyRecord decodes the key record at the start of p. It returns the key bytes
// (aliasing p), the item, the tombstone timestamp and the encoded record length.
func decodeKeyRecord(p []byte, fileID uint32) ([]byte, VersionedItem, int64, int, error) {
	if len(p) < keyRecordPrefixSize {
		return nil, VersionedItem{}, 0, 0, common.NewCorruptionError(fmt.Sprintf("truncated key record of %d bytes", len(p)))
	}

	keySize := int32(binary.LittleEndian.Uint32(p[0:4]))
	kind := RecordKind(p[4])
	if keySize < 0 {
		return nil, VersionedItem{}, 0, 0, common.NewCorruptionError(fmt.Sprintf("key record declares negative key size %d", keySize))
	}
	if !kind.isValid() {
		return nil, VersionedItem{}, 0, 0, common.NewCorruptionError(fmt.Sprintf("key record has unknown kind %d", p[4]))
	}

	fixed := keyRecordFixedSize(kind)
	n := icommon.AlignUp(fixed+int(keySize), recordAlignment)
	if len(p) < n {
		return nil, VersionedItem{}, 0, 0, common.NewCorruptionError(fmt.Sprintf("key record of %d bytes overruns its block", n))
	}

	item := VersionedItem{
		Kind:                  kind,
		VersionSequenceNumber: int64(binary.LittleEndian.Uint64(p[8:16])),
		FileID:                fileID,
	}
	var timestamp int64
	if kind.IsDeleted() {
		timestamp = int64(binary.LittleEndian.Uint64(p[16:24]))
	} else {
		item.Offset = int64(binary.LittleEndian.Uint64(p[16:24]))
		item.ValueChecksum = binary.LittleEndian.Uint64(p[24:32])
		item.ValueSize = int32(binary.LittleEndian.Uint32(p[32:36]))
		if item.Offset < 0 || item.ValueSize < 0 {
			return nil, VersionedItem{}, 0, 0, common.NewCorruptionError(fmt.Sprintf("key record locates value at invalid offset %d size %d", item.Offset, item.ValueSize))
		}
	}

	return p[fixed : fixed+int(keySize)], item, timestamp, n, nil
}
