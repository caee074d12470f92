package storage

import "fmt"

// RecordKind is the kind of change a versioned item records.
type RecordKind uint8

// This is part of the file format and stored on the disk. Don't change
const (
	RecordInserted       RecordKind = 0
	RecordUpdated        RecordKind = 1
	RecordDeletedVersion RecordKind = 2
)

func (k RecordKind) String() string {
	switch k {
	case RecordInserted:
		return "Inserted"
	case RecordUpdated:
		return "Updated"
	case RecordDeletedVersion:
		return "DeletedVersion"
	}
	return fmt.Sprintf("RecordKind(%d)", uint8(k))
}

func (k RecordKind) isValid() bool {
	return k <= RecordDeletedVersion
}

// IsDeleted returns true for tombstones, which carry no value.
func (k RecordKind) IsDeleted() bool {
	return k == RecordDeletedVersion
}

// VersionedItem describes one version of a key and, for live versions, where its value lives.
type VersionedItem struct {
	Kind                  RecordKind
	VersionSequenceNumber int64

	// FileID, Offset, ValueSize and ValueChecksum locate the value on disk once the
	// item has been checkpointed. Before that, ValueSize may hold the expected
	// serialized size of the value, which the writer uses to plan block placement.
	FileID        uint32
	Offset        int64
	ValueSize     int32
	ValueChecksum uint64
}

// ValuePlacement is where the writer put a value: its offset and size in the value
// file and the checksum of the stored bytes.
type ValuePlacement struct {
	Offset   int64
	Size     int32
	Checksum uint64
}

// WithPlacement returns a copy of the item located at p in file fileID.
func (vi VersionedItem) WithPlacement(fileID uint32, p ValuePlacement) VersionedItem {
	vi.FileID = fileID
	vi.Offset = p.Offset
	vi.ValueSize = p.Size
	vi.ValueChecksum = p.Checksum
	return vi
}

// Placement returns the value placement recorded in the item.
func (vi VersionedItem) Placement() ValuePlacement {
	return ValuePlacement{Offset: vi.Offset, Size: vi.ValueSize, Checksum: vi.ValueChecksum}
}

// Record is a single input row of a checkpoint: a key, its versioned item and, unless the
// item is a tombstone, its value.
type Record[K, V any] struct {
	Key   K
	Item  VersionedItem
	Value V
}

// KeyEntry is a single row read back from a key checkpoint file.
type KeyEntry[K any] struct {
	Key  K
	Item VersionedItem

	// Timestamp is only set for tombstones.
	Timestamp int64
}
