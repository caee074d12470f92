/**
 * Copyright 2020 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package storage

import (
	"fmt"
	"sync"
	"sync/atomic"

	icommon "github.com/dr0pdb/icecanestore/internal/common"
	"github.com/dr0pdb/icecanestore/pkg/common"
	log "github.com/sirupsen/logrus"
)

// FileMetadata tracks the liveness of one checkpoint: how many of its entries are
// still valid, which keys were superseded, and who holds a reference to it.
//
// It starts with one reference. When the last reference is released the checkpoint
// is closed and, if it was marked as deletable, its files are removed. This happens
// exactly once.
type FileMetadata struct {
	fileID    uint32
	fileName  string
	timestamp int64

	totalEntries   int64
	deletedEntries int64

	oldestDeletedTimestamp int64
	latestDeletedTimestamp int64

	opts *Options

	// mu guards validEntries, the bloom filter and checkpoint.
	mu           sync.Mutex
	validEntries int64
	// trackInvalid is false when keys were invalidated before the filter existed,
	// e.g. after a load, so that a filter could have false negatives.
	trackInvalid bool
	bloom        *bloomFilter
	checkpoint   *CheckpointFile

	canBeDeleted common.ProtectedBool
	refs         atomic.Int64
	disposed     atomic.Bool
}

// FileMetadataParams are the persisted fields of a FileMetadata.
type FileMetadataParams struct {
	FileID                      uint32
	FileName                    string
	TotalNumberOfEntries        int64
	NumberOfValidEntries        int64
	NumberOfDeletedEntries      int64
	TimeStamp                   int64
	OldestDeletedEntryTimestamp int64
	LatestDeletedEntryTimestamp int64
	CanBeDeleted                bool
}

// NewFileMetadata creates the metadata of a checkpoint with a reference count of one.
func NewFileMetadata(params FileMetadataParams, opts *Options) (*FileMetadata, error) {
	fm := &FileMetadata{
		fileID:                 params.FileID,
		fileName:               params.FileName,
		timestamp:              params.TimeStamp,
		totalEntries:           params.TotalNumberOfEntries,
		deletedEntries:         params.NumberOfDeletedEntries,
		oldestDeletedTimestamp: params.OldestDeletedEntryTimestamp,
		latestDeletedTimestamp: params.LatestDeletedEntryTimestamp,
		opts:                   opts.norm(),
		validEntries:           params.NumberOfValidEntries,
		trackInvalid:           params.NumberOfValidEntries == params.TotalNumberOfEntries,
	}
	fm.canBeDeleted.Set(params.CanBeDeleted)
	if err := fm.Validate(); err != nil {
		return nil, err
	}
	fm.refs.Store(1)
	return fm, nil
}

// NewFileMetadataForCheckpoint creates the metadata of a freshly written checkpoint and
// takes ownership of cf. name is the base name of the checkpoint within its directory.
func NewFileMetadataForCheckpoint(cf *CheckpointFile, name string, timestamp int64, opts *Options) (*FileMetadata, error) {
	params := FileMetadataParams{
		FileID:                 cf.FileID(),
		FileName:               name,
		TotalNumberOfEntries:   cf.KeyCount(),
		NumberOfValidEntries:   cf.KeyCount(),
		NumberOfDeletedEntries: cf.DeletedKeyCount(),
		TimeStamp:              timestamp,
	}
	if params.NumberOfDeletedEntries > 0 {
		params.OldestDeletedEntryTimestamp = timestamp
		params.LatestDeletedEntryTimestamp = timestamp
	}

	fm, err := NewFileMetadata(params, opts)
	if err != nil {
		return nil, err
	}
	fm.checkpoint = cf
	return fm, nil
}

// Validate checks the invariants of the persisted fields.
func (fm *FileMetadata) Validate() error {
	fm.mu.Lock()
	valid := fm.validEntries
	fm.mu.Unlock()

	switch {
	case fm.fileID == 0:
		return common.NewCorruptionError("file metadata has file id 0")
	case fm.fileName == "":
		return common.NewCorruptionError(fmt.Sprintf("file metadata %d has no file name", fm.fileID))
	case fm.timestamp < 1:
		return common.NewCorruptionError(fmt.Sprintf("file metadata %d has invalid timestamp %d", fm.fileID, fm.timestamp))
	case valid < 0 || valid > fm.totalEntries:
		return common.NewCorruptionError(fmt.Sprintf("file metadata %d has %d valid of %d entries", fm.fileID, valid, fm.totalEntries))
	case fm.deletedEntries < 0 || fm.deletedEntries > fm.totalEntries:
		return common.NewCorruptionError(fmt.Sprintf("file metadata %d has %d deleted of %d entries", fm.fileID, fm.deletedEntries, fm.totalEntries))
	case fm.oldestDeletedTimestamp > fm.latestDeletedTimestamp:
		return common.NewCorruptionError(fmt.Sprintf("file metadata %d has oldest deleted timestamp %d after latest %d", fm.fileID, fm.oldestDeletedTimestamp, fm.latestDeletedTimestamp))
	}
	return nil
}

// FileID returns the id of the checkpoint.
func (fm *FileMetadata) FileID() uint32 { return fm.fileID }

// FileName returns the base name of the checkpoint within its directory.
func (fm *FileMetadata) FileName() string { return fm.fileName }

// TimeStamp returns the checkpoint timestamp.
func (fm *FileMetadata) TimeStamp() int64 { return fm.timestamp }

// TotalNumberOfEntries returns the number of keys written to the checkpoint.
func (fm *FileMetadata) TotalNumberOfEntries() int64 { return fm.totalEntries }

// NumberOfDeletedEntries returns the number of tombstones in the checkpoint.
func (fm *FileMetadata) NumberOfDeletedEntries() int64 { return fm.deletedEntries }

// OldestDeletedEntryTimestamp returns the timestamp of the oldest tombstone, 0 if none.
func (fm *FileMetadata) OldestDeletedEntryTimestamp() int64 { return fm.oldestDeletedTimestamp }

// LatestDeletedEntryTimestamp returns the timestamp of the latest tombstone, 0 if none.
func (fm *FileMetadata) LatestDeletedEntryTimestamp() int64 { return fm.latestDeletedTimestamp }

// NumberOfValidEntries returns the number of entries not superseded yet.
func (fm *FileMetadata) NumberOfValidEntries() int64 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.validEntries
}

// Params returns the persisted fields.
func (fm *FileMetadata) Params() FileMetadataParams {
	return FileMetadataParams{
		FileID:                      fm.fileID,
		FileName:                    fm.fileName,
		TotalNumberOfEntries:        fm.totalEntries,
		NumberOfValidEntries:        fm.NumberOfValidEntries(),
		NumberOfDeletedEntries:      fm.deletedEntries,
		TimeStamp:                   fm.timestamp,
		OldestDeletedEntryTimestamp: fm.oldestDeletedTimestamp,
		LatestDeletedEntryTimestamp: fm.latestDeletedTimestamp,
		CanBeDeleted:                fm.CanBeDeleted(),
	}
}

// CanBeDeleted returns true if the files are removed once the last reference goes.
func (fm *FileMetadata) CanBeDeleted() bool {
	return fm.canBeDeleted.Get()
}

// SetCanBeDeleted marks the checkpoint as superseded, so that its files are removed
// once the last reference goes.
func (fm *FileMetadata) SetCanBeDeleted(v bool) {
	fm.canBeDeleted.Set(v)
}

// CheckpointFile returns the attached checkpoint, nil if none is attached.
func (fm *FileMetadata) CheckpointFile() *CheckpointFile {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.checkpoint
}

// SetCheckpointFile attaches an opened checkpoint. The metadata takes ownership of it.
func (fm *FileMetadata) SetCheckpointFile(cf *CheckpointFile) {
	icommon.Assertf(cf.FileID() == fm.fileID, "attaching checkpoint %d to file metadata %d", cf.FileID(), fm.fileID)
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.checkpoint = cf
}

// AddInvalidKey records that key, serialized, was superseded by a newer checkpoint.
func (fm *FileMetadata) AddInvalidKey(key []byte) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	icommon.Assertf(fm.validEntries > 0, "file %d invalidated more keys than it holds (%d)", fm.fileID, fm.totalEntries)
	fm.validEntries--

	if !fm.trackInvalid {
		return
	}
	if fm.bloom == nil {
		fm.bloom = newBloomFilter(fm.bloomCapacity(), fm.opts.Bloom.FalsePositiveRate)
	}
	fm.bloom.add(key)

	if fm.percentageOfInvalidEntries() >= fm.opts.Bloom.InvalidEntriesThresholdPercent {
		// the file is a merge candidate now, the filter won't save any reads.
		fm.bloom = nil
		fm.trackInvalid = false
		log.WithFields(log.Fields{"fileID": fm.fileID, "validEntries": fm.validEntries}).Debug("storage::file_metadata::AddInvalidKey; dropped invalid key filter")
	}
}

func (fm *FileMetadata) bloomCapacity() int {
	n := fm.totalEntries * int64(fm.opts.Bloom.InvalidEntriesThresholdPercent) / 100
	if n > int64(fm.opts.Bloom.MaxCapacity) {
		n = int64(fm.opts.Bloom.MaxCapacity)
	}
	return int(n) + 1
}

// ContainsInvalidKey returns false only if key is known to still be valid in this
// checkpoint. Without a filter it conservatively returns true.
func (fm *FileMetadata) ContainsInvalidKey(key []byte) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.bloom == nil {
		return fm.validEntries < fm.totalEntries || !fm.trackInvalid
	}
	return fm.bloom.mayContain(key)
}

// HasInvalidKeyFilter returns true while superseded keys are tracked in a filter.
func (fm *FileMetadata) HasInvalidKeyFilter() bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.bloom != nil
}

// PercentageOfInvalidEntries returns the share of superseded entries, 0 to 100.
func (fm *FileMetadata) PercentageOfInvalidEntries() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.percentageOfInvalidEntries()
}

func (fm *FileMetadata) percentageOfInvalidEntries() int {
	if fm.totalEntries == 0 {
		return 0
	}
	return int((fm.totalEntries - fm.validEntries) * 100 / fm.totalEntries)
}

// IsMergeCandidate returns true once enough entries were superseded that the
// checkpoint is worth merging.
func (fm *FileMetadata) IsMergeCandidate() bool {
	return fm.PercentageOfInvalidEntries() >= fm.opts.Bloom.InvalidEntriesThresholdPercent
}

// ReferenceCount returns the current number of references.
func (fm *FileMetadata) ReferenceCount() int64 {
	return fm.refs.Load()
}

// IsDisposed returns true once the last reference was released.
func (fm *FileMetadata) IsDisposed() bool {
	return fm.disposed.Load()
}

// AddRef takes a reference. The caller must already hold one.
func (fm *FileMetadata) AddRef() {
	n := fm.refs.Add(1)
	icommon.Assertf(n > 1, "file metadata %d revived with AddRef after disposal", fm.fileID)
}

// TryAddRef takes a reference unless the metadata is already disposed.
func (fm *FileMetadata) TryAddRef() bool {
	for {
		n := fm.refs.Load()
		if n <= 0 {
			return false
		}
		if fm.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// ReleaseRef drops a reference. Releasing the last one disposes the metadata and
// returns the error of closing or removing the files.
func (fm *FileMetadata) ReleaseRef() error {
	n := fm.refs.Add(-1)
	icommon.Assertf(n >= 0, "file metadata %d released more references than it took", fm.fileID)
	if n > 0 {
		return nil
	}
	return fm.dispose()
}

func (fm *FileMetadata) dispose() error {
	icommon.Assertf(fm.disposed.CompareAndSwap(false, true), "file metadata %d disposed twice", fm.fileID)

	fm.mu.Lock()
	cf := fm.checkpoint
	fm.checkpoint = nil
	fm.bloom = nil
	fm.mu.Unlock()

	if cf == nil {
		if fm.CanBeDeleted() {
			log.WithFields(log.Fields{"fileID": fm.fileID, "fileName": fm.fileName}).Warn("storage::file_metadata::dispose; no checkpoint attached, files are left on disk")
		}
		return nil
	}

	if err := cf.Close(); err != nil {
		log.WithFields(log.Fields{"fileID": fm.fileID, "error": err.Error()}).Warn("storage::file_metadata::dispose; closing checkpoint failed")
	}
	if !fm.CanBeDeleted() {
		return nil
	}

	if err := cf.Remove(); err != nil {
		log.WithFields(log.Fields{"fileID": fm.fileID, "error": err.Error()}).Error("storage::file_metadata::dispose; removing checkpoint files failed")
		return err
	}
	fm.opts.Metrics.RecordFileDeleted()
	log.WithFields(log.Fields{"fileID": fm.fileID, "basePath": cf.BasePath()}).Info("storage::file_metadata::dispose; removed checkpoint files")
	return nil
}
