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
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	icommon "github.com/dr0pdb/icecanestore/internal/common"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MetadataTable is one generation of the live file set of a store: the metadata of
// every checkpoint keyed by file id, and the LSN the generation was checkpointed at.
//
// The table is reference counted like FileMetadata. Its disposal releases the
// reference it holds on every file.
type MetadataTable struct {
	mu            sync.RWMutex
	files         map[uint32]*FileMetadata
	checkpointLSN int64

	// size is the serialized size of the table once written or read, 0 before.
	size atomic.Int64

	refs     atomic.Int64
	disposed atomic.Bool
}

// NewMetadataTable creates an empty table with one reference.
func NewMetadataTable(checkpointLSN int64) *MetadataTable {
	mt := &MetadataTable{
		files:         make(map[uint32]*FileMetadata),
		checkpointLSN: checkpointLSN,
	}
	mt.refs.Store(1)
	return mt
}

// CheckpointLSN returns the LSN of the generation.
func (mt *MetadataTable) CheckpointLSN() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.checkpointLSN
}

// SetCheckpointLSN sets the LSN of the generation.
func (mt *MetadataTable) SetCheckpointLSN(lsn int64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.checkpointLSN = lsn
}

// Size returns the serialized size of the table, 0 if it was never written or read.
func (mt *MetadataTable) Size() int64 {
	return mt.size.Load()
}

// Add inserts fm into the table. The table takes over the caller's reference.
func (mt *MetadataTable) Add(fm *FileMetadata) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if _, ok := mt.files[fm.FileID()]; ok {
		return fmt.Errorf("storage::metadata_table: file %d is already in the table", fm.FileID())
	}
	mt.files[fm.FileID()] = fm
	return nil
}

// Get returns the metadata of fileID.
func (mt *MetadataTable) Get(fileID uint32) (*FileMetadata, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	fm, ok := mt.files[fileID]
	return fm, ok
}

// Remove takes fileID out of the table and hands its reference to the caller.
func (mt *MetadataTable) Remove(fileID uint32) (*FileMetadata, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	fm, ok := mt.files[fileID]
	delete(mt.files, fileID)
	return fm, ok
}

// Len returns the number of files in the table.
func (mt *MetadataTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.files)
}

// FileIDs returns the ids of every file in ascending order.
func (mt *MetadataTable) FileIDs() []uint32 {
	mt.mu.RLock()
	ids := make([]uint32, 0, len(mt.files))
	for id := range mt.files {
		ids = append(ids, id)
	}
	mt.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Files returns the metadata of every file ordered by file id.
func (mt *MetadataTable) Files() []*FileMetadata {
	ids := mt.FileIDs()
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	files := make([]*FileMetadata, 0, len(ids))
	for _, id := range ids {
		if fm, ok := mt.files[id]; ok {
			files = append(files, fm)
		}
	}
	return files
}

// OpenCheckpointFiles opens the checkpoint of every file in the table that doesn't have
// one attached yet. Checkpoint files live in dir under their file name.
func (mt *MetadataTable) OpenCheckpointFiles(ctx context.Context, dir string, opts *Options) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fm := range mt.Files() {
		if fm.CheckpointFile() != nil {
			continue
		}
		fm := fm
		g.Go(func() error {
			cf, err := OpenCheckpointFile(gctx, opts, filepath.Join(dir, fm.FileName()))
			if err != nil {
				return errors.Wrapf(err, "opening checkpoint of file %d", fm.FileID())
			}
			if cf.FileID() != fm.FileID() {
				mismatch := errors.Newf("checkpoint %s holds file %d, expected %d", fm.FileName(), cf.FileID(), fm.FileID())
				return errors.CombineErrors(mismatch, cf.Close())
			}
			fm.SetCheckpointFile(cf)
			return nil
		})
	}
	return g.Wait()
}

// ReferenceCount returns the current number of references.
func (mt *MetadataTable) ReferenceCount() int64 {
	return mt.refs.Load()
}

// IsDisposed returns true once the last reference was released.
func (mt *MetadataTable) IsDisposed() bool {
	return mt.disposed.Load()
}

// AddRef takes a reference. The caller must already hold one.
func (mt *MetadataTable) AddRef() {
	n := mt.refs.Add(1)
	icommon.Assertf(n > 1, "metadata table revived with AddRef after disposal")
}

// TryAddRef takes a reference unless the table is already disposed.
func (mt *MetadataTable) TryAddRef() bool {
	for {
		n := mt.refs.Load()
		if n <= 0 {
			return false
		}
		if mt.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// ReleaseRef drops a reference. Releasing the last one releases every file in the
// table and returns the combined errors of their disposal.
func (mt *MetadataTable) ReleaseRef() error {
	n := mt.refs.Add(-1)
	icommon.Assertf(n >= 0, "metadata table released more references than it took")
	if n > 0 {
		return nil
	}
	icommon.Assertf(mt.disposed.CompareAndSwap(false, true), "metadata table disposed twice")

	mt.mu.Lock()
	files := mt.files
	mt.files = make(map[uint32]*FileMetadata)
	mt.mu.Unlock()

	var err error
	for _, fm := range files {
		err = errors.CombineErrors(err, fm.ReleaseRef())
	}
	log.WithFields(log.Fields{"files": len(files), "checkpointLSN": mt.CheckpointLSN()}).Debug("storage::metadata_table::ReleaseRef; disposed metadata table")
	return err
}
