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
	"time"

	"github.com/cockroachdb/errors"
	icommon "github.com/dr0pdb/icecanestore/internal/common"
	"github.com/dr0pdb/icecanestore/pkg/common"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CheckpointFile is one immutable table generation: a key file and a value file
// sharing a base path.
type CheckpointFile struct {
	basePath string
	opts     *Options

	keys   *KeyCheckpointFile
	values *ValueCheckpointFile
}

// CreateCheckpointFile writes the sorted records to a new checkpoint at basePath and
// opens it. The returned items locate every record in the new checkpoint, in input order.
//
// Writing runs to completion once started, ctx is only checked up front. On failure
// both files are removed.
func CreateCheckpointFile[K, V any](ctx context.Context, opts *Options, basePath string, fileID uint32, records []Record[K, V], keySer Serializer[K], valSer Serializer[V], timestamp int64) (*CheckpointFile, []VersionedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if fileID == 0 {
		return nil, nil, fmt.Errorf("storage::checkpoint_file: file id must be positive")
	}

	opts = opts.norm()
	start := time.Now()
	keyName := getFileName(basePath, keyCheckpointFileType)
	valueName := getFileName(basePath, valueCheckpointFileType)

	items, err := writeCheckpointFiles(opts, keyName, valueName, fileID, records, keySer, valSer, timestamp)
	if err != nil {
		log.WithFields(log.Fields{"basePath": basePath, "error": err.Error()}).Error("storage::checkpoint_file::CreateCheckpointFile; writing checkpoint failed")
		removeCheckpointFiles(opts.Fs, keyName, valueName)
		return nil, nil, err
	}
	opts.Metrics.RecordCheckpointWrite(time.Since(start))

	cf, err := OpenCheckpointFile(ctx, opts, basePath)
	if err != nil {
		removeCheckpointFiles(opts.Fs, keyName, valueName)
		return nil, nil, err
	}

	log.WithFields(log.Fields{
		"basePath":   basePath,
		"fileID":     fileID,
		"keyCount":   cf.KeyCount(),
		"valueCount": cf.ValueCount(),
		"duration":   time.Since(start),
	}).Info("storage::checkpoint_file::CreateCheckpointFile; created checkpoint")
	return cf, items, nil
}

func writeCheckpointFiles[K, V any](opts *Options, keyName, valueName string, fileID uint32, records []Record[K, V], keySer Serializer[K], valSer Serializer[V], timestamp int64) (items []VersionedItem, err error) {
	keyFile, err := opts.Fs.Create(keyName)
	if err != nil {
		return nil, errors.Wrapf(err, "creating key file %s", keyName)
	}
	defer func() {
		err = errors.CombineErrors(err, keyFile.Close())
	}()

	valueFile, err := opts.Fs.Create(valueName)
	if err != nil {
		return nil, errors.Wrapf(err, "creating value file %s", valueName)
	}
	defer func() {
		err = errors.CombineErrors(err, valueFile.Close())
	}()

	w := NewBlockAlignedWriter(keyFile, valueFile, fileID, timestamp, keySer, valSer, opts)
	items = make([]VersionedItem, 0, len(records))
	for i := range records {
		item, err := w.Write(records[i])
		if err != nil {
			return nil, errors.Wrapf(err, "writing record %d", i)
		}
		items = append(items, item)
	}
	if _, _, err := w.Finish(); err != nil {
		return nil, err
	}
	return items, nil
}

func removeCheckpointFiles(fs FileSystem, names ...string) error {
	var err error
	for _, name := range names {
		err = errors.CombineErrors(err, removeIfExists(fs, name))
	}
	return err
}

// OpenCheckpointFile opens the key and value files of the checkpoint at basePath and
// validates their tails.
func OpenCheckpointFile(ctx context.Context, opts *Options, basePath string) (*CheckpointFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.norm()
	cf := &CheckpointFile{basePath: basePath, opts: opts}

	var g errgroup.Group
	g.Go(func() (err error) {
		cf.keys, err = openKeyCheckpointFile(opts, getFileName(basePath, keyCheckpointFileType))
		return err
	})
	g.Go(func() (err error) {
		cf.values, err = openValueCheckpointFile(opts, getFileName(basePath, valueCheckpointFileType))
		return err
	})
	if err := g.Wait(); err != nil {
		if cf.values != nil {
			cf.values.Close()
		}
		return nil, err
	}

	if cf.keys.FileID() != cf.values.FileID() || cf.values.ValueCount() > cf.keys.KeyCount() {
		cf.values.Close()
		return nil, common.NewCorruptionError(fmt.Sprintf("checkpoint %s pairs key file %d (%d keys) with value file %d (%d values)",
			basePath, cf.keys.FileID(), cf.keys.KeyCount(), cf.values.FileID(), cf.values.ValueCount()))
	}
	return cf, nil
}

// BasePath returns the path the key and value file names are derived from.
func (cf *CheckpointFile) BasePath() string {
	return cf.basePath
}

// FileID returns the id of the checkpoint.
func (cf *CheckpointFile) FileID() uint32 {
	return cf.keys.FileID()
}

// KeyCount returns the number of keys, tombstones included.
func (cf *CheckpointFile) KeyCount() int64 {
	return cf.keys.KeyCount()
}

// ValueCount returns the number of stored values.
func (cf *CheckpointFile) ValueCount() int64 {
	return cf.values.ValueCount()
}

// DeletedKeyCount returns the number of tombstones.
func (cf *CheckpointFile) DeletedKeyCount() int64 {
	return cf.KeyCount() - cf.ValueCount()
}

// KeyFileSize returns the size of the key file on disk.
func (cf *CheckpointFile) KeyFileSize() int64 {
	return cf.keys.Size()
}

// ValueFileSize returns the size of the value file on disk.
func (cf *CheckpointFile) ValueFileSize() int64 {
	return cf.values.Size()
}

// KeyFile returns the key half of the checkpoint.
func (cf *CheckpointFile) KeyFile() *KeyCheckpointFile {
	return cf.keys
}

// ValueFile returns the value half of the checkpoint.
func (cf *CheckpointFile) ValueFile() *ValueCheckpointFile {
	return cf.values
}

// ReadValueBytes returns the verified, decoded bytes of the value of item.
func (cf *CheckpointFile) ReadValueBytes(ctx context.Context, item VersionedItem) ([]byte, error) {
	if item.Kind.IsDeleted() {
		return nil, common.NewNotFoundError(fmt.Sprintf("tombstone with lsn %d has no value", item.VersionSequenceNumber))
	}
	icommon.Assertf(item.FileID == cf.FileID(), "item of file %d read from checkpoint %d", item.FileID, cf.FileID())
	return cf.values.ReadValue(ctx, item.Placement())
}

// ReadValue reads and deserializes the value of item from cf.
func ReadValue[V any](ctx context.Context, cf *CheckpointFile, item VersionedItem, valSer Serializer[V]) (V, error) {
	var zero V
	data, err := cf.ReadValueBytes(ctx, item)
	if err != nil {
		return zero, err
	}
	v, err := valSer.ReadFrom(data)
	if err != nil {
		return zero, errors.Wrapf(err, "deserializing value at offset %d", item.Offset)
	}
	return v, nil
}

// NewKeyEnumerator returns an enumerator positioned at the first key of cf.
// The caller must Close it.
func NewKeyEnumerator[K any](ctx context.Context, cf *CheckpointFile, keySer Serializer[K]) (*KeyEnumerator[K], error) {
	return newKeyEnumerator(ctx, cf.opts, cf.keys, keySer)
}

// Close releases the open handles of the checkpoint. The files stay on disk.
func (cf *CheckpointFile) Close() error {
	return cf.values.Close()
}

// Remove deletes both files from disk. The checkpoint must be closed.
func (cf *CheckpointFile) Remove() error {
	return removeCheckpointFiles(cf.opts.Fs, cf.keys.Name(), cf.values.Name())
}
