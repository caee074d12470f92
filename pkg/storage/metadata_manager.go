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
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
	icommon "github.com/dr0pdb/icecanestore/internal/common"
	"github.com/dr0pdb/icecanestore/pkg/common"
	log "github.com/sirupsen/logrus"
)

/*
	Metadata table file:

	+--------------------------------------+-----+------------------------------+
	| chunk 1                              | ... | file tail (see format.go)    |
	+--------------------------------------+-----+------------------------------+

	chunk:
	+-------------+--------------+---------+-----+---------+------------------+
	| size (u32)  | reserved (4) | entry 1 | ... | entry n | crc64(entries)   |
	+-------------+--------------+---------+-----+---------+------------------+

	entry (8-byte aligned):
	+-------------+---------------+-------------+-------------+---------------+---------------+
	| fileID u32  | nameLen u32   | total i64   | valid i64   | deleted i64   | timestamp i64 |
	+-------------+---------------+-------------+-------------+---------------+---------------+
	| oldest deleted ts i64       | latest deleted ts i64     | flags u8, reserved[7]         |
	+-----------------------------+---------------------------+-------------------------------+
	| name | pad to 8 |
	+------+----------+
*/

const (
	metadataChunkHeaderSize = 8
	metadataEntryFixedSize  = 64

	metadataFlagCanBeDeleted = 1 << 0
)

// MetadataManager reads and writes metadata table files and publishes them atomically.
// Publishing must not run concurrently for the same directory.
type MetadataManager struct {
	opts *Options
}

// NewMetadataManager creates a manager using opts.
func NewMetadataManager(opts *Options) *MetadataManager {
	return &MetadataManager{opts: opts.norm()}
}

func appendMetadataEntry(dst []byte, p FileMetadataParams) []byte {
	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, p.FileID)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(p.FileName)))
	for _, v := range []int64{
		p.TotalNumberOfEntries,
		p.NumberOfValidEntries,
		p.NumberOfDeletedEntries,
		p.TimeStamp,
		p.OldestDeletedEntryTimestamp,
		p.LatestDeletedEntryTimestamp,
	} {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(v))
	}

	var flags byte
	if p.CanBeDeleted {
		flags |= metadataFlagCanBeDeleted
	}
	dst = append(dst, flags, 0, 0, 0, 0, 0, 0, 0)
	dst = append(dst, p.FileName...)
	return appendPadding(dst, icommon.PaddingFor(len(dst)-start, recordAlignment))
}

func decodeMetadataEntry(p []byte) (FileMetadataParams, int, error) {
	if len(p) < metadataEntryFixedSize {
		return FileMetadataParams{}, 0, common.NewCorruptionError(fmt.Sprintf("truncated metadata entry of %d bytes", len(p)))
	}
	nameLen := int(binary.LittleEndian.Uint32(p[4:8]))
	n := icommon.AlignUp(metadataEntryFixedSize+nameLen, recordAlignment)
	if nameLen < 0 || n > len(p) {
		return FileMetadataParams{}, 0, common.NewCorruptionError(fmt.Sprintf("metadata entry declares invalid name length %d", nameLen))
	}

	i64 := func(off int) int64 { return int64(binary.LittleEndian.Uint64(p[off : off+8])) }
	params := FileMetadataParams{
		FileID:                      binary.LittleEndian.Uint32(p[0:4]),
		TotalNumberOfEntries:        i64(8),
		NumberOfValidEntries:        i64(16),
		NumberOfDeletedEntries:      i64(24),
		TimeStamp:                   i64(32),
		OldestDeletedEntryTimestamp: i64(40),
		LatestDeletedEntryTimestamp: i64(48),
		CanBeDeleted:                p[56]&metadataFlagCanBeDeleted != 0,
		FileName:                    string(p[metadataEntryFixedSize : metadataEntryFixedSize+nameLen]),
	}
	return params, n, nil
}

// Write serializes table to a new file at path and syncs it.
func (m *MetadataManager) Write(ctx context.Context, table *MetadataTable, path string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := m.opts.Fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating metadata file %s", path)
	}
	defer func() {
		err = errors.CombineErrors(err, f.Close())
		if err != nil {
			removeIfExists(m.opts.Fs, path)
		}
	}()

	var (
		written int64
		chunk   = make([]byte, metadataChunkHeaderSize, m.opts.MetadataChunkSize+metadataChunkHeaderSize)
		chunks  int
	)
	flushChunk := func() error {
		if len(chunk) == metadataChunkHeaderSize {
			return nil
		}
		size := len(chunk) - metadataChunkHeaderSize
		binary.LittleEndian.PutUint32(chunk[0:4], uint32(size))
		binary.LittleEndian.PutUint32(chunk[4:8], 0)
		chunk = binary.LittleEndian.AppendUint64(chunk, checksum(chunk[metadataChunkHeaderSize:]))
		if _, err := f.Write(chunk); err != nil {
			return errors.Wrapf(err, "writing metadata chunk to %s", path)
		}
		written += int64(len(chunk))
		chunks++
		chunk = chunk[:metadataChunkHeaderSize]
		return nil
	}

	files := table.Files()
	for _, fm := range files {
		chunk = appendMetadataEntry(chunk, fm.Params())
		if len(chunk)-metadataChunkHeaderSize >= m.opts.MetadataChunkSize {
			if err := flushChunk(); err != nil {
				return err
			}
		}
	}
	if err := flushChunk(); err != nil {
		return err
	}

	props := &metadataFileProperties{
		FileCount:      int64(len(files)),
		CheckpointLSN:  table.CheckpointLSN(),
		MetadataHandle: BlockHandle{Offset: 0, Size: uint64(written)},
	}
	tail := appendFileTail(nil, written, encodeProperties(props), recordAlignment)
	if _, err := f.Write(tail); err != nil {
		return errors.Wrapf(err, "writing metadata file tail to %s", path)
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "syncing metadata file %s", path)
	}

	table.size.Store(written + int64(len(tail)))
	log.WithFields(log.Fields{
		"path":          path,
		"files":         len(files),
		"chunks":        chunks,
		"checkpointLSN": props.CheckpointLSN,
	}).Debug("storage::metadata_manager::Write; wrote metadata table")
	return nil
}

// readMetadataProperties parses the tail of the metadata file f of the given size.
func readMetadataProperties(f File, size int64) (*metadataFileProperties, error) {
	props := &metadataFileProperties{}
	ph, err := readFileProperties(f, size, props)
	if err != nil {
		return nil, err
	}
	if props.MetadataHandle.Offset != 0 || props.MetadataHandle.EndOffset() > ph.Offset {
		return nil, common.NewCorruptionError(fmt.Sprintf("metadata section %s overlaps the properties at %s", props.MetadataHandle, ph))
	}
	return props, nil
}

func (m *MetadataManager) openFile(path string) (File, int64, error) {
	f, err := m.opts.Fs.Open(path)
	if err != nil {
		if exists, _ := m.opts.Fs.Exists(path); !exists {
			return nil, 0, common.NewNotFoundError(fmt.Sprintf("metadata file %s not found", path))
		}
		return nil, 0, errors.Wrapf(err, "opening metadata file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrapf(err, "stat metadata file %s", path)
	}
	return f, info.Size(), nil
}

// Validate checks the footer and property section of the metadata file at path.
func (m *MetadataManager) Validate(path string) error {
	f, size, err := m.openFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := readMetadataProperties(f, size); err != nil {
		return errors.Wrapf(err, "validating metadata file %s", path)
	}
	return nil
}

// Open reads the metadata table at path. The returned table holds one reference and
// has no checkpoint files attached, see MetadataTable.OpenCheckpointFiles.
func (m *MetadataManager) Open(ctx context.Context, path string) (*MetadataTable, error) {
	f, size, err := m.openFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	props, err := readMetadataProperties(f, size)
	if err != nil {
		log.WithFields(log.Fields{"path": path, "error": err.Error()}).Error("storage::metadata_manager::Open; reading file tail failed")
		return nil, errors.Wrapf(err, "opening metadata file %s", path)
	}

	table := NewMetadataTable(props.CheckpointLSN)
	fail := func(err error) (*MetadataTable, error) {
		table.ReleaseRef()
		return nil, errors.Wrapf(err, "opening metadata file %s", path)
	}

	pos := int64(props.MetadataHandle.Offset)
	end := int64(props.MetadataHandle.EndOffset())
	for pos < end {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		header, err := readAtFull(f, pos, metadataChunkHeaderSize)
		if err != nil {
			return fail(err)
		}
		chunkSize := int64(int32(binary.LittleEndian.Uint32(header[0:4])))
		if chunkSize <= 0 || pos+metadataChunkHeaderSize+chunkSize+checksumSize > end {
			return fail(common.NewCorruptionError(fmt.Sprintf("metadata chunk at %d declares invalid size %d", pos, chunkSize)))
		}

		data, err := readFileBlock(f, BlockHandle{Offset: uint64(pos + metadataChunkHeaderSize), Size: uint64(chunkSize)}, "metadata chunk")
		if err != nil {
			return fail(err)
		}
		for off := 0; off < len(data); {
			params, n, err := decodeMetadataEntry(data[off:])
			if err != nil {
				return fail(err)
			}
			fm, err := NewFileMetadata(params, m.opts)
			if err != nil {
				return fail(err)
			}
			if err := table.Add(fm); err != nil {
				return fail(common.NewCorruptionError(err.Error()))
			}
			off += n
		}
		pos += metadataChunkHeaderSize + chunkSize + checksumSize
	}

	if int64(table.Len()) != props.FileCount {
		return fail(common.NewCorruptionError(fmt.Sprintf("metadata file holds %d files, properties declare %d", table.Len(), props.FileCount)))
	}

	table.size.Store(size)
	log.WithFields(log.Fields{"path": path, "files": table.Len(), "checkpointLSN": props.CheckpointLSN}).Info("storage::metadata_manager::Open; loaded metadata table")
	return table, nil
}

// SafeFileReplace makes the staged metadata file at paths.Temp the current one without
// ever leaving the directory without a valid metadata file. It can be invoked again
// after a crash at any point and picks up from whatever state is on disk.
func (m *MetadataManager) SafeFileReplace(ctx context.Context, paths MetadataFilePaths) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fs := m.opts.Fs
	currentExists, err := fs.Exists(paths.Current)
	if err != nil {
		return errors.Wrapf(err, "checking %s", paths.Current)
	}
	backupExists, err := fs.Exists(paths.Backup)
	if err != nil {
		return errors.Wrapf(err, "checking %s", paths.Backup)
	}
	tempExists, err := fs.Exists(paths.Temp)
	if err != nil {
		return errors.Wrapf(err, "checking %s", paths.Temp)
	}

	if !tempExists {
		return m.recoverWithoutTemp(paths, currentExists, backupExists)
	}

	// without a current file, or with a backup left by an interrupted replace, temp is
	// about to become the only copy.
	if backupExists || !currentExists {
		if err := m.Validate(paths.Temp); err != nil {
			log.WithFields(log.Fields{"path": paths.Temp, "error": err.Error()}).Error("storage::metadata_manager::SafeFileReplace; staged metadata file is invalid")
			return err
		}
	}

	if backupExists {
		if err := removeIfExists(fs, paths.Backup); err != nil {
			return errors.Wrapf(err, "removing stale backup %s", paths.Backup)
		}
	}

	if !currentExists {
		if err := fs.Rename(paths.Temp, paths.Current); err != nil {
			return errors.Wrapf(err, "renaming %s to %s", paths.Temp, paths.Current)
		}
		log.WithFields(log.Fields{"path": paths.Current}).Info("storage::metadata_manager::SafeFileReplace; published metadata file")
		return nil
	}

	if err := fs.Rename(paths.Current, paths.Backup); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", paths.Current, paths.Backup)
	}
	if err := fs.Rename(paths.Temp, paths.Current); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", paths.Temp, paths.Current)
	}
	if err := removeIfExists(fs, paths.Backup); err != nil {
		log.WithFields(log.Fields{"path": paths.Backup, "error": err.Error()}).Warn("storage::metadata_manager::SafeFileReplace; removing backup failed")
	}

	log.WithFields(log.Fields{"path": paths.Current}).Info("storage::metadata_manager::SafeFileReplace; replaced metadata file")
	return nil
}

// recoverWithoutTemp handles a replace whose staged file is already gone.
func (m *MetadataManager) recoverWithoutTemp(paths MetadataFilePaths, currentExists, backupExists bool) error {
	fs := m.opts.Fs
	switch {
	case currentExists && backupExists:
		// temp was renamed before the crash, only the backup is left to clean up.
		if err := removeIfExists(fs, paths.Backup); err != nil {
			log.WithFields(log.Fields{"path": paths.Backup, "error": err.Error()}).Warn("storage::metadata_manager::recoverWithoutTemp; removing backup failed")
		}
		return nil
	case currentExists:
		return nil
	case backupExists:
		if err := m.Validate(paths.Backup); err != nil {
			return err
		}
		log.WithFields(log.Fields{"path": paths.Backup}).Warn("storage::metadata_manager::recoverWithoutTemp; restoring backup metadata file")
		if err := fs.Rename(paths.Backup, paths.Current); err != nil {
			return errors.Wrapf(err, "renaming %s to %s", paths.Backup, paths.Current)
		}
		return nil
	}
	return common.NewNotFoundError(fmt.Sprintf("no metadata file to publish at %s", paths.Temp))
}

// Publish writes table to the temp file of dir and makes it the current metadata file.
// dir is created if missing.
func (m *MetadataManager) Publish(ctx context.Context, table *MetadataTable, dir string) (err error) {
	defer func() {
		if err != nil {
			m.opts.Metrics.RecordMetadataPublish("failure")
		} else {
			m.opts.Metrics.RecordMetadataPublish("success")
		}
	}()

	if err := m.opts.Fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	paths := GetMetadataFilePaths(dir)
	if err := m.Write(ctx, table, paths.Temp); err != nil {
		return err
	}
	return m.SafeFileReplace(ctx, paths)
}

// Load returns the current metadata table of dir, finishing an interrupted publish
// first. A directory which never had a table published returns a NotFoundError.
func (m *MetadataManager) Load(ctx context.Context, dir string) (*MetadataTable, error) {
	paths := GetMetadataFilePaths(dir)
	currentExists, err := m.opts.Fs.Exists(paths.Current)
	if err != nil {
		return nil, errors.Wrapf(err, "checking %s", paths.Current)
	}
	pending := false
	for _, p := range []string{paths.Temp, paths.Backup} {
		exists, err := m.opts.Fs.Exists(p)
		if err != nil {
			return nil, errors.Wrapf(err, "checking %s", p)
		}
		pending = pending || exists
	}

	if pending {
		if !currentExists {
			if err := m.SafeFileReplace(ctx, paths); err != nil {
				return nil, err
			}
		} else if err := m.finishPending(ctx, paths); err != nil {
			return nil, err
		}
	}
	return m.Open(ctx, paths.Current)
}

// finishPending resolves leftovers next to an existing current file. A temp file that
// doesn't validate was never published and is discarded.
func (m *MetadataManager) finishPending(ctx context.Context, paths MetadataFilePaths) error {
	exists, err := m.opts.Fs.Exists(paths.Temp)
	if err != nil {
		return errors.Wrapf(err, "checking %s", paths.Temp)
	}
	if exists && m.Validate(paths.Temp) != nil {
		log.WithFields(log.Fields{"path": paths.Temp}).Warn("storage::metadata_manager::finishPending; discarding invalid staged metadata file")
		if err := removeIfExists(m.opts.Fs, paths.Temp); err != nil {
			return errors.Wrapf(err, "removing %s", paths.Temp)
		}
	}
	return m.SafeFileReplace(ctx, paths)
}
