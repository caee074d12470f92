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
	"github.com/dr0pdb/icecanestore/pkg/metrics"
	"github.com/golang/snappy"
	log "github.com/sirupsen/logrus"
)

// ValueCheckpointFile is the read side of a value checkpoint file. Values are read by
// offset through a pool of handles, so reads may run concurrently.
type ValueCheckpointFile struct {
	name    string
	size    int64
	props   valueFileProperties
	pool    *StreamPool
	metrics *metrics.Registry
}

func openValueCheckpointFile(opts *Options, name string) (*ValueCheckpointFile, error) {
	vf := &ValueCheckpointFile{
		name:    name,
		pool:    NewStreamPool(opts.Fs, name, opts.StreamPoolCapacity, opts.Metrics),
		metrics: opts.Metrics,
	}

	// the handle used to read the tail goes back to the pool.
	f, err := vf.pool.Acquire()
	if err != nil {
		return nil, errors.Wrapf(err, "opening value file %s", name)
	}
	ok := false
	defer func() {
		vf.pool.Release(f, !ok)
		if !ok {
			vf.pool.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat value file %s", name)
	}
	vf.size = info.Size()

	ph, err := readFileProperties(f, vf.size, &vf.props)
	if err != nil {
		log.WithFields(log.Fields{"file": name, "error": err.Error()}).Error("storage::value_file::openValueCheckpointFile; reading file tail failed")
		return nil, errors.Wrapf(err, "opening value file %s", name)
	}
	if err := validateBlockSection(vf.props.ValuesHandle, ph, vf.props.BlockSize); err != nil {
		return nil, errors.Wrapf(err, "opening value file %s", name)
	}

	ok = true
	return vf, nil
}

// Name returns the path of the file.
func (vf *ValueCheckpointFile) Name() string {
	return vf.name
}

// Size returns the size of the file on disk.
func (vf *ValueCheckpointFile) Size() int64 {
	return vf.size
}

// ValueCount returns the number of values in the file.
func (vf *ValueCheckpointFile) ValueCount() int64 {
	return vf.props.ValueCount
}

// FileID returns the id of the checkpoint the file belongs to.
func (vf *ValueCheckpointFile) FileID() uint32 {
	return vf.props.FileID
}

// Compression returns the codec the values were stored with.
func (vf *ValueCheckpointFile) Compression() Compression {
	return vf.props.Compression
}

// ReadValue reads the stored bytes of the value located by p, verifies their checksum
// and returns them decoded.
//
// A placement outside of the value section means the caller handed in an item from
// another file and is treated as a broken invariant.
func (vf *ValueCheckpointFile) ReadValue(ctx context.Context, p ValuePlacement) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	section := vf.props.ValuesHandle
	icommon.Assertf(p.Offset >= int64(section.Offset) && p.Size >= 0 &&
		uint64(p.Offset)+uint64(p.Size)+checksumSize <= section.EndOffset(),
		"value at offset %d size %d is outside of the value section %s of %s", p.Offset, p.Size, section, vf.name)

	f, err := vf.pool.Acquire()
	if err != nil {
		vf.metrics.RecordValueRead("error")
		return nil, err
	}

	buf := make([]byte, int(p.Size)+checksumSize)
	err = readFullAt(f, buf, p.Offset)
	vf.pool.Release(f, err != nil)
	if err != nil {
		vf.metrics.RecordValueRead("error")
		return nil, errors.Wrapf(err, "reading value from %s", vf.name)
	}

	data := buf[:p.Size]
	stored := binary.LittleEndian.Uint64(buf[p.Size:])
	actual := checksum(data)
	if actual != stored || stored != p.Checksum {
		vf.metrics.RecordValueRead("checksum_mismatch")
		vf.metrics.RecordChecksumFailure("value")
		log.WithFields(log.Fields{"file": vf.name, "offset": p.Offset, "size": p.Size}).Error("storage::value_file::ReadValue; value checksum mismatch")
		expected := p.Checksum
		if actual == p.Checksum {
			expected = stored
		}
		return nil, common.NewChecksumMismatchError(fmt.Sprintf("value at offset %d in %s is corrupt", p.Offset, vf.name), expected, actual)
	}

	if vf.props.Compression == SnappyCompression {
		if data, err = snappy.Decode(nil, data); err != nil {
			vf.metrics.RecordValueRead("error")
			return nil, common.NewCorruptionError(fmt.Sprintf("value at offset %d in %s can't be decompressed: %v", p.Offset, vf.name, err))
		}
	}

	vf.metrics.RecordValueRead("ok")
	return data, nil
}

// Close closes the pooled handles.
func (vf *ValueCheckpointFile) Close() error {
	return vf.pool.Close()
}
