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

	"github.com/cockroachdb/errors"
	"github.com/dr0pdb/icecanestore/pkg/common"
	log "github.com/sirupsen/logrus"
)

// KeyCheckpointFile is the read side of a key checkpoint file: its properties and
// the location of its key blocks. Keys are read with a KeyEnumerator.
type KeyCheckpointFile struct {
	name  string
	size  int64
	props keyFileProperties
}

func openKeyCheckpointFile(opts *Options, name string) (*KeyCheckpointFile, error) {
	f, err := opts.Fs.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "opening key file %s", name)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat key file %s", name)
	}

	kf := &KeyCheckpointFile{name: name, size: info.Size()}
	ph, err := readFileProperties(f, kf.size, &kf.props)
	if err != nil {
		log.WithFields(log.Fields{"file": name, "error": err.Error()}).Error("storage::key_file::openKeyCheckpointFile; reading file tail failed")
		return nil, errors.Wrapf(err, "opening key file %s", name)
	}
	if err := validateBlockSection(kf.props.KeysHandle, ph, kf.props.BlockSize); err != nil {
		return nil, errors.Wrapf(err, "opening key file %s", name)
	}
	return kf, nil
}

// validateBlockSection checks that a block section is aligned and ends before the
// property section.
func validateBlockSection(section, props BlockHandle, blockSize int64) error {
	if blockSize < 1 || blockSize%recordAlignment != 0 {
		return common.NewCorruptionError(fmt.Sprintf("invalid block size %d", blockSize))
	}
	if section.Offset != 0 || section.Size%uint64(blockSize) != 0 {
		return common.NewCorruptionError(fmt.Sprintf("block section %s is not aligned to %d", section, blockSize))
	}
	if section.EndOffset() > props.Offset {
		return common.NewCorruptionError(fmt.Sprintf("block section %s overlaps the properties at %s", section, props))
	}
	return nil
}

// Name returns the path of the file.
func (kf *KeyCheckpointFile) Name() string {
	return kf.name
}

// Size returns the size of the file on disk.
func (kf *KeyCheckpointFile) Size() int64 {
	return kf.size
}

// KeyCount returns the number of key records in the file, tombstones included.
func (kf *KeyCheckpointFile) KeyCount() int64 {
	return kf.props.KeyCount
}

// FileID returns the id of the checkpoint the file belongs to.
func (kf *KeyCheckpointFile) FileID() uint32 {
	return kf.props.FileID
}
