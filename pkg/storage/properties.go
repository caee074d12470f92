package storage

import (
	"fmt"

	"github.com/dr0pdb/icecanestore/pkg/common"
)

// Property ids are part of the file format. Don't change
const (
	keyPropKeyCount   uint32 = 1
	keyPropFileID     uint32 = 2
	keyPropKeysHandle uint32 = 3
	keyPropBlockSize  uint32 = 4

	valuePropValueCount   uint32 = 1
	valuePropFileID       uint32 = 2
	valuePropValuesHandle uint32 = 3
	valuePropCompression  uint32 = 4
	valuePropBlockSize    uint32 = 5

	metadataPropFileCount      uint32 = 1
	metadataPropCheckpointLSN  uint32 = 2
	metadataPropMetadataHandle uint32 = 3
)

// keyFileProperties are the properties of a key checkpoint file.
type keyFileProperties struct {
	KeyCount   int64
	FileID     uint32
	KeysHandle BlockHandle
	BlockSize  int64
}

func (p *keyFileProperties) write(pw *propertyWriter) {
	pw.putInt64(keyPropKeyCount, p.KeyCount)
	pw.putUint64(keyPropFileID, uint64(p.FileID))
	pw.putHandle(keyPropKeysHandle, p.KeysHandle)
	pw.putInt64(keyPropBlockSize, p.BlockSize)
}

func (p *keyFileProperties) read(id uint32, value []byte) (err error) {
	switch id {
	case keyPropKeyCount:
		p.KeyCount, err = propertyInt64(id, value)
	case keyPropFileID:
		p.FileID, err = propertyFileID(id, value)
	case keyPropKeysHandle:
		p.KeysHandle, err = decodeBlockHandle(value)
	case keyPropBlockSize:
		p.BlockSize, err = propertyInt64(id, value)
	}
	return err
}

// valueFileProperties are the properties of a value checkpoint file.
type valueFileProperties struct {
	ValueCount   int64
	FileID       uint32
	ValuesHandle BlockHandle
	Compression  Compression
	BlockSize    int64
}

func (p *valueFileProperties) write(pw *propertyWriter) {
	pw.putInt64(valuePropValueCount, p.ValueCount)
	pw.putUint64(valuePropFileID, uint64(p.FileID))
	pw.putHandle(valuePropValuesHandle, p.ValuesHandle)
	pw.putUint64(valuePropCompression, uint64(p.Compression))
	pw.putInt64(valuePropBlockSize, p.BlockSize)
}

func (p *valueFileProperties) read(id uint32, value []byte) error {
	var err error
	switch id {
	case valuePropValueCount:
		p.ValueCount, err = propertyInt64(id, value)
	case valuePropFileID:
		p.FileID, err = propertyFileID(id, value)
	case valuePropValuesHandle:
		p.ValuesHandle, err = decodeBlockHandle(value)
	case valuePropCompression:
		var c uint64
		if c, err = propertyUint64(id, value); err == nil {
			p.Compression = Compression(c)
			if !p.Compression.isValid() {
				err = common.NewCorruptionError(fmt.Sprintf("unknown value compression %d", c))
			}
		}
	case valuePropBlockSize:
		p.BlockSize, err = propertyInt64(id, value)
	}
	return err
}

// metadataFileProperties are the properties of a metadata table file.
type metadataFileProperties struct {
	FileCount      int64
	CheckpointLSN  int64
	MetadataHandle BlockHandle
}

func (p *metadataFileProperties) write(pw *propertyWriter) {
	pw.putInt64(metadataPropFileCount, p.FileCount)
	pw.putInt64(metadataPropCheckpointLSN, p.CheckpointLSN)
	pw.putHandle(metadataPropMetadataHandle, p.MetadataHandle)
}

func (p *metadataFileProperties) read(id uint32, value []byte) error {
	var err error
	switch id {
	case metadataPropFileCount:
		p.FileCount, err = propertyInt64(id, value)
	case metadataPropCheckpointLSN:
		var v uint64
		v, err = propertyUint64(id, value)
		p.CheckpointLSN = int64(v)
	case metadataPropMetadataHandle:
		p.MetadataHandle, err = decodeBlockHandle(value)
	}
	return err
}

func propertyFileID(id uint32, value []byte) (uint32, error) {
	v, err := propertyUint64(id, value)
	if err != nil {
		return 0, err
	}
	if v == 0 || v > uint64(^uint32(0)) {
		return 0, common.NewCorruptionError(fmt.Sprintf("property %d holds invalid file id %d", id, v))
	}
	return uint32(v), nil
}
