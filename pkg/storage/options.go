package storage

import (
	"github.com/dr0pdb/icecanestore/pkg/common"
	"github.com/dr0pdb/icecanestore/pkg/metrics"
)

const (
	defaultBlockSize          = 4 * 1024
	defaultFlushThreshold     = 32 * 1024
	defaultMetadataChunkSize  = 32 * 1024
	defaultStreamPoolCapacity = 16

	defaultBloomMaxCapacity          = 100000
	defaultBloomFalsePositiveRate    = 0.01
	defaultInvalidEntriesThresholdPc = 33
)

// Compression is the codec applied to values before they are written.
type Compression uint32

// Supported compression codecs. The numeric values are stored on disk.
const (
	NoCompression Compression = iota
	SnappyCompression
	unknownCompression
)

func (c Compression) isValid() bool {
	return c < unknownCompression
}

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return common.CompressionNone
	case SnappyCompression:
		return common.CompressionSnappy
	}
	return "unknown"
}

// BloomOptions size the invalid key bloom filter of a FileMetadata.
type BloomOptions struct {
	MaxCapacity                    int
	FalsePositiveRate              float64
	InvalidEntriesThresholdPercent int
}

// Options defines all of the configuration options available with the storage layer.
type Options struct {
	// The instance of FileSystem interface that is going to be used to store data.
	// most of the times it is the DefaultFileSystem which uses the default OS file system.
	Fs FileSystem

	// BlockSize is the default alignment unit of key and value blocks.
	// Default: 4KiB.
	BlockSize int

	// FlushThreshold is the amount of buffered completed blocks after which they are written out.
	// Default: 32KiB.
	FlushThreshold int

	// MetadataChunkSize is the size of a checksummed chunk in the metadata table file.
	// Default: 32KiB.
	MetadataChunkSize int

	// StreamPoolCapacity is the number of idle read handles kept per file.
	// Default: 16.
	StreamPoolCapacity int

	Bloom BloomOptions

	// ValueCompression is the codec used for values of newly written checkpoints.
	// Default: NoCompression.
	ValueCompression Compression

	// Comparator, when set, is used to reject checkpoint input whose serialized keys
	// aren't strictly increasing. Leave it nil for keys whose encoding doesn't sort.
	Comparator Comparator

	// Metrics is optional.
	Metrics *metrics.Registry
}

// NewOptions builds storage options from a store configuration.
func NewOptions(conf *common.StoreConfig, registry *metrics.Registry) *Options {
	compression := NoCompression
	if conf.ValueCompression == common.CompressionSnappy {
		compression = SnappyCompression
	}

	o := &Options{
		Fs:                 DefaultFileSystem,
		BlockSize:          conf.BlockSize,
		FlushThreshold:     conf.FlushThreshold,
		MetadataChunkSize:  conf.MetadataChunkSize,
		StreamPoolCapacity: conf.StreamPoolCapacity,
		Bloom: BloomOptions{
			MaxCapacity:                    conf.Bloom.MaxCapacity,
			FalsePositiveRate:              conf.Bloom.FalsePositiveRate,
			InvalidEntriesThresholdPercent: conf.Bloom.InvalidEntriesThresholdPercent,
		},
		ValueCompression: compression,
	}
	if conf.EnableMetrics {
		o.Metrics = registry
	}
	return o.norm()
}

// norm returns a copy of the options with defaults filled in.
func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.Fs == nil {
		oo.Fs = DefaultFileSystem
	}
	if oo.BlockSize < 1 || oo.BlockSize%8 != 0 {
		oo.BlockSize = defaultBlockSize
	}
	if oo.FlushThreshold < 1 {
		oo.FlushThreshold = defaultFlushThreshold
	}
	if oo.MetadataChunkSize < 1 {
		oo.MetadataChunkSize = defaultMetadataChunkSize
	}
	if oo.StreamPoolCapacity < 1 {
		oo.StreamPoolCapacity = defaultStreamPoolCapacity
	}
	if oo.Bloom.MaxCapacity < 1 {
		oo.Bloom.MaxCapacity = defaultBloomMaxCapacity
	}
	if oo.Bloom.FalsePositiveRate <= 0 || oo.Bloom.FalsePositiveRate >= 1 {
		oo.Bloom.FalsePositiveRate = defaultBloomFalsePositiveRate
	}
	if oo.Bloom.InvalidEntriesThresholdPercent < 1 || oo.Bloom.InvalidEntriesThresholdPercent > 100 {
		oo.Bloom.InvalidEntriesThresholdPercent = defaultInvalidEntriesThresholdPc
	}
	if !oo.ValueCompression.isValid() {
		oo.ValueCompression = NoCompression
	}

	return &oo
}
