package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.RecordBytesWritten("key", 10)
		r.RecordCheckpointWrite(time.Second)
		r.RecordValueRead("ok")
		r.RecordChecksumFailure("value")
		r.RecordFileDeleted()
		r.RecordMetadataPublish("replaced")
		r.RecordStreamOpened()
	})
}

func TestRegistryRecords(t *testing.T) {
	r := NewRegistry()

	r.RecordBytesWritten("key", 4096)
	r.RecordBytesWritten("key", 4096)
	r.RecordValueRead("ok")
	r.RecordValueRead("checksum_mismatch")
	r.RecordFileDeleted()
	r.RecordStreamOpened()
	r.RecordStreamOpened()

	assert.Equal(t, float64(8192), testutil.ToFloat64(r.CheckpointBytesWritten.WithLabelValues("key")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.ValueReadsTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.FilesDeletedTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.StreamsOpenedTotal))

	families, err := r.Gatherer().Gather()
	require.Nil(t, err)
	assert.NotEmpty(t, families)
}
