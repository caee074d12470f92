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

// Package metrics exposes the optional performance counters of the checkpoint store.
//
// A nil *Registry is valid and records nothing, so storage code never has to
// check whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metrics of the checkpoint store.
type Registry struct {
	CheckpointBytesWritten  *prometheus.CounterVec
	CheckpointWriteDuration prometheus.Histogram
	ValueReadsTotal         *prometheus.CounterVec
	ChecksumFailuresTotal   *prometheus.CounterVec
	FilesDeletedTotal       prometheus.Counter
	MetadataPublishTotal    *prometheus.CounterVec
	StreamsOpenedTotal      prometheus.Counter

	registry *prometheus.Registry
}

// NewRegistry creates a registry with every store metric registered against a
// fresh prometheus.Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.CheckpointBytesWritten = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "icecane_checkpoint_bytes_written_total",
			Help: "Bytes written to checkpoint files",
		},
		[]string{"file"},
	)

	r.CheckpointWriteDuration = promauto.With(reg).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "icecane_checkpoint_write_duration_seconds",
			Help:    "Time taken to write a complete checkpoint",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	r.ValueReadsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "icecane_value_reads_total",
			Help: "Value reads served from checkpoint files",
		},
		[]string{"status"},
	)

	r.ChecksumFailuresTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "icecane_checksum_failures_total",
			Help: "Checksum mismatches detected while reading",
		},
		[]string{"file"},
	)

	r.FilesDeletedTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "icecane_checkpoint_files_deleted_total",
			Help: "Checkpoint files physically deleted after their last reference was released",
		},
	)

	r.MetadataPublishTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "icecane_metadata_publish_total",
			Help: "Metadata table publish attempts by outcome",
		},
		[]string{"outcome"},
	)

	r.StreamsOpenedTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "icecane_stream_pool_streams_opened_total",
			Help: "Read handles opened by stream pools",
		},
	)

	return r
}

// Gatherer returns the underlying registry for exposition.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordBytesWritten records bytes written to a key, value or metadata file.
func (r *Registry) RecordBytesWritten(file string, n int) {
	if r == nil {
		return
	}
	r.CheckpointBytesWritten.WithLabelValues(file).Add(float64(n))
}

// RecordCheckpointWrite records the duration of a complete checkpoint write.
func (r *Registry) RecordCheckpointWrite(duration time.Duration) {
	if r == nil {
		return
	}
	r.CheckpointWriteDuration.Observe(duration.Seconds())
}

// RecordValueRead records a value read with its outcome.
func (r *Registry) RecordValueRead(status string) {
	if r == nil {
		return
	}
	r.ValueReadsTotal.WithLabelValues(status).Inc()
}

// RecordChecksumFailure records a checksum mismatch in the given file kind.
func (r *Registry) RecordChecksumFailure(file string) {
	if r == nil {
		return
	}
	r.ChecksumFailuresTotal.WithLabelValues(file).Inc()
}

// RecordFileDeleted records the physical deletion of a checkpoint file pair.
func (r *Registry) RecordFileDeleted() {
	if r == nil {
		return
	}
	r.FilesDeletedTotal.Inc()
}

// RecordMetadataPublish records the outcome of a metadata publish.
func (r *Registry) RecordMetadataPublish(outcome string) {
	if r == nil {
		return
	}
	r.MetadataPublishTotal.WithLabelValues(outcome).Inc()
}

// RecordStreamOpened records a new pooled read handle.
func (r *Registry) RecordStreamOpened() {
	if r == nil {
		return
	}
	r.StreamsOpenedTotal.Inc()
}
