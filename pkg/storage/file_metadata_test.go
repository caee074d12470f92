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
	"sync"
	"testing"

	"github.com/dr0pdb/icecanestore/pkg/common"
	"github.com/dr0pdb/icecanestore/pkg/metrics"
	"github.com/dr0pdb/icecanestore/test"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileMetadata(t *testing.T, total int64, opts *Options) *FileMetadata {
	fm, err := NewFileMetadata(FileMetadataParams{
		FileID:               1,
		FileName:             "checkpoint",
		TotalNumberOfEntries: total,
		NumberOfValidEntries: total,
		TimeStamp:            1,
	}, opts)
	require.NoError(t, err)
	return fm
}

func newCheckpointMetadata(t *testing.T, opts *Options, records int) (*FileMetadata, string) {
	dir := t.TempDir()
	name := NewCheckpointFileName()
	cf, _, err := CreateCheckpointFile(context.Background(), opts, filepath.Join(dir, name), 3, sequentialRecords(records, 8), BytesSerializer{}, BytesSerializer{}, 1)
	require.NoError(t, err)

	fm, err := NewFileMetadataForCheckpoint(cf, name, 10, opts)
	require.NoError(t, err)
	return fm, filepath.Join(dir, name)
}

func TestFileMetadataValidate(t *testing.T) {
	base := FileMetadataParams{FileID: 1, FileName: "f", TotalNumberOfEntries: 10, NumberOfValidEntries: 5, TimeStamp: 1}

	_, err := NewFileMetadata(base, nil)
	assert.NoError(t, err)

	for name, mutate := range map[string]func(p *FileMetadataParams){
		"zero file id":        func(p *FileMetadataParams) { p.FileID = 0 },
		"no name":             func(p *FileMetadataParams) { p.FileName = "" },
		"zero timestamp":      func(p *FileMetadataParams) { p.TimeStamp = 0 },
		"too many valid":      func(p *FileMetadataParams) { p.NumberOfValidEntries = 11 },
		"negative valid":      func(p *FileMetadataParams) { p.NumberOfValidEntries = -1 },
		"too many deleted":    func(p *FileMetadataParams) { p.NumberOfDeletedEntries = 11 },
		"inverted timestamps": func(p *FileMetadataParams) { p.OldestDeletedEntryTimestamp = 5; p.LatestDeletedEntryTimestamp = 4 },
	} {
		p := base
		mutate(&p)
		_, err := NewFileMetadata(p, nil)
		assert.True(t, common.IsCorruption(err), name)
	}
}

func TestFileMetadataForCheckpoint(t *testing.T) {
	fm, base := newCheckpointMetadata(t, testOptions(), 4)
	defer fm.ReleaseRef()

	assert.Equal(t, uint32(3), fm.FileID())
	assert.Equal(t, filepath.Base(base), fm.FileName())
	assert.Equal(t, int64(4), fm.TotalNumberOfEntries())
	assert.Equal(t, int64(4), fm.NumberOfValidEntries())
	assert.Equal(t, int64(0), fm.NumberOfDeletedEntries())
	assert.Equal(t, int64(10), fm.TimeStamp())
	assert.Equal(t, int64(1), fm.ReferenceCount())
	assert.NotNil(t, fm.CheckpointFile())
}

func TestFileMetadataReleaseDisposesOnce(t *testing.T) {
	registry := metrics.NewRegistry()
	opts := &Options{Metrics: registry}
	fm, base := newCheckpointMetadata(t, opts, 2)
	fm.SetCanBeDeleted(true)

	fm.AddRef()
	fm.AddRef()
	assert.Equal(t, int64(3), fm.ReferenceCount())

	require.NoError(t, fm.ReleaseRef())
	require.NoError(t, fm.ReleaseRef())
	assert.False(t, fm.IsDisposed())
	assert.True(t, test.FileExists(base+KeyFileExtension))

	require.NoError(t, fm.ReleaseRef())
	assert.True(t, fm.IsDisposed())
	assert.Equal(t, int64(0), fm.ReferenceCount())
	assert.False(t, test.FileExists(base+KeyFileExtension))
	assert.False(t, test.FileExists(base+ValueFileExtension))
	assert.Equal(t, float64(1), testutil.ToFloat64(registry.FilesDeletedTotal))

	assert.False(t, fm.TryAddRef())
	assert.Panics(t, func() { fm.ReleaseRef() })
	assert.Panics(t, func() { fm.AddRef() })
	assert.Equal(t, float64(1), testutil.ToFloat64(registry.FilesDeletedTotal))
}

func TestFileMetadataKeepsFilesUnlessDeletable(t *testing.T) {
	fm, base := newCheckpointMetadata(t, testOptions(), 2)

	require.NoError(t, fm.ReleaseRef())
	assert.True(t, fm.IsDisposed())
	assert.True(t, test.FileExists(base+KeyFileExtension))
	assert.True(t, test.FileExists(base+ValueFileExtension))
}

func TestFileMetadataConcurrentRefs(t *testing.T) {
	registry := metrics.NewRegistry()
	opts := &Options{Metrics: registry}
	fm, base := newCheckpointMetadata(t, opts, 2)
	fm.SetCanBeDeleted(true)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		fm.AddRef()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if fm.TryAddRef() {
					assert.NoError(t, fm.ReleaseRef())
				}
			}
			assert.NoError(t, fm.ReleaseRef())
		}()
	}
	wg.Wait()

	assert.False(t, fm.IsDisposed())
	assert.Equal(t, int64(1), fm.ReferenceCount())
	require.NoError(t, fm.ReleaseRef())
	assert.True(t, fm.IsDisposed())
	assert.False(t, test.FileExists(base+KeyFileExtension))
	assert.Equal(t, float64(1), testutil.ToFloat64(registry.FilesDeletedTotal))
}

func TestFileMetadataInvalidKeys(t *testing.T) {
	fm := newTestFileMetadata(t, 100, &Options{Bloom: BloomOptions{InvalidEntriesThresholdPercent: 10}})
	defer fm.ReleaseRef()

	// nothing was invalidated yet.
	assert.False(t, fm.ContainsInvalidKey([]byte("k1")))
	assert.False(t, fm.IsMergeCandidate())

	for i := 0; i < 9; i++ {
		fm.AddInvalidKey([]byte(fmt.Sprintf("k%d", i)))
	}
	assert.True(t, fm.HasInvalidKeyFilter())
	assert.Equal(t, int64(91), fm.NumberOfValidEntries())
	assert.Equal(t, 9, fm.PercentageOfInvalidEntries())
	for i := 0; i < 9; i++ {
		assert.True(t, fm.ContainsInvalidKey([]byte(fmt.Sprintf("k%d", i))))
	}

	fm.AddInvalidKey([]byte("k9"))
	assert.False(t, fm.HasInvalidKeyFilter(), "filter must be dropped past the threshold")
	assert.True(t, fm.IsMergeCandidate())
	assert.True(t, fm.ContainsInvalidKey([]byte("never invalidated")))
}

func TestFileMetadataWithoutFilterIsConservative(t *testing.T) {
	fm, err := NewFileMetadata(FileMetadataParams{
		FileID:               1,
		FileName:             "loaded",
		TotalNumberOfEntries: 10,
		NumberOfValidEntries: 8,
		TimeStamp:            1,
	}, nil)
	require.NoError(t, err)
	defer fm.ReleaseRef()

	assert.True(t, fm.ContainsInvalidKey([]byte("anything")))
	fm.AddInvalidKey([]byte("x"))
	assert.False(t, fm.HasInvalidKeyFilter())
	assert.True(t, fm.ContainsInvalidKey([]byte("anything")))
	assert.Equal(t, int64(7), fm.NumberOfValidEntries())
}

func TestFileMetadataInvalidatingTooManyKeysPanics(t *testing.T) {
	fm := newTestFileMetadata(t, 1, nil)
	defer fm.ReleaseRef()

	fm.AddInvalidKey([]byte("a"))
	assert.Panics(t, func() { fm.AddInvalidKey([]byte("b")) })
}

func TestBloomSoundnessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("an invalidated key is always reported", prop.ForAll(
		func(keys []string, total int) bool {
			if len(keys) > total {
				total = len(keys)
			}
			fm, err := NewFileMetadata(FileMetadataParams{
				FileID:               1,
				FileName:             "f",
				TotalNumberOfEntries: int64(total),
				NumberOfValidEntries: int64(total),
				TimeStamp:            1,
			}, &Options{Bloom: BloomOptions{MaxCapacity: 16, InvalidEntriesThresholdPercent: 50}})
			if err != nil {
				return false
			}
			for i, k := range keys {
				fm.AddInvalidKey([]byte(k))
				for _, added := range keys[:i+1] {
					if !fm.ContainsInvalidKey([]byte(added)) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 500),
	))

	properties.TestingRun(t)
}

func TestBloomFilter(t *testing.T) {
	bf := newBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.add([]byte(fmt.Sprintf("member%d", i)))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, bf.mayContain([]byte(fmt.Sprintf("member%d", i))))
	}

	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if bf.mayContain([]byte(fmt.Sprintf("stranger%d", i))) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 500, "false positive rate far above the configured one percent")
}
