package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dr0pdb/icecanestore/pkg/common"
	"github.com/dr0pdb/icecanestore/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, capacity int) (*StreamPool, *countingFileSystem) {
	name := filepath.Join(t.TempDir(), "pooled")
	require.NoError(t, os.WriteFile(name, []byte("pooled file contents"), 0644))

	fs := &countingFileSystem{FileSystem: DefaultFileSystem}
	return NewStreamPool(fs, name, capacity, nil), fs
}

func TestStreamPoolReusesHandles(t *testing.T) {
	pool, fs := newTestPool(t, 4)
	defer pool.Close()

	f, err := pool.Acquire()
	require.NoError(t, err)
	pool.Release(f, false)
	assert.Equal(t, 1, pool.Len())

	g, err := pool.Acquire()
	require.NoError(t, err)
	assert.Same(t, f, g)
	assert.Equal(t, 1, fs.openCount())
	assert.Equal(t, 0, pool.Len())

	buf := make([]byte, 6)
	_, err = g.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "pooled", string(buf))
	pool.Release(g, false)
}

func TestStreamPoolForceDispose(t *testing.T) {
	pool, _ := newTestPool(t, 4)
	defer pool.Close()

	f, err := pool.Acquire()
	require.NoError(t, err)
	pool.Release(f, true)
	assert.Equal(t, 0, pool.Len())

	_, err = f.ReadAt(make([]byte, 1), 0)
	assert.Error(t, err, "a force disposed handle must be closed")
}

func TestStreamPoolAlternatesAtCapacity(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	defer pool.Close()

	var handles []File
	for i := 0; i < 6; i++ {
		f, err := pool.Acquire()
		require.NoError(t, err)
		handles = append(handles, f)
	}

	// the first two fill the pool, then every other handle is kept.
	expected := []int{1, 2, 2, 3, 3, 4}
	for i, f := range handles {
		pool.Release(f, false)
		assert.Equal(t, expected[i], pool.Len(), "after releasing handle %d", i)
	}
}

func TestStreamPoolClose(t *testing.T) {
	pool, _ := newTestPool(t, 4)

	f, err := pool.Acquire()
	require.NoError(t, err)
	g, err := pool.Acquire()
	require.NoError(t, err)
	pool.Release(f, false)

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.Len())

	_, err = pool.Acquire()
	assert.ErrorAs(t, err, &common.DisposedError{})

	// handles out during close are closed on release.
	pool.Release(g, false)
	assert.Equal(t, 0, pool.Len())
	_, err = g.ReadAt(make([]byte, 1), 0)
	assert.Error(t, err)
}

func TestStreamPoolConcurrentReaders(t *testing.T) {
	name := filepath.Join(t.TempDir(), "pooled")
	require.NoError(t, os.WriteFile(name, []byte("0123456789"), 0644))
	registry := metrics.NewRegistry()
	pool := NewStreamPool(DefaultFileSystem, name, 16, registry)
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f, err := pool.Acquire()
				if !assert.NoError(t, err) {
					return
				}
				off := int64((i + j) % 10)
				b := make([]byte, 1)
				_, err = f.ReadAt(b, off)
				assert.NoError(t, err)
				assert.Equal(t, byte('0'+off), b[0])
				pool.Release(f, false)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, pool.Len(), 32)
	assert.GreaterOrEqual(t, testutil.ToFloat64(registry.StreamsOpenedTotal), float64(1))
}
