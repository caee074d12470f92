package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

var errInjectedCrash = errors.New("injected crash")

// crashFileSystem fails the mutating call with index crashAt (0 based) and every call
// after it, as if the process died right before it.
type crashFileSystem struct {
	FileSystem

	mu        sync.Mutex
	crashAt   int
	mutations int
}

func newCrashFileSystem(crashAt int) *crashFileSystem {
	return &crashFileSystem{FileSystem: DefaultFileSystem, crashAt: crashAt}
}

func (c *crashFileSystem) mutate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crashAt >= 0 && c.mutations >= c.crashAt {
		return errInjectedCrash
	}
	c.mutations++
	return nil
}

func (c *crashFileSystem) Remove(name string) error {
	if err := c.mutate(); err != nil {
		return err
	}
	return c.FileSystem.Remove(name)
}

func (c *crashFileSystem) Rename(oldname, newname string) error {
	if err := c.mutate(); err != nil {
		return err
	}
	return c.FileSystem.Rename(oldname, newname)
}

// countingFileSystem counts opened files.
type countingFileSystem struct {
	FileSystem

	mu    sync.Mutex
	opens int
}

func (c *countingFileSystem) Open(name string) (File, error) {
	c.mu.Lock()
	c.opens++
	c.mu.Unlock()
	return c.FileSystem.Open(name)
}

func (c *countingFileSystem) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func testOptions() *Options {
	return (&Options{}).norm()
}

func bytesRecord(key string, kind RecordKind, lsn int64, value string) Record[[]byte, []byte] {
	r := Record[[]byte, []byte]{
		Key:  []byte(key),
		Item: VersionedItem{Kind: kind, VersionSequenceNumber: lsn},
	}
	if !kind.IsDeleted() {
		r.Value = []byte(value)
		r.Item.ValueSize = int32(len(value))
	}
	return r
}

// sequentialRecords returns n sorted live records whose values are size bytes long.
func sequentialRecords(n, size int) []Record[[]byte, []byte] {
	records := make([]Record[[]byte, []byte], 0, n)
	for i := 0; i < n; i++ {
		value := make([]byte, size)
		for j := range value {
			value[j] = byte(i + j)
		}
		records = append(records, bytesRecord(fmt.Sprintf("key%06d", i), RecordInserted, int64(i+1), string(value)))
	}
	return records
}

func fileSize(t *testing.T, name string) int64 {
	info, err := os.Stat(name)
	require.NoError(t, err)
	return info.Size()
}

func corruptByte(t *testing.T, name string, offset int64) {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	b := make([]byte, 1)
	_, err = f.ReadAt(b, offset)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b, offset)
	require.NoError(t, err)
}

func checkpointBase(t *testing.T) string {
	return filepath.Join(t.TempDir(), NewCheckpointFileName())
}
