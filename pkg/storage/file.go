package storage

import (
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

// File is a file abstraction.
//
// It is usually an *os.File. Reads go through ReadAt so that no stream position
// is shared between readers.
type File interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.Closer

	// Sync commits the contents of the file to stable storage.
	Sync() error

	// Stat returns the FileInfo describing the file.
	Stat() (os.FileInfo, error)
}

// MappedFile is a read-only memory mapped view of a file used for sequential scans.
type MappedFile interface {
	io.ReaderAt
	io.Closer

	// Len returns the length of the mapped file.
	Len() int
}

// FileSystem is the file system abstraction.
//
// Contains functions which can be used to interact with the file system.
// Mainly a 1:1 mapping over the File interface: https://golang.org/pkg/os/#File
type FileSystem interface {
	// Create creates or truncates the file.
	Create(name string) (File, error)

	// Open opens the file for reading.
	// returns error if the file is not found.
	Open(name string) (File, error)

	// Mmap maps the file read-only.
	// returns error if the file is not found.
	Mmap(name string) (MappedFile, error)

	// Remove removes the file.
	// returns error if the file isn't found.
	Remove(name string) error

	// Rename renames the file from oldname to newname.
	// return error if the file with oldname is not found.
	Rename(oldname, newname string) error

	// Exists returns true if a file exists with the given name.
	Exists(name string) (bool, error)

	// MkdirAll creates a dir with all the parents.
	//
	// returns nil if the operation was success or the dir already exists.
	MkdirAll(dir string, perm os.FileMode) error
}

// DefaultFileSystem is a FileSystem implementation of the operating system.
var DefaultFileSystem FileSystem = defaultFileSystem{}

type defaultFileSystem struct{}

// Create creates or truncates the file.
func (dfs defaultFileSystem) Create(name string) (File, error) {
	return os.Create(name)
}

// Open opens the file for reading.
// returns error if the file is not found.
func (dfs defaultFileSystem) Open(name string) (File, error) {
	return os.Open(name)
}

// Mmap maps the file read-only.
func (dfs defaultFileSystem) Mmap(name string) (MappedFile, error) {
	return mmap.Open(name)
}

// Remove removes the file.
// returns error if the file isn't found.
func (dfs defaultFileSystem) Remove(name string) error {
	return os.Remove(name)
}

// Rename renames the file from oldname to newname.
// return error if the file with oldname is not found.
func (dfs defaultFileSystem) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

// Exists returns true if a file exists with the given name.
func (dfs defaultFileSystem) Exists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// MkdirAll creates a dir with all the parents.
//
// returns nil if the operation was success or the dir already exists.
func (dfs defaultFileSystem) MkdirAll(dir string, perm os.FileMode) error {
	return os.MkdirAll(dir, perm)
}

// removeIfExists removes name, treating a missing file as success.
func removeIfExists(fs FileSystem, name string) error {
	err := fs.Remove(name)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// prefetchFile hints that the range of name is about to be read sequentially.
// Errors are ignored.
func prefetchFile(fs FileSystem, name string, offset, length int64) {
	if length <= 0 {
		return
	}
	f, err := fs.Open(name)
	if err != nil {
		return
	}
	adviseWillNeed(f, offset, length)
	f.Close()
}
