//go:build linux

package storage

import (
	"golang.org/x/sys/unix"
)

type fdFile interface {
	Fd() uintptr
}

// adviseRandom tells the kernel that f is read at random offsets, turning off readahead.
func adviseRandom(f File) {
	fadvise(f, 0, 0, unix.FADV_RANDOM)
}

// adviseWillNeed asks the kernel to start reading the range into the page cache.
func adviseWillNeed(f File, offset, length int64) {
	fadvise(f, offset, length, unix.FADV_WILLNEED)
}

func fadvise(f File, offset, length int64, advice int) {
	ff, ok := f.(fdFile)
	if !ok {
		return
	}
	// the hint is best effort.
	_ = unix.Fadvise(int(ff.Fd()), offset, length, advice)
}
