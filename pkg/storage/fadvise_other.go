//go:build !linux

package storage

func adviseRandom(f File) {}

func adviseWillNeed(f File, offset, length int64) {}
