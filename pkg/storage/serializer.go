package storage

import (
	"encoding/binary"
	"fmt"
)

// Serializer converts keys or values of type T to and from their on-disk form.
type Serializer[T any] interface {
	// AppendTo appends the encoded form of v to dst and returns the extended slice.
	AppendTo(dst []byte, v T) ([]byte, error)

	// ReadFrom decodes a value from exactly the bytes in src.
	// src must not be retained.
	ReadFrom(src []byte) (T, error)
}

// BytesSerializer stores byte slices as-is.
type BytesSerializer struct{}

// AppendTo implements Serializer.
func (BytesSerializer) AppendTo(dst []byte, v []byte) ([]byte, error) {
	return append(dst, v...), nil
}

// ReadFrom implements Serializer.
func (BytesSerializer) ReadFrom(src []byte) ([]byte, error) {
	return append([]byte{}, src...), nil
}

// StringSerializer stores strings as their raw bytes.
type StringSerializer struct{}

// AppendTo implements Serializer.
func (StringSerializer) AppendTo(dst []byte, v string) ([]byte, error) {
	return append(dst, v...), nil
}

// ReadFrom implements Serializer.
func (StringSerializer) ReadFrom(src []byte) (string, error) {
	return string(src), nil
}

// Int64Serializer stores int64 values as 8 little endian bytes.
type Int64Serializer struct{}

// AppendTo implements Serializer.
func (Int64Serializer) AppendTo(dst []byte, v int64) ([]byte, error) {
	return binary.LittleEndian.AppendUint64(dst, uint64(v)), nil
}

// ReadFrom implements Serializer.
func (Int64Serializer) ReadFrom(src []byte) (int64, error) {
	if len(src) != 8 {
		return 0, fmt.Errorf("int64 value must be 8 bytes, got %d", len(src))
	}
	return int64(binary.LittleEndian.Uint64(src)), nil
}
