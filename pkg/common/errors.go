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

package common

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// NotFoundError is returned when the required file or value is not found.
type NotFoundError struct {
	Message string
}

func (nf NotFoundError) Error() string {
	return nf.Message
}

// NewNotFoundError creates a new instance of NotFoundError with the given message.
func NewNotFoundError(message string) NotFoundError {
	return NotFoundError{
		Message: message,
	}
}

// CorruptionError is returned when a file is structurally invalid.
// It is never retried: the file it refers to can't be trusted.
type CorruptionError struct {
	Message string
}

func (ce CorruptionError) Error() string {
	return ce.Message
}

// NewCorruptionError creates a new instance of CorruptionError with the given message.
func NewCorruptionError(message string) CorruptionError {
	return CorruptionError{
		Message: message,
	}
}

// ChecksumMismatchError is returned when the recomputed checksum of a unit of data
// doesn't match the one recorded for it.
type ChecksumMismatchError struct {
	Message  string
	Expected uint64
	Actual   uint64
}

func (cme ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%s; expected checksum %#x, actual %#x", cme.Message, cme.Expected, cme.Actual)
}

// NewChecksumMismatchError creates a new instance of ChecksumMismatchError.
func NewChecksumMismatchError(message string, expected, actual uint64) ChecksumMismatchError {
	return ChecksumMismatchError{
		Message:  message,
		Expected: expected,
		Actual:   actual,
	}
}

// DisposedError is returned when an operation is called on a closed or released object.
type DisposedError struct {
	Message string
}

func (de DisposedError) Error() string {
	return de.Message
}

// NewDisposedError creates a new instance of DisposedError with the given message.
func NewDisposedError(message string) DisposedError {
	return DisposedError{
		Message: message,
	}
}

// IsCorruption reports whether err, or anything it wraps, signals on-disk corruption.
func IsCorruption(err error) bool {
	var ce CorruptionError
	var cme ChecksumMismatchError
	return errors.As(err, &ce) || errors.As(err, &cme)
}

// IsChecksumMismatch reports whether err, or anything it wraps, is a ChecksumMismatchError.
func IsChecksumMismatch(err error) bool {
	var cme ChecksumMismatchError
	return errors.As(err, &cme)
}

// IsNotFound reports whether err, or anything it wraps, is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}
