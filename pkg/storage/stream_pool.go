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
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dr0pdb/icecanestore/pkg/common"
	"github.com/dr0pdb/icecanestore/pkg/metrics"
	log "github.com/sirupsen/logrus"
)

// StreamPool is a bounded pool of read handles over a single file.
//
// A handle is owned by exactly one reader between Acquire and Release. Once the pool
// holds capacity idle handles, returned handles are alternately kept and closed so
// that bursts don't churn handles while a sustained surplus decays.
type StreamPool struct {
	fs       FileSystem
	name     string
	capacity int
	metrics  *metrics.Registry

	mu         sync.Mutex
	streams    []File
	retainNext bool
	closed     bool
}

// NewStreamPool creates an empty pool over the file name.
func NewStreamPool(fs FileSystem, name string, capacity int, registry *metrics.Registry) *StreamPool {
	if capacity < 1 {
		capacity = defaultStreamPoolCapacity
	}
	return &StreamPool{
		fs:       fs,
		name:     name,
		capacity: capacity,
		metrics:  registry,
	}
}

// Acquire returns an idle handle or opens a new one.
func (p *StreamPool) Acquire() (File, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, common.NewDisposedError(fmt.Sprintf("stream pool for %s is closed", p.name))
	}
	if n := len(p.streams); n > 0 {
		f := p.streams[n-1]
		p.streams[n-1] = nil
		p.streams = p.streams[:n-1]
		p.mu.Unlock()
		return f, nil
	}
	p.mu.Unlock()

	f, err := p.fs.Open(p.name)
	if err != nil {
		return nil, errors.Wrapf(err, "opening stream for %s", p.name)
	}
	adviseRandom(f)
	p.metrics.RecordStreamOpened()
	return f, nil
}

// Release returns a handle to the pool. forceDispose closes it instead, which callers
// do after an I/O error left the handle in an unknown state.
func (p *StreamPool) Release(f File, forceDispose bool) {
	p.mu.Lock()
	retain := !p.closed && !forceDispose
	if retain && len(p.streams) >= p.capacity {
		retain = p.retainNext
		p.retainNext = !p.retainNext
	}
	if retain {
		p.streams = append(p.streams, f)
	}
	p.mu.Unlock()

	if !retain {
		if err := f.Close(); err != nil {
			log.WithFields(log.Fields{"file": p.name, "error": err.Error()}).Warn("storage::stream_pool::Release; closing stream failed")
		}
	}
}

// Len returns the number of idle handles.
func (p *StreamPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Close closes every idle handle. Handles released afterwards are closed immediately.
func (p *StreamPool) Close() error {
	p.mu.Lock()
	streams := p.streams
	p.streams = nil
	p.closed = true
	p.mu.Unlock()

	var err error
	for _, f := range streams {
		err = errors.CombineErrors(err, f.Close())
	}
	return err
}
