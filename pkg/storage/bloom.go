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
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// bloomFilter is a probabilistic set of keys.
// - False positives possible (may say key exists when it doesn't)
// - False negatives impossible (if it says key doesn't exist, it definitely doesn't)
//
// It isn't safe for concurrent use.
type bloomFilter struct {
	bits      []uint64
	size      uint64
	hashCount int
}

// newBloomFilter creates a filter sized for expectedItems keys at the given false
// positive rate.
func newBloomFilter(expectedItems int, falsePositiveRate float64) *bloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = defaultBloomFalsePositiveRate
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	// k = (m/n) * ln(2)
	size := uint64(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if size < 64 {
		size = 64
	}
	hashCount := int(math.Ceil(float64(size) / float64(expectedItems) * math.Ln2))
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 30 {
		hashCount = 30
	}

	return &bloomFilter{
		bits:      make([]uint64, (size+63)/64),
		size:      size,
		hashCount: hashCount,
	}
}

// add records key in the filter.
func (bf *bloomFilter) add(key []byte) {
	h1, h2 := bloomHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % bf.size
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
}

// mayContain returns false only if key was never added.
func (bf *bloomFilter) mayContain(key []byte) bool {
	h1, h2 := bloomHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % bf.size
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// bloomHashes derives the two hashes used for double hashing from a single xxhash.
// The second is forced odd so that it never collapses to a single probe.
func bloomHashes(key []byte) (uint64, uint64) {
	h := xxhash.Sum64(key)
	return h, bits.RotateLeft64(h, 32) | 1
}
