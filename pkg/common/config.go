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
	"io/ioutil"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	// KB - Kilobytes
	KB uint64 = 1024

	// MB - Megabytes
	MB uint64 = 1024 * 1024
)

const (
	// CompressionNone stores values exactly as the serializer produced them.
	CompressionNone = "none"

	// CompressionSnappy stores snappy encoded values.
	CompressionSnappy = "snappy"
)

// BloomConfig defines the sizing of the invalid key bloom filter kept per checkpoint file.
type BloomConfig struct {
	// MaxCapacity caps the number of keys the filter is sized for.
	MaxCapacity int `yaml:"maxCapacity"`

	// FalsePositiveRate is the target false positive rate at MaxCapacity.
	FalsePositiveRate float64 `yaml:"falsePositiveRate"`

	// InvalidEntriesThresholdPercent is the percentage of invalid entries after which
	// a file becomes a merge candidate and its filter is dropped.
	InvalidEntriesThresholdPercent int `yaml:"invalidEntriesThresholdPercent"`
}

// StoreConfig defines the configuration settings for the checkpoint store.
type StoreConfig struct {
	// WorkDir is the directory holding the checkpoint and metadata files.
	WorkDir  string `yaml:"workDir"`
	LogLevel string `yaml:"logLevel"`

	// BlockSize is the alignment unit for key and value blocks.
	BlockSize int `yaml:"blockSize"`

	// FlushThreshold is the number of buffered bytes after which completed blocks
	// are written out to the file.
	FlushThreshold int `yaml:"flushThreshold"`

	// MetadataChunkSize is the size of a single checksummed chunk of the metadata file.
	MetadataChunkSize int `yaml:"metadataChunkSize"`

	StreamPoolCapacity int `yaml:"streamPoolCapacity"`

	Bloom BloomConfig `yaml:"bloom"`

	// ValueCompression is either "none" or "snappy".
	ValueCompression string `yaml:"valueCompression"`

	EnableMetrics bool `yaml:"enableMetrics"`
}

// NewDefaultStoreConfig returns a new default store configuration.
func NewDefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		WorkDir:            "/var/lib/icecanestore",
		LogLevel:           "info",
		BlockSize:          int(4 * KB),
		FlushThreshold:     int(32 * KB),
		MetadataChunkSize:  int(32 * KB),
		StreamPoolCapacity: 16,
		Bloom: BloomConfig{
			MaxCapacity:                    100000,
			FalsePositiveRate:              0.01,
			InvalidEntriesThresholdPercent: 33,
		},
		ValueCompression: CompressionNone,
	}
}

// Validate validates a StoreConfig and returns an error if it's invalid.
func (conf *StoreConfig) Validate() error {
	if conf.WorkDir == "" {
		return fmt.Errorf("invalid work dir provided in config")
	}
	if conf.BlockSize <= 0 || conf.BlockSize%8 != 0 {
		return fmt.Errorf("invalid block size %d provided in config; must be a positive multiple of 8", conf.BlockSize)
	}
	if conf.FlushThreshold < conf.BlockSize {
		return fmt.Errorf("invalid flush threshold %d provided in config; must be at least the block size", conf.FlushThreshold)
	}
	if conf.MetadataChunkSize <= 0 {
		return fmt.Errorf("invalid metadata chunk size %d provided in config", conf.MetadataChunkSize)
	}
	if conf.StreamPoolCapacity <= 0 {
		return fmt.Errorf("invalid stream pool capacity %d provided in config", conf.StreamPoolCapacity)
	}
	if conf.Bloom.MaxCapacity <= 0 {
		return fmt.Errorf("invalid bloom filter capacity %d provided in config", conf.Bloom.MaxCapacity)
	}
	if conf.Bloom.FalsePositiveRate <= 0 || conf.Bloom.FalsePositiveRate >= 1 {
		return fmt.Errorf("invalid bloom filter false positive rate %f provided in config", conf.Bloom.FalsePositiveRate)
	}
	if conf.Bloom.InvalidEntriesThresholdPercent <= 0 || conf.Bloom.InvalidEntriesThresholdPercent > 100 {
		return fmt.Errorf("invalid invalid-entries threshold %d provided in config", conf.Bloom.InvalidEntriesThresholdPercent)
	}
	if conf.ValueCompression != CompressionNone && conf.ValueCompression != CompressionSnappy {
		return fmt.Errorf("invalid value compression %q provided in config", conf.ValueCompression)
	}
	if _, err := log.ParseLevel(conf.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q provided in config", conf.LogLevel)
	}
	return nil
}

// LoadFromFile loads the config from the file. It assumes that config already has the defaults.
// In the case of an error, it leaves the config untouched.
func (conf *StoreConfig) LoadFromFile(path string) {
	log.Info(fmt.Sprintf("common::config::LoadFromFile; loading config from file %s", path))
	data, err := ioutil.ReadFile(path)
	if err != nil {
		log.Error(fmt.Sprintf("common::config::LoadFromFile; error reading config from file %s, error %s", path, err))
		return
	}
	fconf := StoreConfig{}
	err = yaml.Unmarshal(data, &fconf)
	if err != nil {
		log.Error(fmt.Sprintf("common::config::LoadFromFile; error unmarshalling config from file %s, error %s", path, err))
		return
	}

	log.WithFields(log.Fields{"config": fconf}).Debug("common::config::LoadFromFile; read contents from the file")

	// populate fields
	if fconf.WorkDir != "" {
		conf.WorkDir = fconf.WorkDir
	}
	if fconf.LogLevel != "" {
		conf.LogLevel = fconf.LogLevel
	}
	if fconf.BlockSize != 0 {
		conf.BlockSize = fconf.BlockSize
	}
	if fconf.FlushThreshold != 0 {
		conf.FlushThreshold = fconf.FlushThreshold
	}
	if fconf.MetadataChunkSize != 0 {
		conf.MetadataChunkSize = fconf.MetadataChunkSize
	}
	if fconf.StreamPoolCapacity != 0 {
		conf.StreamPoolCapacity = fconf.StreamPoolCapacity
	}
	if fconf.Bloom.MaxCapacity != 0 {
		conf.Bloom.MaxCapacity = fconf.Bloom.MaxCapacity
	}
	if fconf.Bloom.FalsePositiveRate != 0 {
		conf.Bloom.FalsePositiveRate = fconf.Bloom.FalsePositiveRate
	}
	if fconf.Bloom.InvalidEntriesThresholdPercent != 0 {
		conf.Bloom.InvalidEntriesThresholdPercent = fconf.Bloom.InvalidEntriesThresholdPercent
	}
	if fconf.ValueCompression != "" {
		conf.ValueCompression = fconf.ValueCompression
	}
	conf.EnableMetrics = conf.EnableMetrics || fconf.EnableMetrics
}

// SetupLogging applies the configured log level to the package logger.
func SetupLogging(conf *StoreConfig) {
	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		log.WithFields(log.Fields{"level": conf.LogLevel}).Warn("common::config::SetupLogging; unknown log level, falling back to info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
