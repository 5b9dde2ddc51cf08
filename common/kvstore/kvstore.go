// Copyright 2024 The OutbackCDX Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package kvstore abstracts the ordered key/value store underneath a
// collection: named column families, atomic multi-family write batches,
// prefix iterators over a consistent snapshot, and the numbered
// write-ahead log that feeds replication.
package kvstore

import (
	"context"
	"errors"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
)

type (
	CF        string
	LsmKVType string

	Store interface {
		NewSnapshot() Snapshot
		NewReadOption() ReadOption
		NewWriteBatch() WriteBatch
		GetAllColumns() []CF
		GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader
		Write(ctx context.Context, batch WriteBatch) error
		ApplyRaw(ctx context.Context, batchData []byte) error
		LatestSequenceNumber() uint64
		GetUpdatesSince(sequenceNumber uint64) (WalReader, error)
		FlushWAL(ctx context.Context) error
		EstimatedKeyCount() uint64
		Property(name string) string
		Close()
	}

	// ListReader walks one column family in key order from a seek point.
	// Iterators observe the snapshot taken when they were opened; Close
	// releases the underlying store resources.
	ListReader interface {
		ReadNext() (key KeyGetter, val ValueGetter, err error)
		ReadNextCopy() (key []byte, value []byte, err error)
		ReadPrev() (key KeyGetter, val ValueGetter, err error)
		SeekTo(key []byte)
		SeekForPrev(key []byte)
		Close()
	}
	KeyGetter interface {
		Key() []byte
		Close()
	}
	ValueGetter interface {
		Value() []byte
		Size() int
		Close() error
	}
	Snapshot interface {
		Close()
	}
	ReadOption interface {
		SetSnapShot(snap Snapshot)
		Close()
	}

	// WriteBatch accumulates puts and deletes across column families.
	// Committing through Store.Write is atomic and appends exactly one
	// entry to the write-ahead log; Data exposes the store-native bytes
	// that a replication follower replays verbatim.
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		Data() []byte
		Count() int
		Close()
	}

	// WalReader yields committed batches with sequence numbers at or
	// after the requested point, oldest first.
	WalReader interface {
		Next() (sequenceNumber uint64, batchData []byte, err error)
		Close()
	}

	Option struct {
		Sync              bool   `json:"sync"`
		ColumnFamily      []CF   `json:"column_family"`
		CreateIfMissing   bool   `json:"create_if_missing"`
		BlockSize         int    `json:"block_size"`
		BlockCache        uint64 `json:"block_cache"`
		WriteBufferSize   int    `json:"write_buffer_size"`
		MaxOpenFiles      int    `json:"max_open_files"`
		MaxBackgroundJobs int    `json:"max_background_jobs"`
		KeepLogFileNum    int    `json:"keep_log_file_num"`
		MaxWalLogSize     uint64 `json:"max_wal_log_size"`
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	switch lsmType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
