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

// Package index owns the per-collection capture index: the ordered
// key/value store underneath it, the lookup pipeline over it, the access
// control rules that filter it, and the registry of open collections.
package index

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/makyo/outbackcdx/cdx"
	"github.com/makyo/outbackcdx/common/kvstore"
)

const (
	aliasCF  = kvstore.CF("alias")
	ruleCF   = kvstore.CF("access-rule")
	policyCF = kvstore.CF("access-policy")
)

var collectionColumns = []kvstore.CF{aliasCF, ruleCF, policyCF}

// Index is one open collection. Readers may use it concurrently without
// restriction; writers serialise at the store's batch commit.
type Index struct {
	Name          string
	AccessControl *AccessControl

	db kvstore.Store
}

func openIndex(ctx context.Context, name, path string, opt kvstore.Option, create bool, defaultDeny bool) (*Index, error) {
	opt.ColumnFamily = collectionColumns
	opt.CreateIfMissing = create
	db, err := kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &opt)
	if err != nil {
		return nil, errors.Info(err, "open collection", name)
	}
	idx := &Index{Name: name, db: db}
	idx.AccessControl, err = newAccessControl(ctx, db, defaultDeny)
	if err != nil {
		db.Close()
		return nil, errors.Info(err, "load access rules", name)
	}
	return idx, nil
}

func (i *Index) Close() {
	i.db.Close()
}

// EstimatedRecordCount delegates to the store's key estimate. It counts
// alias and rule records too, which is noise at archive scale.
func (i *Index) EstimatedRecordCount() uint64 {
	return i.db.EstimatedKeyCount()
}

// StatsPage returns the store's human-readable internal stats dump.
func (i *Index) StatsPage() string {
	return i.db.Property("rocksdb.stats")
}

// CapturesAfter opens an iterator over all captures with keys at or after
// start, in (urlKey, timestamp) order. The caller must Close it.
func (i *Index) CapturesAfter(ctx context.Context, start string) *CaptureIterator {
	lr := i.db.List(ctx, "", nil, []byte(start), nil)
	return &CaptureIterator{lr: lr}
}

// ListAliases opens an iterator over aliases with source SSURT at or
// after start.
func (i *Index) ListAliases(ctx context.Context, start string) *AliasIterator {
	lr := i.db.List(ctx, aliasCF, nil, []byte(start), nil)
	return &AliasIterator{lr: lr}
}

// ResolveAlias follows at most one alias hop for surt, returning the
// target SSURT or the input itself when no alias exists.
func (i *Index) ResolveAlias(ctx context.Context, surt string) (string, error) {
	v, err := i.db.GetRaw(ctx, aliasCF, []byte(surt), nil)
	if err == kvstore.ErrNotFound {
		return surt, nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// LatestSequenceNumber reports the store's newest committed write-ahead
// log position.
func (i *Index) LatestSequenceNumber() uint64 {
	return i.db.LatestSequenceNumber()
}

// UpdatesSince opens the replication feed: every committed batch with a
// sequence number at or after the given one, oldest first.
func (i *Index) UpdatesSince(sequenceNumber uint64) (kvstore.WalReader, error) {
	return i.db.GetUpdatesSince(sequenceNumber)
}

// ApplyRemoteBatch replays a batch fetched from a primary's change feed.
func (i *Index) ApplyRemoteBatch(ctx context.Context, batchData []byte) error {
	return i.db.ApplyRaw(ctx, batchData)
}

// FlushWal persists memtables so the store can truncate its log files.
func (i *Index) FlushWal(ctx context.Context) error {
	return i.db.FlushWAL(ctx)
}

// Batch is a scoped atomic update. Commit writes every queued operation
// in one store batch, which appends exactly one entry to the write-ahead
// log; Close without Commit discards the batch.
type Batch struct {
	idx       *Index
	wb        kvstore.WriteBatch
	committed bool
}

func (i *Index) BeginUpdate() *Batch {
	return &Batch{idx: i, wb: i.db.NewWriteBatch()}
}

func (b *Batch) PutCapture(c *cdx.Capture) {
	b.wb.Put("", c.EncodeKey(), c.EncodeValue())
}

func (b *Batch) DeleteCapture(c *cdx.Capture) {
	b.wb.Delete("", c.EncodeKey())
}

func (b *Batch) PutAlias(aliasSurt, targetSurt string) {
	a := cdx.Alias{Alias: aliasSurt, Target: targetSurt}
	b.wb.Put(aliasCF, a.EncodeKey(), a.EncodeValue())
}

func (b *Batch) Count() int {
	return b.wb.Count()
}

func (b *Batch) Commit(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	if err := b.idx.db.Write(ctx, b.wb); err != nil {
		span.Errorf("commit batch of %d ops on collection %s: %v", b.wb.Count(), b.idx.Name, err)
		return err
	}
	b.committed = true
	return nil
}

func (b *Batch) Close() {
	b.wb.Close()
}

// CaptureIterator decodes captures from an open store iterator. Iteration
// sees the snapshot taken when it was opened; commits made afterwards are
// not observed.
type CaptureIterator struct {
	lr kvstore.ListReader
}

// Next returns the next capture, or nil at the end of the range. A decode
// failure halts iteration: it means the stored data is corrupt, not that
// the record is missing.
func (it *CaptureIterator) Next() (*cdx.Capture, error) {
	key, value, err := it.lr.ReadNextCopy()
	if err != nil || key == nil {
		return nil, err
	}
	return cdx.DecodeCapture(key, value)
}

func (it *CaptureIterator) Close() {
	it.lr.Close()
}

// AliasIterator walks aliases in ascending source order.
type AliasIterator struct {
	lr kvstore.ListReader
}

func (it *AliasIterator) Next() (*cdx.Alias, error) {
	key, value, err := it.lr.ReadNextCopy()
	if err != nil || key == nil {
		return nil, err
	}
	return cdx.DecodeAlias(key, value), nil
}

func (it *AliasIterator) Close() {
	it.lr.Close()
}
