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

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/makyo/outbackcdx/util"
)

type testEg struct {
	engine Store
	path   string
}

func newEngine(ctx context.Context, opt *Option) (*testEg, error) {
	path, err := util.GenTmpPath()
	if err != nil {
		return nil, err
	}
	if opt == nil {
		opt = new(Option)
	}
	opt.CreateIfMissing = true
	opt.Sync = true
	engine, err := newRocksdb(ctx, path, opt)
	if err != nil {
		return nil, err
	}
	return &testEg{engine: engine, path: path}, nil
}

func (eg *testEg) close() {
	eg.engine.Close()
	os.RemoveAll(eg.path)
}

func Test_openRocksdb(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	opt := new(Option)
	opt.CreateIfMissing = true
	opt.BlockSize = 1 << 20
	opt.BlockCache = 1 << 20
	opt.MaxBackgroundJobs = 8
	opt.KeepLogFileNum = 10000
	opt.ColumnFamily = []CF{"a", "b", "c"}
	eg, err := newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()

	// open with empty path
	_, err = newRocksdb(ctx, "", opt)
	require.Equal(t, errors.New("path is empty"), err)
	// reopen db
	eg, err = newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	require.Len(t, eg.GetAllColumns(), 4)
	eg.Close()
}

func TestInstance_SetGetRaw(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	k := []byte("key1")
	v := []byte("value1")
	err = eg.engine.SetRaw(ctx, defaultCF, k, v)
	require.NoError(t, err)
	v1, err := eg.engine.GetRaw(ctx, defaultCF, k, nil)
	require.NoError(t, err)
	require.Equal(t, v, v1)
	err = eg.engine.Delete(ctx, defaultCF, k)
	require.NoError(t, err)
	_, err = eg.engine.GetRaw(ctx, defaultCF, k, nil)
	require.Equal(t, ErrNotFound, err)
}

func TestWriteBatch(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, &Option{ColumnFamily: []CF{"c1"}})
	require.NoError(t, err)
	defer eg.close()

	batch := eg.engine.NewWriteBatch()
	for i := 0; i < 5; i++ {
		batch.Put("c1", []byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)))
	}
	require.Equal(t, 5, batch.Count())
	require.NoError(t, eg.engine.Write(ctx, batch))
	batch.Close()

	for i := 0; i < 5; i++ {
		v, err := eg.engine.GetRaw(ctx, "c1", []byte(fmt.Sprintf("k%d", i)), nil)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), v)
	}

	del := eg.engine.NewWriteBatch()
	del.Delete("c1", []byte("k0"))
	require.NoError(t, eg.engine.Write(ctx, del))
	del.Close()
	_, err = eg.engine.GetRaw(ctx, "c1", []byte("k0"), nil)
	require.Equal(t, ErrNotFound, err)
}

func TestApplyRawReplaysBatch(t *testing.T) {
	ctx := context.TODO()
	src, err := newEngine(ctx, &Option{ColumnFamily: []CF{"c1"}})
	require.NoError(t, err)
	defer src.close()
	dst, err := newEngine(ctx, &Option{ColumnFamily: []CF{"c1"}})
	require.NoError(t, err)
	defer dst.close()

	batch := src.engine.NewWriteBatch()
	batch.Put("c1", []byte("k"), []byte("v"))
	batch.Put("", []byte("k2"), []byte("v2"))
	data := make([]byte, len(batch.Data()))
	copy(data, batch.Data())
	require.NoError(t, src.engine.Write(ctx, batch))
	batch.Close()

	require.NoError(t, dst.engine.ApplyRaw(ctx, data))
	v, err := dst.engine.GetRaw(ctx, "c1", []byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
	v, err = dst.engine.GetRaw(ctx, "", []byte("k2"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}

func TestWalReader(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	for i := 0; i < 3; i++ {
		batch := eg.engine.NewWriteBatch()
		batch.Put("", []byte(fmt.Sprintf("k%d", i)), []byte("v"))
		require.NoError(t, eg.engine.Write(ctx, batch))
		batch.Close()
	}
	require.Equal(t, uint64(3), eg.engine.LatestSequenceNumber())

	wr, err := eg.engine.GetUpdatesSince(2)
	require.NoError(t, err)
	defer wr.Close()
	var seqs []uint64
	for {
		seq, data, err := wr.Next()
		require.NoError(t, err)
		if data == nil {
			break
		}
		seqs = append(seqs, seq)
	}
	require.Equal(t, []uint64{2, 3}, seqs)
}

func TestInstance_List(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	for _, kv := range [][2]string{
		{"key1", "value1"}, {"key2", "value2"}, {"key3", "value3"},
		{"word1", "w1"}, {"word2", "w2"}, {"xyz", "zyx"},
	} {
		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte(kv[0]), []byte(kv[1])))
	}

	// prefix read
	ls := eg.engine.List(ctx, defaultCF, []byte("key"), nil, nil)
	for i := 1; ; i++ {
		k, v, err := ls.ReadNextCopy()
		require.NoError(t, err)
		if k == nil {
			require.Equal(t, 4, i)
			break
		}
		require.Equal(t, []byte(fmt.Sprintf("key%d", i)), k)
		require.Equal(t, []byte(fmt.Sprintf("value%d", i)), v)
	}
	ls.Close()

	// marker read
	ls = eg.engine.List(ctx, defaultCF, []byte("key"), []byte("key2"), nil)
	k, v, err := ls.ReadNextCopy()
	require.NoError(t, err)
	require.Equal(t, []byte("key2"), k)
	require.Equal(t, []byte("value2"), v)
	ls.Close()

	// descending read from a seek point
	ls = eg.engine.List(ctx, defaultCF, nil, nil, nil)
	ls.SeekForPrev([]byte("word9"))
	kg, vg, err := ls.ReadPrev()
	require.NoError(t, err)
	require.Equal(t, []byte("word2"), kg.Key())
	kg.Close()
	vg.Close()
	kg, vg, err = ls.ReadPrev()
	require.NoError(t, err)
	require.Equal(t, []byte("word1"), kg.Key())
	kg.Close()
	vg.Close()
	ls.Close()
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte("k"), []byte("old")))

	snap := eg.engine.NewSnapshot()
	defer snap.Close()
	ro := eg.engine.NewReadOption()
	ro.SetSnapShot(snap)
	defer ro.Close()

	require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte("k"), []byte("new")))

	v, err := eg.engine.GetRaw(ctx, defaultCF, []byte("k"), ro)
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)
	v, err = eg.engine.GetRaw(ctx, defaultCF, []byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
}

func TestProperties(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte("k"), []byte("v")))
	require.NoError(t, eg.engine.FlushWAL(ctx))
	require.NotEmpty(t, eg.engine.Property("rocksdb.stats"))
	require.Positive(t, eg.engine.EstimatedKeyCount())
}
