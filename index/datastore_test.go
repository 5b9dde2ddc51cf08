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

package index

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/makyo/outbackcdx/errors"
)

func TestDataStoreNames(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"", "has space", "has/slash", "dots.are.out", "../escape"} {
		_, err := ds.GetOrCreateIndex(ctx, name)
		require.ErrorIs(t, err, apierrors.ErrInvalidCollectionName, "%q", name)
	}

	_, err := ds.GetOrCreateIndex(ctx, "Valid_name-1")
	require.NoError(t, err)
}

func TestDataStoreMissingCollection(t *testing.T) {
	ds := newTestStore(t)
	_, err := ds.GetIndex(context.Background(), "nothere")
	require.ErrorIs(t, err, apierrors.ErrCollectionDoesNotExist)
}

func TestDataStoreOpenIsIdempotent(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	first, err := ds.GetOrCreateIndex(ctx, "col")
	require.NoError(t, err)
	second, err := ds.GetIndex(ctx, "col")
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestDataStoreConcurrentCreate(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	const n = 8
	indexes := make([]*Index, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx, err := ds.GetOrCreateIndex(ctx, "racy")
			require.NoError(t, err)
			indexes[i] = idx
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		require.Same(t, indexes[0], indexes[i])
	}
}

func TestListCollections(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	names, err := ds.ListCollections()
	require.NoError(t, err)
	require.Empty(t, names)

	for _, name := range []string{"zulu", "alpha", "mike"} {
		_, err := ds.GetOrCreateIndex(ctx, name)
		require.NoError(t, err)
	}
	names, err = ds.ListCollections()
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mike", "zulu"}, names)
}
