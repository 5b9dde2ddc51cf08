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
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/singleflight"

	"github.com/makyo/outbackcdx/common/kvstore"
	apierrors "github.com/makyo/outbackcdx/errors"
)

// Collection names double as directory names, so the charset is strict.
var validCollectionName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DataStoreConfig carries the store-level tuning shared by every
// collection the data store opens.
type DataStoreConfig struct {
	Path        string         `json:"path"`
	DefaultDeny bool           `json:"default_deny"`
	KVOption    kvstore.Option `json:"kv_option"`
}

// DataStore is the registry of collections under one data directory.
// Collections open lazily on first use; concurrent requests for the same
// collection share a single open.
type DataStore struct {
	cfg DataStoreConfig

	mu      sync.RWMutex
	indexes map[string]*Index
	opening singleflight.Group
	closed  bool
}

func NewDataStore(cfg DataStoreConfig) (*DataStore, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, err
	}
	return &DataStore{cfg: cfg, indexes: make(map[string]*Index)}, nil
}

// GetIndex returns the named collection, opening it if it exists on disk.
// Returns ErrCollectionDoesNotExist when nothing has been indexed under
// that name.
func (s *DataStore) GetIndex(ctx context.Context, name string) (*Index, error) {
	return s.lookup(ctx, name, false)
}

// GetOrCreateIndex returns the named collection, creating it on first
// write.
func (s *DataStore) GetOrCreateIndex(ctx context.Context, name string) (*Index, error) {
	return s.lookup(ctx, name, true)
}

func (s *DataStore) lookup(ctx context.Context, name string, create bool) (*Index, error) {
	if !validCollectionName.MatchString(name) {
		return nil, apierrors.ErrInvalidCollectionName
	}

	s.mu.RLock()
	idx, ok := s.indexes[name]
	s.mu.RUnlock()
	if ok {
		return idx, nil
	}

	path := filepath.Join(s.cfg.Path, name)
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, apierrors.ErrCollectionDoesNotExist
		}
	}

	v, err, _ := s.opening.Do(name, func() (interface{}, error) {
		s.mu.RLock()
		idx, ok := s.indexes[name]
		closed := s.closed
		s.mu.RUnlock()
		if ok {
			return idx, nil
		}
		if closed {
			return nil, apierrors.ErrStreamClosed
		}

		span := trace.SpanFromContextSafe(ctx)
		span.Infof("opening collection %s at %s", name, path)
		idx, err := openIndex(ctx, name, path, s.cfg.KVOption, create, s.cfg.DefaultDeny)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.indexes[name] = idx
		s.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// ListCollections names every collection on disk, open or not, sorted.
func (s *DataStore) ListCollections() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && validCollectionName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close shuts every open collection. Lookups after Close fail.
func (s *DataStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for name, idx := range s.indexes {
		idx.Close()
		delete(s.indexes, name)
	}
}
