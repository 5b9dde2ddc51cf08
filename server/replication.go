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

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/makyo/outbackcdx/index"
	"github.com/makyo/outbackcdx/metrics"
)

// follower keeps a secondary in sync with its primary by polling the
// change feed of every collection the primary advertises. Batches apply
// verbatim, so replay after a partial poll is harmless: keys overwrite
// to the same values.
type follower struct {
	ds       *index.DataStore
	primary  string
	interval time.Duration
	client   *http.Client

	stopc chan struct{}
	wg    sync.WaitGroup
}

func newFollower(ds *index.DataStore, primary string, interval time.Duration) *follower {
	return &follower{
		ds:       ds,
		primary:  strings.TrimSuffix(primary, "/"),
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Minute},
		stopc:    make(chan struct{}),
	}
}

func (f *follower) start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			span, ctx := trace.StartSpanFromContextWithTraceID(
				context.Background(), "replication", uuid.New().String())
			if err := f.poll(ctx); err != nil {
				span.Warnf("replication poll of %s failed: %v", f.primary, err)
			}
			span.Finish()
			select {
			case <-f.stopc:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (f *follower) stop() {
	close(f.stopc)
	f.wg.Wait()
}

func (f *follower) poll(ctx context.Context) error {
	names, err := f.fetchCollections(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := f.syncCollection(ctx, name); err != nil {
			return fmt.Errorf("collection %s: %w", name, err)
		}
	}
	return nil
}

func (f *follower) fetchCollections(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.primary+"/api/collections", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("primary returned %s", resp.Status)
	}
	var body struct {
		Collections []string `json:"collections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Collections, nil
}

func (f *follower) syncCollection(ctx context.Context, name string) error {
	span := trace.SpanFromContextSafe(ctx)

	idx, err := f.ds.GetOrCreateIndex(ctx, name)
	if err != nil {
		return err
	}
	since := idx.LatestSequenceNumber()

	url := fmt.Sprintf("%s/%s/changes?since=%d", f.primary, name, since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("primary returned %s", resp.Status)
	}

	// The feed is a JSON array; decode it incrementally so a large
	// backlog never has to fit in memory.
	dec := json.NewDecoder(resp.Body)
	if _, err := dec.Token(); err != nil {
		return err
	}
	applied := 0
	for dec.More() {
		var entry changeEntry
		if err := dec.Decode(&entry); err != nil {
			return err
		}
		batch, err := base64.StdEncoding.DecodeString(entry.WriteBatch)
		if err != nil {
			return fmt.Errorf("bad batch encoding at sequence %d: %w", entry.SequenceNumber, err)
		}
		if err := idx.ApplyRemoteBatch(ctx, batch); err != nil {
			return fmt.Errorf("apply batch %d: %w", entry.SequenceNumber, err)
		}
		applied++
	}
	if applied > 0 {
		// Rule and policy writes arrive inside the opaque batches; the
		// in-memory rule index has to be rebuilt to see them.
		if err := idx.AccessControl.Reload(ctx); err != nil {
			return fmt.Errorf("reload access rules: %w", err)
		}
		metrics.ReplicationBatches.WithLabelValues(name).Add(float64(applied))
		span.Infof("applied %d batches to %s, now at sequence %d",
			applied, name, idx.LatestSequenceNumber())
	}
	return nil
}
