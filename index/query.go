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
	"bytes"
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/makyo/outbackcdx/cdx"
	"github.com/makyo/outbackcdx/common/kvstore"
	"github.com/makyo/outbackcdx/ssurt"
)

const DefaultQueryLimit = 10000

// Sort orders accepted by Query.
const (
	SortDefault = "default"
	SortClosest = "closest"
	SortReverse = "reverse"
)

// Query describes one lookup against a collection.
type Query struct {
	Url       string
	MatchType string // exact (default), prefix, host, domain
	From, To  int64  // 14-digit timestamp window, zero = unbounded
	Limit     int
	Sort      string
	Closest   int64 // pivot timestamp for SortClosest

	// AccessPoint enables per-capture access filtering; blocked captures
	// are silently dropped.
	AccessPoint string

	// Predicate is the user-supplied filter hook; nil accepts everything.
	Predicate func(*cdx.Capture) bool
}

// QueryResults streams matching captures. The store iterator underneath
// advances only as Next is called, so memory stays constant no matter how
// large the result set is.
type QueryResults struct {
	next  func() (*cdx.Capture, error)
	close func()

	q         *Query
	idx       *Index
	remaining int

	aliased     bool
	targetSurt  string
	originalUrl string

	accessTime time.Time
}

// Execute runs the lookup pipeline: canonicalise, resolve one alias hop,
// range-scan, rewrite aliased originals, filter.
func (i *Index) Execute(ctx context.Context, q *Query) (*QueryResults, error) {
	span := trace.SpanFromContextSafe(ctx)

	surt, err := ssurt.FromURL(q.Url)
	if err != nil {
		return nil, err
	}

	target, err := i.ResolveAlias(ctx, surt)
	if err != nil {
		return nil, err
	}

	r := &QueryResults{
		q:          q,
		idx:        i,
		remaining:  q.Limit,
		accessTime: time.Now().UTC(),
	}
	if r.remaining <= 0 {
		r.remaining = DefaultQueryLimit
	}
	if target != surt {
		r.aliased = true
		r.targetSurt = target
		r.originalUrl = q.Url
		span.Debugf("alias %q resolved to %q", surt, target)
	}

	prefix, err := scanPrefix(q.MatchType, q.Url, target)
	if err != nil {
		return nil, err
	}

	switch q.Sort {
	case SortReverse:
		r.initReverse(ctx, prefix)
	case SortClosest:
		// Distance from the pivot is only well defined within a single
		// urlKey, so closest always scans the exact key range.
		exact := append([]byte(target), cdx.KeySeparator)
		r.initClosest(ctx, exact, q.Closest)
	default:
		r.initForward(ctx, prefix)
	}
	return r, nil
}

// scanPrefix computes the raw key prefix for the scan. Exact matches
// include the key separator so a shorter URL never covers a longer one.
func scanPrefix(matchType, rawurl, resolvedSurt string) ([]byte, error) {
	switch matchType {
	case ssurt.MatchExact, "":
		return append([]byte(resolvedSurt), cdx.KeySeparator), nil
	case ssurt.MatchPrefix:
		return []byte(resolvedSurt), nil
	default:
		p, err := ssurt.ScanPrefix(matchType, rawurl)
		if err != nil {
			return nil, err
		}
		return []byte(p), nil
	}
}

func (r *QueryResults) initForward(ctx context.Context, prefix []byte) {
	lr := r.idx.db.List(ctx, "", prefix, nil, nil)
	r.close = lr.Close
	r.next = func() (*cdx.Capture, error) {
		key, value, err := lr.ReadNextCopy()
		if err != nil || key == nil {
			return nil, err
		}
		return cdx.DecodeCapture(key, value)
	}
}

func (r *QueryResults) initReverse(ctx context.Context, prefix []byte) {
	lr := r.idx.db.List(ctx, "", nil, nil, nil)
	// Canonical key bytes never reach 0xff, so this bound sits above
	// every key sharing the prefix.
	lr.SeekForPrev(append(append([]byte{}, prefix...), 0xff))
	r.close = lr.Close
	r.next = func() (*cdx.Capture, error) {
		key, value, err := readPrevCopy(lr)
		if err != nil || key == nil {
			return nil, err
		}
		if !bytes.HasPrefix(key, prefix) {
			return nil, nil
		}
		return cdx.DecodeCapture(key, value)
	}
}

// initClosest merges a forward scan from the pivot and a backward scan
// before it, yielding captures by increasing distance from the pivot.
// Only meaningful for exact matches, where all keys share one urlKey.
func (r *QueryResults) initClosest(ctx context.Context, prefix []byte, pivot int64) {
	pivotCapture := cdx.Capture{UrlKey: string(prefix[:len(prefix)-1]), Timestamp: pivot}
	pivotKey := pivotCapture.EncodeKey()

	fwd := r.idx.db.List(ctx, "", prefix, pivotKey, nil)
	back := r.idx.db.List(ctx, "", nil, nil, nil)
	back.SeekForPrev(pivotKey)

	var fwdCapture, backCapture *cdx.Capture
	var fwdDone, backDone, backPrimed bool

	r.close = func() {
		fwd.Close()
		back.Close()
	}
	r.next = func() (*cdx.Capture, error) {
		var err error
		if fwdCapture == nil && !fwdDone {
			key, value, e := fwd.ReadNextCopy()
			if e != nil {
				return nil, e
			}
			if key == nil {
				fwdDone = true
			} else if fwdCapture, err = cdx.DecodeCapture(key, value); err != nil {
				return nil, err
			}
		}
		if backCapture == nil && !backDone {
			for {
				key, value, e := readPrevCopy(back)
				if e != nil {
					return nil, e
				}
				if key == nil || !bytes.HasPrefix(key, prefix) {
					backDone = true
					break
				}
				// SeekForPrev can land on the pivot key itself, which the
				// forward scan already covers.
				if !backPrimed && bytes.Equal(key, pivotKey) {
					backPrimed = true
					continue
				}
				backPrimed = true
				if backCapture, err = cdx.DecodeCapture(key, value); err != nil {
					return nil, err
				}
				break
			}
		}
		switch {
		case fwdCapture == nil && backCapture == nil:
			return nil, nil
		case backCapture == nil:
			c := fwdCapture
			fwdCapture = nil
			return c, nil
		case fwdCapture == nil:
			c := backCapture
			backCapture = nil
			return c, nil
		case fwdCapture.Timestamp-pivot <= pivot-backCapture.Timestamp:
			c := fwdCapture
			fwdCapture = nil
			return c, nil
		default:
			c := backCapture
			backCapture = nil
			return c, nil
		}
	}
}

func readPrevCopy(lr kvstore.ListReader) (key []byte, value []byte, err error) {
	kg, vg, err := lr.ReadPrev()
	if err != nil || kg == nil {
		return nil, nil, err
	}
	key = make([]byte, len(kg.Key()))
	value = make([]byte, vg.Size())
	copy(key, kg.Key())
	copy(value, vg.Value())
	kg.Close()
	vg.Close()
	return
}

// Next returns the next visible capture, or nil once the scan or the
// limit is exhausted.
func (r *QueryResults) Next(ctx context.Context) (*cdx.Capture, error) {
	for r.remaining > 0 {
		c, err := r.next()
		if err != nil || c == nil {
			return nil, err
		}
		if r.q.From != 0 && c.Timestamp < r.q.From {
			continue
		}
		if r.q.To != 0 && c.Timestamp > r.q.To {
			continue
		}
		if r.aliased && c.UrlKey == r.targetSurt {
			c.OriginalUrl = r.originalUrl
		}
		if r.q.AccessPoint != "" {
			decision := r.idx.AccessControl.CheckAccess(ctx, r.q.AccessPoint, c.OriginalUrl, c.Timestamp, r.accessTime)
			if !decision.Allowed {
				continue
			}
		}
		if r.q.Predicate != nil && !r.q.Predicate(c) {
			continue
		}
		r.remaining--
		return c, nil
	}
	return nil, nil
}

func (r *QueryResults) Close() {
	r.close()
}
