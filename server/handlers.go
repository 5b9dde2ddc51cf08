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
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/gin-gonic/gin"

	"github.com/makyo/outbackcdx/cdx"
	apierrors "github.com/makyo/outbackcdx/errors"
	"github.com/makyo/outbackcdx/metrics"
	"github.com/makyo/outbackcdx/util"
)

// Ingest lines can carry long URLs; the default scanner limit is too
// small.
const maxLineLength = 1 << 20

const defaultDumpLimit = 10000

func (s *Server) handleHome(c *gin.Context) {
	names, err := s.ds.ListCollections()
	if err != nil {
		c.String(http.StatusInternalServerError, "%s", err.Error())
		return
	}
	var b strings.Builder
	b.WriteString("OutbackCDX\n\nCollections:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  /%s\n", name)
	}
	c.String(http.StatusOK, "%s", b.String())
}

func (s *Server) handleListCollections(c *gin.Context) {
	names, err := s.ds.ListCollections()
	if err != nil {
		c.String(http.StatusInternalServerError, "%s", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"collections": names})
}

func (s *Server) handleFeatureFlags(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"experimentalAccessControl": s.cfg.ExperimentalAccessControl,
		"secondary":                 s.cfg.Secondary != "",
		"acceptsWrites":             s.cfg.Secondary == "" || s.cfg.AcceptWrites,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimatedRecordCount": idx.EstimatedRecordCount()})
}

func (s *Server) handleSequence(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	c.String(http.StatusOK, "%d", idx.LatestSequenceNumber())
}

func (s *Server) handleDumpCaptures(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	limit := intQuery(c, "limit", defaultDumpLimit)
	it := idx.CapturesAfter(c.Request.Context(), c.Query("key"))
	defer it.Close()

	c.Status(http.StatusOK)
	c.Header("Content-Type", "application/json")
	enc := json.NewEncoder(c.Writer)
	c.Writer.WriteString("[")
	for n := 0; n < limit; n++ {
		capture, err := it.Next()
		if err != nil {
			streamAbort(c, err)
			return
		}
		if capture == nil {
			break
		}
		if n > 0 {
			c.Writer.WriteString(",\n")
		}
		if err := enc.Encode(capture); err != nil {
			return
		}
	}
	c.Writer.WriteString("]\n")
}

func (s *Server) handleDumpAliases(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	limit := intQuery(c, "limit", defaultDumpLimit)
	it := idx.ListAliases(c.Request.Context(), c.Query("key"))
	defer it.Close()

	c.Status(http.StatusOK)
	c.Header("Content-Type", "application/json")
	enc := json.NewEncoder(c.Writer)
	c.Writer.WriteString("[")
	for n := 0; n < limit; n++ {
		alias, err := it.Next()
		if err != nil {
			streamAbort(c, err)
			return
		}
		if alias == nil {
			break
		}
		if n > 0 {
			c.Writer.WriteString(",\n")
		}
		if err := enc.Encode(alias); err != nil {
			return
		}
	}
	c.Writer.WriteString("]\n")
}

// changeEntry is one element of the replication feed.
type changeEntry struct {
	SequenceNumber uint64 `json:"sequenceNumber"`
	WriteBatch     string `json:"writeBatch"`
}

// handleChanges streams every committed batch with sequence number
// greater than since, as a JSON array. Batches are opaque store-native
// bytes, base64 encoded; a secondary replays them verbatim.
func (s *Server) handleChanges(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "bad since parameter")
		return
	}

	wr, err := idx.UpdatesSince(since + 1)
	if err != nil {
		c.String(http.StatusInternalServerError, "%s", err.Error())
		return
	}
	defer wr.Close()

	c.Status(http.StatusOK)
	c.Header("Content-Type", "application/json")
	enc := json.NewEncoder(c.Writer)
	c.Writer.WriteString("[")
	first := true
	for {
		seq, batch, err := wr.Next()
		if err != nil {
			streamAbort(c, err)
			return
		}
		if batch == nil {
			break
		}
		if !first {
			c.Writer.WriteString(",\n")
		}
		first = false
		entry := changeEntry{
			SequenceNumber: seq,
			WriteBatch:     base64.StdEncoding.EncodeToString(batch),
		}
		if err := enc.Encode(&entry); err != nil {
			return
		}
	}
	c.Writer.WriteString("]\n")
}

func (s *Server) handleTruncateReplication(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	if err := idx.FlushWal(c.Request.Context()); err != nil {
		c.String(http.StatusInternalServerError, "%s", err.Error())
		return
	}
	c.String(http.StatusOK, "OK")
}

func (s *Server) handleIngest(c *gin.Context) {
	s.ingest(c, false)
}

func (s *Server) handleDelete(c *gin.Context) {
	s.ingest(c, true)
}

// ingest reads CDX lines from the request body into one atomic batch.
// A malformed line aborts the whole batch with a 400 naming the line,
// unless badLines=skip.
func (s *Server) ingest(c *gin.Context, deleting bool) {
	ctx := c.Request.Context()
	span := trace.SpanFromContextSafe(ctx)

	idx := s.getIndex(c, !deleting)
	if idx == nil {
		return
	}
	skipBadLines := c.Query("badLines") == "skip"

	body := io.Reader(c.Request.Body)
	if s.ingestLimit != nil {
		body = s.ingestLimit.Reader(ctx, c.Request.Body)
	}
	timed := &util.TimeReader{R: body}

	batch := idx.BeginUpdate()
	defer batch.Close()

	added := 0
	scanner := bufio.NewScanner(timed)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, " CDX") {
			continue
		}
		if strings.HasPrefix(line, cdx.AliasLinePrefix) {
			alias, err := cdx.FromAliasLine(line)
			if err != nil {
				if skipBadLines {
					span.Warnf("skipping bad alias line: %v", err)
					continue
				}
				c.String(http.StatusBadRequest, "At line: %s", line)
				return
			}
			if deleting {
				// Alias deletion is not part of the deletion format.
				c.String(http.StatusBadRequest, "At line: %s", line)
				return
			}
			batch.PutAlias(alias.Alias, alias.Target)
			added++
			continue
		}
		capture, err := cdx.FromCdxLine(line)
		if err != nil {
			if skipBadLines {
				span.Warnf("skipping bad cdx line: %v", err)
				continue
			}
			c.String(http.StatusBadRequest, "At line: %s", line)
			return
		}
		if deleting {
			batch.DeleteCapture(capture)
		} else {
			batch.PutCapture(capture)
		}
		added++
	}
	if err := scanner.Err(); err != nil {
		span.Warnf("ingest read aborted: %v", err)
		c.String(http.StatusBadRequest, "read error: %s", err.Error())
		return
	}

	if err := batch.Commit(ctx); err != nil {
		c.String(http.StatusInternalServerError, "%s", err.Error())
		return
	}
	span.Debugf("ingested %d records into %s, read cost %s", added, idx.Name, timed.GetCost())
	if deleting {
		metrics.RecordsDeleted.WithLabelValues(idx.Name).Add(float64(added))
		c.String(http.StatusOK, "Deleted %d records\n", added)
	} else {
		metrics.RecordsIngested.WithLabelValues(idx.Name).Add(float64(added))
		c.String(http.StatusOK, "Added %d records\n", added)
	}
}

func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// streamAbort logs an error hit mid-stream. Headers are already gone, so
// the only honest move is to cut the connection short.
func streamAbort(c *gin.Context, err error) {
	span := trace.SpanFromContextSafe(c.Request.Context())
	if errors.Is(err, apierrors.ErrCorruptRecord) {
		span.Errorf("corrupt record during stream: %v", err)
	} else {
		span.Warnf("stream aborted: %v", err)
	}
	c.Abort()
}
