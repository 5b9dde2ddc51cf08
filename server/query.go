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
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/makyo/outbackcdx/cdx"
	apierrors "github.com/makyo/outbackcdx/errors"
	"github.com/makyo/outbackcdx/index"
	"github.com/makyo/outbackcdx/ssurt"
)

// defaultFields is the WB-CDX output order when no fl= is given.
var defaultFields = []string{
	"urlkey", "timestamp", "original", "mimetype", "statuscode",
	"digest", "redirecturl", "robotflags", "length", "offset", "filename",
}

// handleQuery serves GET /<col>: ?url= runs a WB-CDX query, ?q= an
// OpenWayback XML query, and neither renders the stats page.
func (s *Server) handleQuery(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	if q := c.Query("q"); q != "" {
		s.waybackQuery(c, idx, q)
		return
	}
	if c.Query("url") == "" {
		s.statsPage(c, idx)
		return
	}

	q := &index.Query{
		Url:         c.Query("url"),
		MatchType:   c.DefaultQuery("matchType", ssurt.MatchExact),
		Limit:       intQuery(c, "limit", index.DefaultQueryLimit),
		Sort:        c.DefaultQuery("sort", index.SortDefault),
		AccessPoint: c.Param("accesspoint"),
	}
	var err error
	if q.From, err = optTimestamp(c.Query("from")); err != nil {
		c.String(http.StatusBadRequest, "bad from timestamp")
		return
	}
	if q.To, err = optTimestamp(c.Query("to")); err != nil {
		c.String(http.StatusBadRequest, "bad to timestamp")
		return
	}
	if closest := c.Query("closest"); closest != "" {
		if q.Closest, err = cdx.ParseTimestamp(closest); err != nil {
			c.String(http.StatusBadRequest, "bad closest timestamp")
			return
		}
		q.Sort = index.SortClosest
	}
	if q.Predicate, err = compileFilters(c.QueryArray("filter")); err != nil {
		c.String(http.StatusBadRequest, "%s", err.Error())
		return
	}

	results, err := idx.Execute(c.Request.Context(), q)
	if err != nil {
		if errors.Is(err, apierrors.ErrBadUrl) {
			c.String(http.StatusBadRequest, "%s", err.Error())
		} else {
			c.String(http.StatusInternalServerError, "%s", err.Error())
		}
		return
	}
	defer results.Close()

	fields := defaultFields
	if fl := c.Query("fl"); fl != "" {
		fields = strings.Split(fl, ",")
		for _, f := range fields {
			if _, ok := fieldValue(&cdx.Capture{}, f); !ok {
				c.String(http.StatusBadRequest, "unknown field %q", f)
				return
			}
		}
	}

	switch c.DefaultQuery("output", "json") {
	case "text", "cdx":
		s.writeText(c, results)
	default:
		s.writeJSON(c, results, fields)
	}
}

// writeJSON streams the WB-CDX array-of-arrays form: the field legend
// first, then one row per capture.
func (s *Server) writeJSON(c *gin.Context, results *index.QueryResults, fields []string) {
	ctx := c.Request.Context()
	c.Status(http.StatusOK)
	c.Header("Content-Type", "application/json")
	enc := json.NewEncoder(c.Writer)

	c.Writer.WriteString("[")
	enc.Encode(fields)
	for {
		capture, err := results.Next(ctx)
		if err != nil {
			streamAbort(c, err)
			return
		}
		if capture == nil {
			break
		}
		row := make([]interface{}, len(fields))
		for i, f := range fields {
			row[i], _ = fieldValue(capture, f)
		}
		c.Writer.WriteString(",\n")
		if err := enc.Encode(row); err != nil {
			return
		}
	}
	c.Writer.WriteString("]\n")
}

func (s *Server) writeText(c *gin.Context, results *index.QueryResults) {
	ctx := c.Request.Context()
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/plain")
	for {
		capture, err := results.Next(ctx)
		if err != nil {
			streamAbort(c, err)
			return
		}
		if capture == nil {
			return
		}
		if _, err := fmt.Fprintln(c.Writer, capture.ToCdxLine()); err != nil {
			return
		}
	}
}

// waybackResult is one <result> in the OpenWayback XML response.
type waybackResult struct {
	XMLName             xml.Name `xml:"result"`
	CompressedOffset    int64    `xml:"compressedoffset"`
	CompressedEndOffset int64    `xml:"compressedendoffset,omitempty"`
	MimeType            string   `xml:"mimetype"`
	File                string   `xml:"file"`
	RedirectUrl         string   `xml:"redirecturl"`
	UrlKey              string   `xml:"urlkey"`
	Digest              string   `xml:"digest"`
	HttpResponseCode    int      `xml:"httpresponsecode"`
	RobotFlags          string   `xml:"robotflags"`
	Url                 string   `xml:"url"`
	CaptureDate         string   `xml:"capturedate"`
}

// waybackQuery serves the legacy OpenWayback RemoteResourceIndex
// protocol: q is space-separated key:value pairs, the reply is XML.
func (s *Server) waybackQuery(c *gin.Context, idx *index.Index, rawq string) {
	params := map[string]string{}
	for _, kv := range strings.Fields(rawq) {
		if i := strings.IndexByte(kv, ':'); i > 0 {
			v, err := url.QueryUnescape(kv[i+1:])
			if err != nil {
				v = kv[i+1:]
			}
			params[kv[:i]] = v
		}
	}

	q := &index.Query{Url: params["url"], Limit: index.DefaultQueryLimit}
	if params["type"] == "prefixquery" {
		q.MatchType = ssurt.MatchPrefix
	}
	if n, err := strconv.Atoi(params["limit"]); err == nil && n > 0 {
		q.Limit = n
	}

	results, err := idx.Execute(c.Request.Context(), q)
	if err != nil {
		if errors.Is(err, apierrors.ErrBadUrl) {
			c.String(http.StatusBadRequest, "%s", err.Error())
		} else {
			c.String(http.StatusInternalServerError, "%s", err.Error())
		}
		return
	}
	defer results.Close()

	c.Status(http.StatusOK)
	c.Header("Content-Type", "application/xml")
	c.Writer.WriteString(xml.Header)
	c.Writer.WriteString("<wayback>")

	written := 0
	ctx := c.Request.Context()
	var body strings.Builder
	bodyEnc := xml.NewEncoder(&body)
	for {
		capture, err := results.Next(ctx)
		if err != nil {
			streamAbort(c, err)
			return
		}
		if capture == nil {
			break
		}
		r := waybackResult{
			CompressedOffset:    capture.Offset,
			CompressedEndOffset: capture.Length,
			MimeType:            capture.MimeType,
			File:                capture.File,
			RedirectUrl:         capture.RedirectUrl,
			UrlKey:              capture.UrlKey,
			Digest:              capture.Digest,
			HttpResponseCode:    capture.Status,
			RobotFlags:          capture.RobotFlags,
			Url:                 capture.OriginalUrl,
			CaptureDate:         cdx.FormatTimestamp(capture.Timestamp),
		}
		if err := bodyEnc.Encode(&r); err != nil {
			return
		}
		written++
	}
	bodyEnc.Flush()

	if written == 0 {
		c.Writer.WriteString("<error><title>Resource Not In Archive</title>" +
			"<message>The Resource you requested is not in this archive.</message></error>")
	} else {
		fmt.Fprintf(c.Writer, "<request><type>%s</type><numreturned>%d</numreturned></request>",
			xmlEscape(params["type"]), written)
		c.Writer.WriteString("<results>")
		c.Writer.WriteString(body.String())
		c.Writer.WriteString("</results>")
	}
	c.Writer.WriteString("</wayback>\n")
}

func (s *Server) statsPage(c *gin.Context, idx *index.Index) {
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html")
	fmt.Fprintf(c.Writer, "<!doctype html><title>%s</title><h1>%s</h1>"+
		"<p>Estimated record count: %d</p><pre>%s</pre>",
		idx.Name, idx.Name, idx.EstimatedRecordCount(), idx.StatsPage())
}

// compileFilters turns repeatable filter=field:regex parameters into one
// predicate. A leading ! on the field negates the match.
func compileFilters(raw []string) (func(*cdx.Capture) bool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	type filter struct {
		field  string
		negate bool
		re     *regexp.Regexp
	}
	filters := make([]filter, 0, len(raw))
	for _, spec := range raw {
		i := strings.IndexByte(spec, ':')
		if i <= 0 {
			return nil, fmt.Errorf("bad filter %q, want field:regex", spec)
		}
		f := filter{field: spec[:i]}
		if strings.HasPrefix(f.field, "!") {
			f.negate = true
			f.field = f.field[1:]
		}
		if _, ok := fieldValue(&cdx.Capture{}, f.field); !ok {
			return nil, fmt.Errorf("bad filter field %q", f.field)
		}
		re, err := regexp.Compile(spec[i+1:])
		if err != nil {
			return nil, fmt.Errorf("bad filter regex %q: %s", spec[i+1:], err)
		}
		f.re = re
		filters = append(filters, f)
	}
	return func(capture *cdx.Capture) bool {
		for _, f := range filters {
			v, _ := fieldValue(capture, f.field)
			if f.re.MatchString(fmt.Sprint(v)) == f.negate {
				return false
			}
		}
		return true
	}, nil
}

// fieldValue resolves a WB-CDX field name, accepting the common synonyms
// pywb and wayback clients use.
func fieldValue(c *cdx.Capture, name string) (interface{}, bool) {
	switch name {
	case "urlkey":
		return c.UrlKey, true
	case "timestamp":
		return cdx.FormatTimestamp(c.Timestamp), true
	case "original", "url":
		return c.OriginalUrl, true
	case "mimetype", "mime":
		return c.MimeType, true
	case "statuscode", "status":
		return c.Status, true
	case "digest":
		return c.Digest, true
	case "redirecturl", "redirect":
		return c.RedirectUrl, true
	case "robotflags":
		return c.RobotFlags, true
	case "length":
		return c.Length, true
	case "offset":
		return c.Offset, true
	case "filename", "file":
		return c.File, true
	default:
		return nil, false
	}
}

func optTimestamp(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return cdx.ParseTimestamp(s)
}

func xmlEscape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
