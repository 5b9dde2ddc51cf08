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
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/makyo/outbackcdx/index"
	"github.com/makyo/outbackcdx/util"
)

func newTestServer(t *testing.T, mutate ...func(*Config)) *Server {
	t.Helper()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })

	cfg := &Config{
		StoreConfig:               index.DataStoreConfig{Path: path},
		ExperimentalAccessControl: true,
	}
	for _, m := range mutate {
		m(cfg)
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(s.ds.Close)
	return s
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

const testLines = "- 20200101000000 http://example.com/ text/html 200 DIGEST - 100 200 a.warc.gz\n" +
	"- 20210101000000 http://example.com/ text/html 200 DIGEST - 100 300 a.warc.gz\n"

func TestIngestAndQueryJSON(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/testcol", testLines)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Added 2 records\n", w.Body.String())

	w = do(s, http.MethodGet, "/testcol?url=http://example.com/", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	var rows [][]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 3) // legend + 2 captures
	require.Equal(t, "urlkey", rows[0][0])
	require.Equal(t, "20200101000000", rows[1][1])
	require.Equal(t, "20210101000000", rows[2][1])
}

func TestQueryText(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodPost, "/testcol", testLines)

	w := do(s, http.MethodGet, "/testcol?url=http://example.com/&output=text", "")
	require.Equal(t, http.StatusOK, w.Code)
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "com,example,:80:http:/ 20200101000000 "))
}

func TestQueryFieldList(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodPost, "/testcol", testLines)

	w := do(s, http.MethodGet, "/testcol?url=http://example.com/&fl=timestamp,filename", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rows [][]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Equal(t, []interface{}{"timestamp", "filename"}, rows[0])
	require.Equal(t, []interface{}{"20200101000000", "a.warc.gz"}, rows[1])

	w = do(s, http.MethodGet, "/testcol?url=http://example.com/&fl=nonsense", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryFilters(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodPost, "/testcol", testLines)

	w := do(s, http.MethodGet, "/testcol?url=http://example.com/&filter=timestamp:2021.*", "")
	var rows [][]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 2)

	w = do(s, http.MethodGet, "/testcol?url=http://example.com/&filter=!timestamp:2021.*", "")
	rows = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	require.Equal(t, "20200101000000", rows[1][1])
}

func TestIngestBadLine(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/testcol", "this is not a cdx line\n")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "At line: this is not a cdx line")

	w = do(s, http.MethodPost, "/testcol?badLines=skip", "this is not a cdx line\n"+testLines)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Added 2 records\n", w.Body.String())
}

func TestIngestLegendAndAlias(t *testing.T) {
	s := newTestServer(t)

	body := " CDX N b a m s k r M S V g\n" +
		testLines +
		"@alias http://www.example.com/ http://example.com/\n"
	w := do(s, http.MethodPost, "/testcol", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Added 3 records\n", w.Body.String())

	w = do(s, http.MethodGet, "/testcol?url=http://www.example.com/&output=text", "")
	require.Contains(t, w.Body.String(), "http://www.example.com/")
}

func TestDeleteRecords(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodPost, "/testcol", testLines)

	w := do(s, http.MethodPost, "/testcol/delete",
		"- 20200101000000 http://example.com/ text/html 200 DIGEST - 100 200 a.warc.gz\n")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Deleted 1 records\n", w.Body.String())

	var rows [][]interface{}
	w = do(s, http.MethodGet, "/testcol?url=http://example.com/", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
}

func TestCollectionsAndStats(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodPost, "/zcol", testLines)
	do(s, http.MethodPost, "/acol", testLines)

	w := do(s, http.MethodGet, "/api/collections", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Collections []string `json:"collections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, []string{"acol", "zcol"}, body.Collections)

	w = do(s, http.MethodGet, "/acol/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "estimatedRecordCount")

	w = do(s, http.MethodGet, "/missing/stats", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "Collection does not exist", w.Body.String())
}

func TestFeatureFlags(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodGet, "/api/featureflags", "")
	require.Equal(t, http.StatusOK, w.Code)
	var flags map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &flags))
	require.True(t, flags["experimentalAccessControl"])
	require.False(t, flags["secondary"])
	require.True(t, flags["acceptsWrites"])
}

func TestSecondaryRejectsWrites(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Secondary = "http://primary.invalid:8080"
	})
	w := do(s, http.MethodPost, "/testcol", testLines)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	s = newTestServer(t, func(cfg *Config) {
		cfg.Secondary = "http://primary.invalid:8080"
		cfg.AcceptWrites = true
	})
	w = do(s, http.MethodPost, "/testcol", testLines)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSequenceAndChanges(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodPost, "/testcol", testLines)

	w := do(s, http.MethodGet, "/testcol/sequence", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEqual(t, "0", w.Body.String())

	w = do(s, http.MethodGet, "/testcol/changes?since=0", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []changeEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].WriteBatch)
}

func TestAccessRuleEndpoints(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodPost, "/testcol", testLines)

	w := do(s, http.MethodPost, "/testcol/access/policies",
		`{"name":"closed","accessPoints":[]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Id uint64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = do(s, http.MethodPost, "/testcol/access/rules",
		`{"policyId":1,"urlPatterns":["*.example.com"]}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(s, http.MethodGet, "/testcol/access/rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "*.example.com")

	w = do(s, http.MethodGet, "/testcol/access/rules?output=csv", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.HasPrefix(w.Body.String(), "id,policyId,"))

	// At the public access point the rule's policy admits nobody.
	w = do(s, http.MethodGet, "/testcol/ap/public/check?url=http://example.com/&timestamp=20200101000000", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"allowed":false`)

	w = do(s, http.MethodGet, "/testcol/ap/public?url=http://example.com/", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rows [][]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1) // legend only, captures blocked

	w = do(s, http.MethodDelete, "/testcol/access/rules/1", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(s, http.MethodGet, "/testcol/ap/public?url=http://example.com/", "")
	rows = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 3)
}

func TestAccessPolicyDelete(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodPost, "/testcol", testLines)

	w := do(s, http.MethodPost, "/testcol/access/policies",
		`{"name":"closed","accessPoints":[]}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(s, http.MethodDelete, "/testcol/access/policies/1", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(s, http.MethodDelete, "/testcol/access/policies/1", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	w = do(s, http.MethodGet, "/testcol/access/policies/1", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWaybackXMLQuery(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodPost, "/testcol", testLines)

	w := do(s, http.MethodGet, "/testcol?q=type:urlquery+url:http%3A%2F%2Fexample.com%2F", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "<wayback>")
	require.Contains(t, w.Body.String(), "<capturedate>20200101000000</capturedate>")

	w = do(s, http.MethodGet, "/testcol?q=type:urlquery+url:http%3A%2F%2Fnothing.invalid%2F", "")
	require.Contains(t, w.Body.String(), "Resource Not In Archive")
}
