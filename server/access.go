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
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/makyo/outbackcdx/cdx"
	apierrors "github.com/makyo/outbackcdx/errors"
	"github.com/makyo/outbackcdx/index"
)

func (s *Server) handleListRules(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	rules := idx.AccessControl.ListRules()

	if search := strings.ToLower(c.Query("search")); search != "" {
		filtered := rules[:0:0]
		for _, r := range rules {
			if ruleMatchesSearch(r, search) {
				filtered = append(filtered, r)
			}
		}
		rules = filtered
	}
	sortRules(rules, c.Query("sort"))

	if c.Query("output") == "csv" {
		writeRulesCSV(c, rules)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

func ruleMatchesSearch(r *index.AccessRule, search string) bool {
	if strings.Contains(strings.ToLower(r.Name), search) {
		return true
	}
	for _, p := range r.UrlPatterns {
		if strings.Contains(strings.ToLower(p), search) {
			return true
		}
	}
	return false
}

func sortRules(rules []*index.AccessRule, key string) {
	desc := strings.HasPrefix(key, "-")
	key = strings.TrimPrefix(key, "-")
	var less func(a, b *index.AccessRule) bool
	switch key {
	case "surt":
		less = func(a, b *index.AccessRule) bool {
			return firstPattern(a) < firstPattern(b)
		}
	case "name":
		less = func(a, b *index.AccessRule) bool { return a.Name < b.Name }
	default:
		less = func(a, b *index.AccessRule) bool { return a.Id < b.Id }
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if desc {
			return less(rules[j], rules[i])
		}
		return less(rules[i], rules[j])
	})
}

func firstPattern(r *index.AccessRule) string {
	if len(r.UrlPatterns) == 0 {
		return ""
	}
	return r.UrlPatterns[0]
}

func writeRulesCSV(c *gin.Context, rules []*index.AccessRule) {
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="rules.csv"`)
	w := csv.NewWriter(c.Writer)
	w.Write([]string{"id", "policyId", "name", "pinned", "urlPatterns",
		"capturedStart", "capturedEnd", "accessedStart", "accessedEnd", "embargoSeconds"})
	for _, r := range rules {
		w.Write([]string{
			strconv.FormatUint(r.Id, 10),
			strconv.FormatUint(r.PolicyId, 10),
			r.Name,
			strconv.FormatBool(r.Pinned),
			strings.Join(r.UrlPatterns, " "),
			csvBound(r.Captured, true), csvBound(r.Captured, false),
			csvBound(r.Accessed, true), csvBound(r.Accessed, false),
			csvInt(r.EmbargoSeconds),
		})
	}
	w.Flush()
}

func csvBound(r *index.DateRange, start bool) string {
	if r == nil {
		return ""
	}
	v := r.End
	if start {
		v = r.Start
	}
	return csvInt(v)
}

func csvInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// handlePostRule accepts one rule or an array of rules. New rules (id 0)
// get ids assigned; the response reports them, 201 when everything was a
// create.
func (s *Server) handlePostRule(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	ctx := c.Request.Context()

	body, err := c.GetRawData()
	if err != nil {
		c.String(http.StatusBadRequest, "read error: %s", err.Error())
		return
	}
	var rules []*index.AccessRule
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(body, &rules)
	} else {
		rule := new(index.AccessRule)
		if err = json.Unmarshal(body, rule); err == nil {
			rules = append(rules, rule)
		}
	}
	if err != nil {
		c.String(http.StatusBadRequest, "bad rule json: %s", err.Error())
		return
	}

	ids := make([]uint64, 0, len(rules))
	allCreated := true
	for _, rule := range rules {
		id, created, err := idx.AccessControl.PutRule(ctx, rule)
		if err != nil {
			ruleError(c, err)
			return
		}
		ids = append(ids, id)
		allCreated = allCreated && created
	}
	status := http.StatusOK
	if allCreated {
		status = http.StatusCreated
	}
	if len(ids) == 1 {
		c.JSON(status, gin.H{"id": ids[0]})
	} else {
		c.JSON(status, gin.H{"ids": ids})
	}
}

func (s *Server) handleGetRule(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	if c.Param("id") == "new" {
		c.JSON(http.StatusOK, &index.AccessRule{UrlPatterns: []string{}})
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "bad rule id")
		return
	}
	rule := idx.AccessControl.Rule(id)
	if rule == nil {
		c.String(http.StatusNotFound, "%s", apierrors.ErrRuleDoesNotExist.Error())
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "bad rule id")
		return
	}
	deleted, err := idx.AccessControl.DeleteRule(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusInternalServerError, "%s", err.Error())
		return
	}
	if !deleted {
		c.String(http.StatusNotFound, "%s", apierrors.ErrRuleDoesNotExist.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListPolicies(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	policies := idx.AccessControl.ListPolicies()
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

func (s *Server) handlePostPolicy(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	policy := new(index.AccessPolicy)
	if err := c.ShouldBindJSON(policy); err != nil {
		c.String(http.StatusBadRequest, "bad policy json: %s", err.Error())
		return
	}
	id, created, err := idx.AccessControl.PutPolicy(c.Request.Context(), policy)
	if err != nil {
		ruleError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"id": id})
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "bad policy id")
		return
	}
	policy := idx.AccessControl.Policy(id)
	if policy == nil {
		c.String(http.StatusNotFound, "%s", apierrors.ErrPolicyDoesNotExist.Error())
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (s *Server) handleDeletePolicy(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "bad policy id")
		return
	}
	deleted, err := idx.AccessControl.DeletePolicy(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusInternalServerError, "%s", err.Error())
		return
	}
	if !deleted {
		c.String(http.StatusNotFound, "%s", apierrors.ErrPolicyDoesNotExist.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// handleCheckAccess evaluates one url/timestamp pair at the named access
// point.
func (s *Server) handleCheckAccess(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	url := c.Query("url")
	if url == "" {
		c.String(http.StatusBadRequest, "url parameter required")
		return
	}
	ts, err := cdx.ParseTimestamp(c.Query("timestamp"))
	if err != nil {
		c.String(http.StatusBadRequest, "bad timestamp")
		return
	}
	decision := idx.AccessControl.CheckAccess(
		c.Request.Context(), c.Param("accesspoint"), url, ts, time.Now().UTC())
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleCheckAccessBulk(c *gin.Context) {
	idx := s.getIndex(c, false)
	if idx == nil {
		return
	}
	var queries []index.AccessQuery
	if err := c.ShouldBindJSON(&queries); err != nil {
		c.String(http.StatusBadRequest, "bad query json: %s", err.Error())
		return
	}
	decisions := idx.AccessControl.CheckAccessBulk(
		c.Request.Context(), c.Param("accesspoint"), queries, time.Now().UTC())
	c.JSON(http.StatusOK, decisions)
}

func ruleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apierrors.ErrInvalidRule), errors.Is(err, apierrors.ErrBadUrl):
		c.String(http.StatusBadRequest, "%s", err.Error())
	case errors.Is(err, apierrors.ErrRuleDoesNotExist), errors.Is(err, apierrors.ErrPolicyDoesNotExist):
		c.String(http.StatusNotFound, "%s", err.Error())
	default:
		c.String(http.StatusInternalServerError, "%s", err.Error())
	}
}
