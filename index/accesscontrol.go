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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/util/btree"

	"github.com/makyo/outbackcdx/cdx"
	"github.com/makyo/outbackcdx/common/kvstore"
	apierrors "github.com/makyo/outbackcdx/errors"
	"github.com/makyo/outbackcdx/ssurt"
)

// DateRange is a half-open-ended window of 14-digit timestamps. A nil
// bound is unbounded.
type DateRange struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

func (r *DateRange) Contains(ts int64) bool {
	if r == nil {
		return true
	}
	if r.Start != nil && ts < *r.Start {
		return false
	}
	if r.End != nil && ts > *r.End {
		return false
	}
	return true
}

func (r *DateRange) valid() bool {
	if r == nil || r.Start == nil || r.End == nil {
		return true
	}
	return *r.Start <= *r.End
}

// AccessRule selects captures by URL prefix and time, and names the
// policy that decides who may see them. A rule without patterns is
// global. Pinned rules outrank every unpinned rule regardless of how
// specific their prefixes are.
type AccessRule struct {
	Id             uint64     `json:"id"`
	PolicyId       uint64     `json:"policyId"`
	Name           string     `json:"name,omitempty"`
	Pinned         bool       `json:"pinned,omitempty"`
	UrlPatterns    []string   `json:"urlPatterns"`
	Captured       *DateRange `json:"captured,omitempty"`
	Accessed       *DateRange `json:"accessed,omitempty"`
	EmbargoSeconds *int64     `json:"embargoSeconds,omitempty"`
}

// SsurtPrefixes translates the rule's patterns into key-range prefixes.
func (r *AccessRule) SsurtPrefixes() ([]string, error) {
	prefixes := make([]string, 0, len(r.UrlPatterns))
	for _, pattern := range r.UrlPatterns {
		p, err := ssurt.PrefixFromPattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %s", apierrors.ErrInvalidRule, pattern, err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

func (r *AccessRule) matchesTimes(captureTime int64, accessTime time.Time) bool {
	if !r.Captured.Contains(captureTime) {
		return false
	}
	if !r.Accessed.Contains(arcTimestamp(accessTime)) {
		return false
	}
	if r.EmbargoSeconds != nil {
		captured, err := arcTime(captureTime)
		if err != nil {
			return false
		}
		if accessTime.After(captured.Add(time.Duration(*r.EmbargoSeconds) * time.Second)) {
			return false
		}
	}
	return true
}

// AccessPolicy names the access points permitted to view the captures a
// rule matches.
type AccessPolicy struct {
	Id           uint64   `json:"id"`
	Name         string   `json:"name"`
	AccessPoints []string `json:"accessPoints"`
}

func (p *AccessPolicy) permits(accessPoint string) bool {
	for _, ap := range p.AccessPoints {
		if ap == accessPoint {
			return true
		}
	}
	return false
}

// AccessDecision is the outcome of evaluating one capture.
type AccessDecision struct {
	Allowed  bool    `json:"allowed"`
	RuleId   *uint64 `json:"rule,omitempty"`
	PolicyId *uint64 `json:"policy,omitempty"`
}

// idCounterKey lives in each id-keyed column family. Real entries use
// 8-byte keys, so a single zero byte can never collide.
var idCounterKey = []byte{0}

// prefixNode indexes the rules that share one SSURT prefix.
type prefixNode struct {
	prefix string
	rules  map[uint64]*AccessRule
}

func (n *prefixNode) Less(than btree.Item) bool {
	return n.prefix < than.(*prefixNode).prefix
}

func (n *prefixNode) Copy() btree.Item {
	return &prefixNode{prefix: n.prefix, rules: n.rules}
}

// AccessControl evaluates rules and policies for one collection. Rules
// are persisted in their column families and mirrored in memory: a btree
// of prefix nodes for bounded selection plus the set of global rules.
type AccessControl struct {
	db          kvstore.Store
	defaultDeny bool

	mu       sync.RWMutex
	rules    map[uint64]*AccessRule
	policies map[uint64]*AccessPolicy
	globals  map[uint64]*AccessRule
	byPrefix *btree.BTree
}

func newAccessControl(ctx context.Context, db kvstore.Store, defaultDeny bool) (*AccessControl, error) {
	ac := &AccessControl{
		db:          db,
		defaultDeny: defaultDeny,
		rules:       make(map[uint64]*AccessRule),
		policies:    make(map[uint64]*AccessPolicy),
		globals:     make(map[uint64]*AccessRule),
		byPrefix:    btree.New(32),
	}
	if err := ac.load(ctx); err != nil {
		return nil, err
	}
	return ac, nil
}

func (ac *AccessControl) load(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	lr := ac.db.List(ctx, policyCF, nil, nil, nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
		if len(key) != 8 {
			continue
		}
		policy := new(AccessPolicy)
		if err := json.Unmarshal(value, policy); err != nil {
			return fmt.Errorf("%w: access policy %d", apierrors.ErrCorruptRecord, binary.BigEndian.Uint64(key))
		}
		ac.policies[policy.Id] = policy
	}

	rr := ac.db.List(ctx, ruleCF, nil, nil, nil)
	defer rr.Close()
	for {
		key, value, err := rr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
		if len(key) != 8 {
			continue
		}
		rule := new(AccessRule)
		if err := json.Unmarshal(value, rule); err != nil {
			return fmt.Errorf("%w: access rule %d", apierrors.ErrCorruptRecord, binary.BigEndian.Uint64(key))
		}
		if err := ac.indexRule(rule); err != nil {
			span.Warnf("skipping unindexable access rule %d: %v", rule.Id, err)
			continue
		}
		ac.rules[rule.Id] = rule
	}
	span.Debugf("loaded %d access rules, %d policies", len(ac.rules), len(ac.policies))
	return nil
}

// Reload rebuilds the in-memory rule index from the column families. A
// replication follower receives rule and policy writes as opaque
// batches, so it must reload to make them visible to CheckAccess.
func (ac *AccessControl) Reload(ctx context.Context) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.rules = make(map[uint64]*AccessRule)
	ac.policies = make(map[uint64]*AccessPolicy)
	ac.globals = make(map[uint64]*AccessRule)
	ac.byPrefix = btree.New(32)
	return ac.load(ctx)
}

// indexRule adds the rule to the in-memory structures. Caller holds the
// write lock (or has exclusive ownership during load).
func (ac *AccessControl) indexRule(rule *AccessRule) error {
	prefixes, err := rule.SsurtPrefixes()
	if err != nil {
		return err
	}
	if len(prefixes) == 0 {
		ac.globals[rule.Id] = rule
		return nil
	}
	for _, p := range prefixes {
		probe := &prefixNode{prefix: p}
		node, _ := ac.byPrefix.Get(probe).(*prefixNode)
		if node == nil {
			node = &prefixNode{prefix: p, rules: make(map[uint64]*AccessRule)}
			ac.byPrefix.ReplaceOrInsert(node)
		}
		node.rules[rule.Id] = rule
	}
	return nil
}

func (ac *AccessControl) unindexRule(rule *AccessRule) {
	delete(ac.globals, rule.Id)
	prefixes, err := rule.SsurtPrefixes()
	if err != nil {
		return
	}
	for _, p := range prefixes {
		probe := &prefixNode{prefix: p}
		if node, _ := ac.byPrefix.Get(probe).(*prefixNode); node != nil {
			delete(node.rules, rule.Id)
			if len(node.rules) == 0 {
				ac.byPrefix.Delete(probe)
			}
		}
	}
}

// Validate checks a rule before it is stored: every pattern must parse
// and every window must be non-empty. The policy must already exist.
func (ac *AccessControl) Validate(rule *AccessRule) error {
	if _, err := rule.SsurtPrefixes(); err != nil {
		return err
	}
	if !rule.Captured.valid() || !rule.Accessed.valid() {
		return fmt.Errorf("%w: empty time window", apierrors.ErrInvalidRule)
	}
	ac.mu.RLock()
	_, ok := ac.policies[rule.PolicyId]
	ac.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no such policy %d", apierrors.ErrInvalidRule, rule.PolicyId)
	}
	return nil
}

// PutRule stores a rule, allocating an id for new rules. Returns the id
// and whether the rule was newly created.
func (ac *AccessControl) PutRule(ctx context.Context, rule *AccessRule) (uint64, bool, error) {
	if err := ac.Validate(rule); err != nil {
		return 0, false, err
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()

	created := rule.Id == 0
	if created {
		id, err := ac.nextId(ctx, ruleCF)
		if err != nil {
			return 0, false, err
		}
		rule.Id = id
	} else if _, ok := ac.rules[rule.Id]; !ok {
		return 0, false, apierrors.ErrRuleDoesNotExist
	}

	if err := ac.persist(ctx, ruleCF, rule.Id, rule); err != nil {
		return 0, false, err
	}
	if old := ac.rules[rule.Id]; old != nil {
		ac.unindexRule(old)
	}
	if err := ac.indexRule(rule); err != nil {
		return 0, false, err
	}
	ac.rules[rule.Id] = rule
	return rule.Id, created, nil
}

func (ac *AccessControl) DeleteRule(ctx context.Context, id uint64) (bool, error) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	rule, ok := ac.rules[id]
	if !ok {
		return false, nil
	}
	if err := ac.db.Delete(ctx, ruleCF, idKey(id)); err != nil {
		return false, err
	}
	ac.unindexRule(rule)
	delete(ac.rules, id)
	return true, nil
}

func (ac *AccessControl) Rule(id uint64) *AccessRule {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.rules[id]
}

func (ac *AccessControl) ListRules() []*AccessRule {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	rules := make([]*AccessRule, 0, len(ac.rules))
	for _, r := range ac.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Id < rules[j].Id })
	return rules
}

// PutPolicy stores a policy, allocating an id for new policies.
func (ac *AccessControl) PutPolicy(ctx context.Context, policy *AccessPolicy) (uint64, bool, error) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	created := policy.Id == 0
	if created {
		id, err := ac.nextId(ctx, policyCF)
		if err != nil {
			return 0, false, err
		}
		policy.Id = id
	} else if _, ok := ac.policies[policy.Id]; !ok {
		return 0, false, apierrors.ErrPolicyDoesNotExist
	}
	if err := ac.persist(ctx, policyCF, policy.Id, policy); err != nil {
		return 0, false, err
	}
	ac.policies[policy.Id] = policy
	return policy.Id, created, nil
}

// DeletePolicy removes a policy. Rules that still reference it stay in
// place and fail closed until they are repointed or deleted.
func (ac *AccessControl) DeletePolicy(ctx context.Context, id uint64) (bool, error) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if _, ok := ac.policies[id]; !ok {
		return false, nil
	}
	if err := ac.db.Delete(ctx, policyCF, idKey(id)); err != nil {
		return false, err
	}
	delete(ac.policies, id)
	return true, nil
}

func (ac *AccessControl) Policy(id uint64) *AccessPolicy {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.policies[id]
}

func (ac *AccessControl) ListPolicies() []*AccessPolicy {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	policies := make([]*AccessPolicy, 0, len(ac.policies))
	for _, p := range ac.policies {
		policies = append(policies, p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Id < policies[j].Id })
	return policies
}

// nextId allocates the next id from the column family's persisted
// counter. The counter is written before the id is handed out, so ids
// survive crashes without reuse. Caller holds the write lock.
func (ac *AccessControl) nextId(ctx context.Context, col kvstore.CF) (uint64, error) {
	var next uint64 = 1
	v, err := ac.db.GetRaw(ctx, col, idCounterKey, nil)
	if err == nil {
		next = binary.BigEndian.Uint64(v) + 1
	} else if err != kvstore.ErrNotFound {
		return 0, err
	}
	if err := ac.db.SetRaw(ctx, col, idCounterKey, idKey(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func (ac *AccessControl) persist(ctx context.Context, col kvstore.CF, id uint64, entity interface{}) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	return ac.db.SetRaw(ctx, col, idKey(id), data)
}

func idKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// CheckAccess decides whether accessPoint may see a capture of url made
// at captureTime when viewed at accessTime. Rule selection walks every
// prefix of the capture's SSURT (with the exact-match sentinel appended)
// plus the global rules; candidates are filtered by their time windows
// and ordered pinned-first, then most-specific-prefix, then id.
func (ac *AccessControl) CheckAccess(ctx context.Context, accessPoint, url string, captureTime int64, accessTime time.Time) *AccessDecision {
	span := trace.SpanFromContextSafe(ctx)

	surt, err := ssurt.FromURL(url)
	if err != nil {
		// A capture whose URL no longer canonicalises cannot be matched
		// against any rule; fail closed.
		span.Warnf("access check on uncanonicalisable url %q: %v", url, err)
		return &AccessDecision{Allowed: false}
	}
	probe := surt + string(ssurt.ExactSentinel)

	ac.mu.RLock()
	defer ac.mu.RUnlock()

	type candidate struct {
		rule     *AccessRule
		matchLen int
	}
	var candidates []candidate

	for _, rule := range ac.globals {
		if rule.matchesTimes(captureTime, accessTime) {
			candidates = append(candidates, candidate{rule, 0})
		}
	}
	for i := 1; i <= len(probe); i++ {
		node, _ := ac.byPrefix.Get(&prefixNode{prefix: probe[:i]}).(*prefixNode)
		if node == nil {
			continue
		}
		for _, rule := range node.rules {
			if rule.matchesTimes(captureTime, accessTime) {
				candidates = append(candidates, candidate{rule, i})
			}
		}
	}

	if len(candidates) == 0 {
		return &AccessDecision{Allowed: !ac.defaultDeny}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rule.Pinned != b.rule.Pinned {
			return a.rule.Pinned
		}
		if a.matchLen != b.matchLen {
			return a.matchLen > b.matchLen
		}
		return a.rule.Id < b.rule.Id
	})

	winner := candidates[0].rule
	decision := &AccessDecision{RuleId: &winner.Id, PolicyId: &winner.PolicyId}
	policy := ac.policies[winner.PolicyId]
	if policy == nil {
		// A rule pointing at a deleted policy is a misconfiguration;
		// fail closed.
		return decision
	}
	decision.Allowed = policy.permits(accessPoint)
	return decision
}

// CheckAccessBulk evaluates each query independently.
func (ac *AccessControl) CheckAccessBulk(ctx context.Context, accessPoint string, queries []AccessQuery, accessTime time.Time) []*AccessDecision {
	decisions := make([]*AccessDecision, 0, len(queries))
	for _, q := range queries {
		decisions = append(decisions, ac.CheckAccess(ctx, accessPoint, q.Url, q.Timestamp, accessTime))
	}
	return decisions
}

// AccessQuery is one element of a bulk access check.
type AccessQuery struct {
	Url       string `json:"url"`
	Timestamp int64  `json:"timestamp,string"`
}

func arcTime(ts int64) (time.Time, error) {
	return time.Parse("20060102150405", cdx.FormatTimestamp(ts))
}

func arcTimestamp(t time.Time) int64 {
	ts, _ := strconv.ParseInt(t.UTC().Format("20060102150405"), 10, 64)
	return ts
}
