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

package ssurt

import (
	"fmt"
	"strings"

	apierrors "github.com/makyo/outbackcdx/errors"
)

// ExactSentinel terminates the prefix of an exact-URL pattern. It sorts
// below every byte that can follow a canonical SSURT, so an exact prefix
// can never accidentally cover a longer URL.
const ExactSentinel = ' '

// PrefixFromPattern translates a URL pattern into an SSURT range prefix.
//
//	*.example.com           all subdomains
//	http://host/foo/*       everything under the path prefix
//	http://host/foo/        that exact URL only (sentinel-terminated)
//	already-SSURT input     passed through unchanged
func PrefixFromPattern(pattern string) (string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return "", fmt.Errorf("%w: blank pattern is nonsensical", apierrors.ErrBadUrl)
	}
	if isAlreadySsurt(pattern) {
		// Both the open "(au,gov," and closed "(au,gov,):80:" host forms
		// are accepted; stored keys carry neither paren.
		pattern = strings.TrimPrefix(pattern, "(")
		return strings.Replace(pattern, ")", "", 1), nil
	}
	if strings.HasPrefix(pattern, "*.") {
		if strings.Contains(pattern, "/") {
			return "", fmt.Errorf("%w: can't use a domain wildcard with a path", apierrors.ErrBadUrl)
		}
		host, err := canonicalizeHost(pattern[2:])
		if err != nil {
			return "", err
		}
		return ReverseDomain(host), nil
	}
	if strings.HasSuffix(pattern, "*") {
		return FromURL(pattern[:len(pattern)-1])
	}
	surt, err := FromURL(pattern)
	if err != nil {
		return "", err
	}
	return surt + string(ExactSentinel), nil
}

func isAlreadySsurt(s string) bool {
	c := s[0]
	return c == '(' || c == '[' || ('0' <= c && c <= '9')
}

// Match types accepted by the query pipeline.
const (
	MatchExact  = "exact"
	MatchPrefix = "prefix"
	MatchHost   = "host"
	MatchDomain = "domain"
)

// ScanPrefix computes the key-range prefix for a lookup URL under the
// given match type. For exact matches the caller appends the key
// separator itself; here the full SSURT is returned.
func ScanPrefix(matchType, rawurl string) (string, error) {
	u, err := Canonicalize(rawurl)
	if err != nil {
		return "", err
	}
	switch matchType {
	case MatchExact, "":
		return u.SSURT(), nil
	case MatchPrefix:
		return u.SSURT(), nil
	case MatchHost:
		return u.SSHost() + ":", nil
	case MatchDomain:
		return u.SSHost(), nil
	default:
		return "", fmt.Errorf("%w: unknown match type %q", apierrors.ErrBadUrl, matchType)
	}
}
