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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/makyo/outbackcdx/errors"
)

func TestPrefixFromPattern(t *testing.T) {
	cases := []struct {
		pattern string
		want    string
	}{
		{"*.gov.au", "au,gov,"},
		{"*.nla.gov.au", "au,gov,nla,"},
		{"http://EXAMPLE.com/foo/*", "com,example,:80:http:/foo/"},
		{"http://example.com/foo/", "com,example,:80:http:/foo/ "},
		{"http://example.com/", "com,example,:80:http:/ "},
		{"(au,gov,", "au,gov,"},
		{"(au,gov,nla,)", "au,gov,nla,"},
		{"(au,gov,nla,):80:", "au,gov,nla,:80:"},
	}
	for _, c := range cases {
		got, err := PrefixFromPattern(c.pattern)
		require.NoError(t, err, c.pattern)
		require.Equal(t, c.want, got, c.pattern)
	}
}

func TestClosedHostPatternMatchesCaptureKeys(t *testing.T) {
	prefix, err := PrefixFromPattern("(au,gov,nla,):80:")
	require.NoError(t, err)
	surt, err := FromURL("http://nla.gov.au/")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(surt, prefix))
}

func TestPrefixFromPatternPassthrough(t *testing.T) {
	// IP-literal SSURTs start with a digit or bracket and pass through.
	got, err := PrefixFromPattern("192.168.1.1:80:http:/")
	require.NoError(t, err)
	require.Equal(t, "192.168.1.1:80:http:/", got)

	got, err = PrefixFromPattern("[2001:db8::1]:80:http:/")
	require.NoError(t, err)
	require.Equal(t, "[2001:db8::1]:80:http:/", got)
}

func TestPrefixFromPatternErrors(t *testing.T) {
	_, err := PrefixFromPattern("")
	require.ErrorIs(t, err, apierrors.ErrBadUrl)

	_, err = PrefixFromPattern("*.example.com/path")
	require.ErrorIs(t, err, apierrors.ErrBadUrl)
}

func TestExactPatternNeverOverMatches(t *testing.T) {
	exact, err := PrefixFromPattern("http://example.com/foo")
	require.NoError(t, err)
	longer, err := FromURL("http://example.com/foobar")
	require.NoError(t, err)
	require.False(t, len(longer) >= len(exact) && longer[:len(exact)] == exact)
}

func TestScanPrefix(t *testing.T) {
	got, err := ScanPrefix(MatchHost, "http://www.example.com/ignored")
	require.NoError(t, err)
	require.Equal(t, "com,example,www,:", got)

	got, err = ScanPrefix(MatchDomain, "http://example.com/")
	require.NoError(t, err)
	require.Equal(t, "com,example,", got)

	got, err = ScanPrefix(MatchExact, "http://example.com/x")
	require.NoError(t, err)
	require.Equal(t, "com,example,:80:http:/x", got)

	_, err = ScanPrefix("fuzzy", "http://example.com/")
	require.ErrorIs(t, err, apierrors.ErrBadUrl)
}
