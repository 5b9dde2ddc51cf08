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

// Package ssurt canonicalises URLs and renders them in sort-friendly
// forms. The primary form is the SSURT:
//
//	SSURT  = sshost ":" port ":" scheme ":" [userinfo] "/" path ["?" query]
//	sshost = revdomain "," / IPv4address / "[" IPv6address "]"
//
// so http://user@www.example.com:8080/a/b?c=d becomes
//
//	com,example,www,:8080:http:user/a/b?c=d
//
// URLs on the same domain sort together, as do URLs on the same port with
// different schemes, and domain, host, port, scheme and userinfo wildcards
// are all plain string prefixes of the SSURT.
package ssurt

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	apierrors "github.com/makyo/outbackcdx/errors"
)

var dottedIP = regexp.MustCompile(`^[0-9]{1,3}(\.[0-9]{1,3}){3}$`)

var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
	"ftp":   21,
}

// ParsedUrl is the canonicalised decomposition of a URL.
type ParsedUrl struct {
	Scheme   string
	UserInfo string
	Host     string // canonical host, IPv6 hosts keep their brackets
	Port     int
	Path     string // always begins with "/"
	Query    string
	HasQuery bool
}

// Canonicalize parses rawurl and applies the canonicalisation rules: host
// double-dot collapse, trailing-dot strip, IDN to ASCII, lowercasing and
// percent-normalisation; default port by scheme; lowercased scheme; empty
// path to "/"; canonical percent-encoding of path and query.
func Canonicalize(rawurl string) (*ParsedUrl, error) {
	rawurl = strings.TrimSpace(rawurl)
	if rawurl == "" {
		return nil, apierrors.ErrBadUrl
	}
	if !strings.Contains(rawurl, "://") {
		rawurl = "http://" + rawurl
	}
	u, err := url.Parse(rawurl)
	if err != nil || u.Host == "" || u.Scheme == "" {
		return nil, apierrors.ErrBadUrl
	}

	scheme := strings.ToLower(u.Scheme)

	host, err := canonicalizeHost(u.Hostname())
	if err != nil {
		return nil, err
	}

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, apierrors.ErrBadUrl
		}
	} else {
		port = defaultPorts[scheme]
	}

	userinfo := ""
	if u.User != nil {
		userinfo = u.User.String()
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	} else {
		path = canonicalEncoding(path)
	}

	parsed := &ParsedUrl{
		Scheme:   scheme,
		UserInfo: userinfo,
		Host:     host,
		Port:     port,
		Path:     path,
	}
	if u.ForceQuery || u.RawQuery != "" {
		parsed.HasQuery = true
		parsed.Query = canonicalEncoding(u.RawQuery)
	}
	return parsed, nil
}

// FromURL returns the canonical SSURT of rawurl.
func FromURL(rawurl string) (string, error) {
	u, err := Canonicalize(rawurl)
	if err != nil {
		return "", err
	}
	return u.SSURT(), nil
}

// SSURT renders the canonical sort-friendly form.
func (u *ParsedUrl) SSURT() string {
	var b strings.Builder
	b.WriteString(u.SSHost())
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(u.Port))
	b.WriteByte(':')
	b.WriteString(u.Scheme)
	b.WriteByte(':')
	b.WriteString(u.UserInfo)
	b.WriteString(u.Path)
	if u.HasQuery {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}
	return b.String()
}

// SSHost renders only the host portion: the reversed domain for named
// hosts, the address itself for IP literals.
func (u *ParsedUrl) SSHost() string {
	if strings.HasPrefix(u.Host, "[") || dottedIP.MatchString(u.Host) {
		return u.Host
	}
	return ReverseDomain(u.Host)
}

// SURT renders the legacy Heritrix-style form used by the OpenWayback XML
// protocol: scheme://(tld,domain,sub,)/path?query.
func (u *ParsedUrl) SURT() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://(")
	b.WriteString(u.SSHost())
	b.WriteByte(')')
	b.WriteString(u.Path)
	if u.HasQuery {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}
	return b.String()
}

// ReverseDomain turns example.com into com,example, so that subdomains of
// the same registered domain share a prefix.
func ReverseDomain(host string) string {
	var b strings.Builder
	j := len(host)
	i := strings.LastIndexByte(host, '.')
	for i != -1 {
		b.WriteString(host[i+1 : j])
		b.WriteByte(',')
		j = i
		i = strings.LastIndexByte(host[:i], '.')
	}
	b.WriteString(host[:j])
	b.WriteByte(',')
	return b.String()
}

func canonicalizeHost(host string) (string, error) {
	if strings.HasPrefix(host, ":") {
		return "", apierrors.ErrBadUrl
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		// IPv6 literal with brackets stripped by the parser
		host = "[" + host + "]"
	}
	if strings.HasPrefix(host, "[") {
		return strings.ToLower(host), nil
	}
	for strings.Contains(host, "..") {
		host = strings.ReplaceAll(host, "..", ".")
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", apierrors.ErrBadUrl
	}
	ascii, err := idna.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %s", apierrors.ErrBadUrl, err)
	}
	host = strings.ToLower(ascii)
	host = canonicalEncoding(host)
	return strings.TrimSuffix(host, "."), nil
}

// canonicalEncoding fully decodes percent escapes and re-encodes only the
// bytes that cannot appear literally, yielding one stable spelling per
// string.
func canonicalEncoding(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' && i+2 < len(s) {
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if ok1 && ok2 {
				c = hi<<4 | lo
				i += 2
			}
		}
		if mustEscape(c) {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0xf])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

const upperhex = "0123456789ABCDEF"

func mustEscape(c byte) bool {
	if c <= 0x20 || c >= 0x7f {
		return true
	}
	switch c {
	case '"', '#', '%', '<', '>', '\\', '^', '`', '{', '|', '}':
		return true
	}
	return false
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
