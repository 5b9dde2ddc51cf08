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

package cdx

import (
	"fmt"
	"strings"

	apierrors "github.com/makyo/outbackcdx/errors"
	"github.com/makyo/outbackcdx/ssurt"
	"github.com/makyo/outbackcdx/util"
)

// Alias declares that lookups on one SSURT should be answered with the
// captures of another. Resolution is deliberately single-hop: aliases of
// aliases are not chased.
type Alias struct {
	Alias  string `json:"alias"`
	Target string `json:"target"`
}

// Key and value are simply the raw SSURTs; the key ordering is the
// natural alias ordering. The store copies on write, so the zero-copy
// view is safe here.
func (a *Alias) EncodeKey() []byte   { return util.StringsToBytes(a.Alias) }
func (a *Alias) EncodeValue() []byte { return util.StringsToBytes(a.Target) }

func DecodeAlias(key, value []byte) *Alias {
	return &Alias{Alias: string(key), Target: string(value)}
}

// AliasLinePrefix marks alias declarations in a CDX ingest stream.
const AliasLinePrefix = "@alias "

// FromAliasLine parses "@alias <aliasUrl> <targetUrl>", canonicalising
// both URLs to SSURT.
func FromAliasLine(line string) (*Alias, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: expected '@alias <url> <url>'", apierrors.ErrBadCdxLine)
	}
	aliasSurt, err := ssurt.FromURL(fields[1])
	if err != nil {
		return nil, err
	}
	targetSurt, err := ssurt.FromURL(fields[2])
	if err != nil {
		return nil, err
	}
	return &Alias{Alias: aliasSurt, Target: targetSurt}, nil
}
