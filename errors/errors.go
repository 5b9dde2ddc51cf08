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

package errors

import "errors"

var (
	ErrCollectionDoesNotExist = errors.New("Collection does not exist")
	ErrInvalidCollectionName  = errors.New("invalid collection name")

	ErrBadUrl     = errors.New("malformed url")
	ErrBadCdxLine = errors.New("malformed cdx line")

	ErrCorruptRecord = errors.New("corrupt record")

	ErrRuleDoesNotExist   = errors.New("access rule does not exist")
	ErrPolicyDoesNotExist = errors.New("access policy does not exist")
	ErrInvalidRule        = errors.New("invalid access rule")

	ErrSecondaryReadOnly = errors.New("this node is running in secondary mode to an upstream primary, and will not accept writes")

	ErrStreamClosed = errors.New("client stream closed")
)
