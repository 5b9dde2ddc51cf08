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

// Package cdx defines the capture and alias records of the index and their
// binary codecs. Keys are crafted so that a raw byte comparison orders
// captures by (urlKey, timestamp) and aliases by source SSURT.
package cdx

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	apierrors "github.com/makyo/outbackcdx/errors"
	"github.com/makyo/outbackcdx/ssurt"
)

// Capture is one observation of one URL at one instant, pointing into a
// WARC file.
type Capture struct {
	UrlKey      string `json:"urlkey"`
	Timestamp   int64  `json:"timestamp"`
	OriginalUrl string `json:"original"`
	MimeType    string `json:"mimetype"`
	Status      int    `json:"status"`
	Digest      string `json:"digest"`
	RedirectUrl string `json:"redirecturl"`
	RobotFlags  string `json:"robotflags"`
	Length      int64  `json:"length"`
	Offset      int64  `json:"offset"`
	File        string `json:"filename"`
}

// KeySeparator splits the urlKey from the timestamp inside a capture key.
// A zero byte cannot occur in a canonical SSURT, so a short urlKey can
// never alias into a longer one's timestamp bytes.
const KeySeparator = 0x00

// EncodeKey renders urlKey ∥ 0x00 ∥ big-endian timestamp. Big-endian
// keeps lexicographic and numeric order in agreement.
func (c *Capture) EncodeKey() []byte {
	key := make([]byte, 0, len(c.UrlKey)+9)
	key = append(key, c.UrlKey...)
	key = append(key, KeySeparator)
	key = binary.BigEndian.AppendUint64(key, uint64(c.Timestamp))
	return key
}

// EncodeValue renders the remaining fields as length-prefixed strings and
// fixed-width big-endian integers in a stable order. Decoders tolerate
// unknown trailing bytes so fields can be appended later.
func (c *Capture) EncodeValue() []byte {
	b := make([]byte, 0, 64)
	b = appendString(b, c.OriginalUrl)
	b = binary.BigEndian.AppendUint16(b, uint16(c.Status))
	b = appendString(b, c.MimeType)
	b = appendString(b, c.Digest)
	b = appendString(b, c.RedirectUrl)
	b = appendString(b, c.RobotFlags)
	b = binary.BigEndian.AppendUint64(b, uint64(c.Length))
	b = binary.BigEndian.AppendUint64(b, uint64(c.Offset))
	b = appendString(b, c.File)
	return b
}

// DecodeCapture reconstructs a capture from its key and value bytes.
// Malformed input surfaces as ErrCorruptRecord, never as a missing
// record.
func DecodeCapture(key, value []byte) (*Capture, error) {
	sep := -1
	for i := len(key) - 9; i >= 0; i-- {
		if key[i] == KeySeparator {
			sep = i
			break
		}
	}
	if sep < 0 || len(key) != sep+9 {
		return nil, fmt.Errorf("%w: capture key %q", apierrors.ErrCorruptRecord, key)
	}
	c := &Capture{
		UrlKey:    string(key[:sep]),
		Timestamp: int64(binary.BigEndian.Uint64(key[sep+1:])),
	}

	d := decoder{buf: value}
	c.OriginalUrl = d.str()
	c.Status = int(d.u16())
	c.MimeType = d.str()
	c.Digest = d.str()
	c.RedirectUrl = d.str()
	c.RobotFlags = d.str()
	c.Length = int64(d.u64())
	c.Offset = int64(d.u64())
	c.File = d.str()
	if d.err {
		return nil, fmt.Errorf("%w: capture value for key %q", apierrors.ErrCorruptRecord, key)
	}
	return c, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

type decoder struct {
	buf []byte
	err bool
}

func (d *decoder) str() string {
	n, used := binary.Uvarint(d.buf)
	if used <= 0 || uint64(len(d.buf)-used) < n {
		d.err = true
		return ""
	}
	s := string(d.buf[used : used+int(n)])
	d.buf = d.buf[used+int(n):]
	return s
}

func (d *decoder) u16() uint16 {
	if len(d.buf) < 2 {
		d.err = true
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return v
}

func (d *decoder) u64() uint64 {
	if len(d.buf) < 8 {
		d.err = true
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

// FromCdxLine parses one space-separated legacy CDX line. The urlKey field
// is recomputed from the original URL rather than trusted; tools disagree
// about its canonicalisation. 11-field lines carry robot flags, 10-field
// lines omit them, 9-field lines omit the length as well.
func FromCdxLine(line string) (*Capture, error) {
	fields := strings.Fields(line)
	if len(fields) < 9 || len(fields) > 11 {
		return nil, fmt.Errorf("%w: expected 9-11 fields, got %d", apierrors.ErrBadCdxLine, len(fields))
	}

	c := &Capture{
		OriginalUrl: fields[2],
		MimeType:    fields[3],
		Digest:      fields[5],
		RedirectUrl: fields[6],
		RobotFlags:  "-",
	}

	timestamp, err := ParseTimestamp(fields[1])
	if err != nil {
		return nil, err
	}
	c.Timestamp = timestamp

	if fields[4] != "-" {
		c.Status, err = strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("%w: bad status %q", apierrors.ErrBadCdxLine, fields[4])
		}
	}

	n := len(fields)
	c.File = fields[n-1]
	c.Offset, err = strconv.ParseInt(fields[n-2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad offset %q", apierrors.ErrBadCdxLine, fields[n-2])
	}
	if n >= 10 && fields[n-3] != "-" {
		c.Length, err = strconv.ParseInt(fields[n-3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad length %q", apierrors.ErrBadCdxLine, fields[n-3])
		}
	}
	if n == 11 {
		c.RobotFlags = fields[7]
	}

	c.UrlKey, err = ssurt.FromURL(c.OriginalUrl)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ToCdxLine renders the capture in 11-field legacy order.
func (c *Capture) ToCdxLine() string {
	status := "-"
	if c.Status != 0 {
		status = strconv.Itoa(c.Status)
	}
	return strings.Join([]string{
		c.UrlKey,
		FormatTimestamp(c.Timestamp),
		c.OriginalUrl,
		c.MimeType,
		status,
		c.Digest,
		c.RedirectUrl,
		c.RobotFlags,
		strconv.FormatInt(c.Length, 10),
		strconv.FormatInt(c.Offset, 10),
		c.File,
	}, " ")
}

// ParseTimestamp validates a 14-digit arc timestamp (yyyyMMddHHmmss).
func ParseTimestamp(s string) (int64, error) {
	if len(s) != 14 {
		return 0, fmt.Errorf("%w: timestamp %q is not 14 digits", apierrors.ErrBadCdxLine, s)
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: timestamp %q", apierrors.ErrBadCdxLine, s)
	}
	return ts, nil
}

// FormatTimestamp renders the 14-digit form, zero padded.
func FormatTimestamp(ts int64) string {
	return fmt.Sprintf("%014d", ts)
}
