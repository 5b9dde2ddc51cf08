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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/makyo/outbackcdx/errors"
)

func sampleCapture() *Capture {
	return &Capture{
		UrlKey:      "com,example,:80:http:/foo/",
		Timestamp:   20200101123059,
		OriginalUrl: "http://example.com/foo/",
		MimeType:    "text/html",
		Status:      200,
		Digest:      "SHA1SHA1SHA1SHA1SHA1SHA1SHA1SHA1",
		RedirectUrl: "-",
		RobotFlags:  "-",
		Length:      2500,
		Offset:      1024,
		File:        "archive-0001.warc.gz",
	}
}

func TestCaptureRoundTrip(t *testing.T) {
	c := sampleCapture()
	decoded, err := DecodeCapture(c.EncodeKey(), c.EncodeValue())
	require.NoError(t, err)
	require.Equal(t, c, decoded)
}

func TestCaptureRoundTripEmptyFields(t *testing.T) {
	c := &Capture{UrlKey: "com,example,:80:http:/", Timestamp: 19960101000000}
	decoded, err := DecodeCapture(c.EncodeKey(), c.EncodeValue())
	require.NoError(t, err)
	require.Equal(t, c, decoded)
}

func TestKeyOrderFollowsUrlKey(t *testing.T) {
	a := &Capture{UrlKey: "com,example,:80:http:/a", Timestamp: 20200101000000}
	b := &Capture{UrlKey: "com,example,:80:http:/b", Timestamp: 20200101000000}
	require.Negative(t, bytes.Compare(a.EncodeKey(), b.EncodeKey()))
}

func TestKeyOrderFollowsTimestamp(t *testing.T) {
	a := &Capture{UrlKey: "com,example,:80:http:/", Timestamp: 20200101000000}
	b := &Capture{UrlKey: "com,example,:80:http:/", Timestamp: 20210101000000}
	require.Negative(t, bytes.Compare(a.EncodeKey(), b.EncodeKey()))
}

func TestShortUrlKeySortsBeforeLonger(t *testing.T) {
	// The separator byte is below every canonical SSURT byte, so /foo
	// with any timestamp sorts before /foo/bar.
	short := &Capture{UrlKey: "com,example,:80:http:/foo", Timestamp: 99999999999999}
	long := &Capture{UrlKey: "com,example,:80:http:/foo/bar", Timestamp: 0}
	require.Negative(t, bytes.Compare(short.EncodeKey(), long.EncodeKey()))
}

func TestDecodeCaptureCorrupt(t *testing.T) {
	c := sampleCapture()
	_, err := DecodeCapture([]byte("no separator here"), c.EncodeValue())
	require.ErrorIs(t, err, apierrors.ErrCorruptRecord)

	_, err = DecodeCapture(c.EncodeKey(), []byte{0xff, 0xff})
	require.ErrorIs(t, err, apierrors.ErrCorruptRecord)
}

func TestDecodeCaptureToleratesTrailingBytes(t *testing.T) {
	c := sampleCapture()
	value := append(c.EncodeValue(), 0xde, 0xad)
	decoded, err := DecodeCapture(c.EncodeKey(), value)
	require.NoError(t, err)
	require.Equal(t, c, decoded)
}

const line11 = "- 20200101123059 http://example.com/foo/ text/html 200 SHA1SHA1SHA1SHA1SHA1SHA1SHA1SHA1 - X 2500 1024 archive-0001.warc.gz"

func TestFromCdxLine11Fields(t *testing.T) {
	c, err := FromCdxLine(line11)
	require.NoError(t, err)
	require.Equal(t, "com,example,:80:http:/foo/", c.UrlKey)
	require.Equal(t, int64(20200101123059), c.Timestamp)
	require.Equal(t, 200, c.Status)
	require.Equal(t, "X", c.RobotFlags)
	require.Equal(t, int64(2500), c.Length)
	require.Equal(t, int64(1024), c.Offset)
	require.Equal(t, "archive-0001.warc.gz", c.File)
}

func TestFromCdxLine10Fields(t *testing.T) {
	line := "- 20200101123059 http://example.com/ text/html 200 DIGEST - 2500 1024 file.warc.gz"
	c, err := FromCdxLine(line)
	require.NoError(t, err)
	require.Equal(t, "-", c.RobotFlags)
	require.Equal(t, int64(2500), c.Length)
	require.Equal(t, int64(1024), c.Offset)
}

func TestFromCdxLine9Fields(t *testing.T) {
	line := "- 20200101123059 http://example.com/ text/html 200 DIGEST - 1024 file.warc.gz"
	c, err := FromCdxLine(line)
	require.NoError(t, err)
	require.Zero(t, c.Length)
	require.Equal(t, int64(1024), c.Offset)
}

func TestFromCdxLineDashStatus(t *testing.T) {
	line := "- 20200101123059 http://example.com/ warc/revisit - DIGEST - 2500 1024 file.warc.gz"
	c, err := FromCdxLine(line)
	require.NoError(t, err)
	require.Zero(t, c.Status)
}

func TestFromCdxLineErrors(t *testing.T) {
	for _, line := range []string{
		"too few fields",
		"- notadate http://example.com/ text/html 200 D - 1 2 f.warc.gz",
		"- 20200101123059 http://example.com/ text/html abc D - 1 2 f.warc.gz",
		"- 20200101123059 http://example.com/ text/html 200 D - 1 xyz f.warc.gz",
	} {
		_, err := FromCdxLine(line)
		require.ErrorIs(t, err, apierrors.ErrBadCdxLine, "%q", line)
	}

	_, err := FromCdxLine("- 20200101123059 http:// text/html 200 D - 1 2 f.warc.gz")
	require.ErrorIs(t, err, apierrors.ErrBadUrl)
}

func TestToCdxLineRoundTrip(t *testing.T) {
	c, err := FromCdxLine(line11)
	require.NoError(t, err)
	reparsed, err := FromCdxLine(c.ToCdxLine())
	require.NoError(t, err)
	require.Equal(t, c, reparsed)
}

func TestFromAliasLine(t *testing.T) {
	a, err := FromAliasLine("@alias http://www.example.com/ http://example.com/")
	require.NoError(t, err)
	require.Equal(t, "com,example,www,:80:http:/", a.Alias)
	require.Equal(t, "com,example,:80:http:/", a.Target)

	_, err = FromAliasLine("@alias http://example.com/")
	require.ErrorIs(t, err, apierrors.ErrBadCdxLine)
}

func TestTimestamps(t *testing.T) {
	ts, err := ParseTimestamp("20200101123059")
	require.NoError(t, err)
	require.Equal(t, int64(20200101123059), ts)
	require.Equal(t, "20200101123059", FormatTimestamp(ts))
	require.Equal(t, "00000101000000", FormatTimestamp(101000000))

	_, err = ParseTimestamp("2020")
	require.ErrorIs(t, err, apierrors.ErrBadCdxLine)
	_, err = ParseTimestamp("2020010112305x")
	require.ErrorIs(t, err, apierrors.ErrBadCdxLine)
}
