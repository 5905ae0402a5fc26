// Package parse detects page encoding, extracts candidate image URLs, and
// discovers same-origin links from fetched HTML. Grounded on
// original_source/crawler/core/async_crawler.py's parsing path.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package parse

import (
	"bytes"
	"mime"
	"regexp"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

var metaCharsetPattern = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([a-zA-Z0-9_-]+)`)
var xmlEncodingPattern = regexp.MustCompile(`(?i)<\?xml[^>]+encoding\s*=\s*["']([a-zA-Z0-9_-]+)["']`)

// sniffWindow is how many leading bytes the meta/XML scans examine, matching
// the original's "sniff before full parse" approach.
const sniffWindow = 1024

// DetectEncoding runs the §4.4 encoding-detection pipeline over body using
// contentTypeHeader (the HTTP response's raw Content-Type, may be empty) as
// the first signal, and returns the name of the detected encoding alongside
// the UTF-8 decoding of body.
func DetectEncoding(body []byte, contentTypeHeader string) (name string, utf8Body []byte) {
	if cs := charsetFromHeader(contentTypeHeader); cs != "" {
		if decoded, ok := decodeAs(body, cs); ok {
			return cs, decoded
		}
	}

	if cs, decoded, ok := bomSniff(body); ok {
		return cs, decoded
	}

	window := body
	if len(window) > sniffWindow {
		window = window[:sniffWindow]
	}
	if m := metaCharsetPattern.FindSubmatch(window); m != nil {
		cs := string(m[1])
		if decoded, ok := decodeAs(body, cs); ok {
			return cs, decoded
		}
	}
	if m := xmlEncodingPattern.FindSubmatch(window); m != nil {
		cs := string(m[1])
		if decoded, ok := decodeAs(body, cs); ok {
			return cs, decoded
		}
	}

	if looksLikeGBK(body) {
		if decoded, ok := decodeAs(body, "gbk"); ok {
			return "gbk", decoded
		}
	}

	if cs, ok := detectStatistically(body); ok {
		if decoded, ok := decodeAs(body, cs); ok {
			return cs, decoded
		}
	}

	for _, cs := range []string{"utf-8", "gbk", "gb2312", "big5", "iso-8859-1", "windows-1252"} {
		if decoded, ok := decodeAs(body, cs); ok {
			return cs, decoded
		}
	}

	return "utf-8", dropInvalidUTF8(body)
}

func charsetFromHeader(contentTypeHeader string) string {
	if contentTypeHeader == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentTypeHeader)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// bomSniff detects a UTF-8 or UTF-16 byte-order mark in the first few bytes.
func bomSniff(body []byte) (name string, utf8Body []byte, ok bool) {
	switch {
	case bytes.HasPrefix(body, []byte{0xEF, 0xBB, 0xBF}):
		return "utf-8-sig", body[3:], true
	case bytes.HasPrefix(body, []byte{0xFF, 0xFE}):
		decoded, derr := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(body[2:])
		return "utf-16le", decoded, derr == nil
	case bytes.HasPrefix(body, []byte{0xFE, 0xFF}):
		decoded, derr := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder().Bytes(body[2:])
		return "utf-16be", decoded, derr == nil
	}
	return "", nil, false
}

// looksLikeGBK applies the classic lead/trail byte-range heuristic: a lead
// byte in 0x81-0xFE followed by a trail byte in {0x40-0xFE} \ {0x7F}.
func looksLikeGBK(body []byte) bool {
	for i := 0; i < len(body)-1; i++ {
		b0, b1 := body[i], body[i+1]
		if b0 >= 0x81 && b0 <= 0xFE && ((b1 >= 0x40 && b1 <= 0x7E) || (b1 >= 0x80 && b1 <= 0xFE)) {
			return true
		}
	}
	return false
}

func detectStatistically(body []byte) (string, bool) {
	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(body)
	if err != nil || result == nil {
		return "", false
	}
	if result.Confidence < 70 {
		return "", false
	}
	return result.Charset, true
}

var encodingsByName = map[string]encoding.Encoding{
	"utf-8":         encoding.Nop,
	"utf8":          encoding.Nop,
	"gbk":           simplifiedchinese.GBK,
	"gb2312":        simplifiedchinese.GBK,
	"gb18030":       simplifiedchinese.GB18030,
	"big5":          traditionalchinese.Big5,
	"iso-8859-1":    charmap.ISO8859_1,
	"latin1":        charmap.ISO8859_1,
	"windows-1252":  charmap.Windows1252,
	"shift_jis":     japanese.ShiftJIS,
	"euc-jp":        japanese.EUCJP,
}

func decodeAs(body []byte, name string) ([]byte, bool) {
	cs := normalizeCharsetName(name)
	enc, ok := encodingsByName[cs]
	if !ok {
		return nil, false
	}
	// encoding.Nop (utf-8/utf8) copies bytes through without ever erroring,
	// so a mislabeled non-UTF-8 page would otherwise "succeed" here and
	// silently corrupt the body; validate explicitly instead of trusting
	// the decoder's (nonexistent) error return.
	if enc == encoding.Nop {
		if !utf8.Valid(body) {
			return nil, false
		}
		return body, true
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, false
	}
	return out, true
}

func normalizeCharsetName(name string) string {
	switch name {
	case "UTF-8", "Utf-8":
		return "utf-8"
	default:
		return name
	}
}

// dropInvalidUTF8 is the last-resort decode: keep every valid UTF-8 rune,
// drop the rest, matching the original's errors="ignore" behavior.
func dropInvalidUTF8(body []byte) []byte {
	if utf8.Valid(body) {
		return body
	}
	out := make([]byte, 0, len(body))
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size == 1 {
			body = body[1:]
			continue
		}
		out = append(out, body[:size]...)
		body = body[size:]
	}
	return out
}
