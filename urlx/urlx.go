// Package urlx normalizes, classifies, and derives filenames from crawled
// URLs. Grounded on original_source/crawler/utils/url_parser.py, ported to
// Go's net/url rather than Python's urllib.parse.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package urlx

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// ImageExtensions are the file extensions treated as images outright,
// without consulting the pattern tables below.
var ImageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".bmp": true, ".tiff": true, ".tif": true, ".svg": true, ".ico": true,
}

// imagePatterns recognizes both static image paths and the dynamic,
// extensionless image URLs common on CDNs and image-processing APIs (e.g.
// haowallpaper.com's getCroppingImg endpoint, scenario S2 in spec §8).
var imagePatterns = compilePatterns([]string{
	`.*\.(jpg|jpeg|png|gif|webp|bmp|tiff|tif|svg|ico)(\?.*)?$`,
	`.*/images?/.*`,
	`.*/img/.*`,
	`.*/photos?/.*`,
	`.*/pictures?/.*`,
	`.*/gallery/.*`,
	`.*/media/.*\.(jpg|jpeg|png|gif|webp|bmp|tiff|tif|svg|ico)`,
	`.*/getCroppingImg/.*`,
	`.*/getImage/.*`,
	`.*/image/.*`,
	`.*/thumbnail/.*`,
	`.*/resize/.*`,
	`.*/crop/.*`,
	`.*/photo/.*`,
	`.*/picture/.*`,
	`.*/wallpaper/.*`,
	`.*/avatar/.*`,
	`.*/cover/.*`,
	`.*/banner/.*`,
	`.*/api/.*/(image|img|photo|picture)/.*`,
	`.*/v\d+/(image|img|photo|picture)/.*`,
	`.*/(image|img|photo|picture|wallpaper|avatar|cover|banner).*\d+.*`,
	`.*\.cloudfront\.net/.*`,
	`.*\.amazonaws\.com/.*\.(jpg|jpeg|png|gif|webp|bmp)`,
	`.*\.qiniudn\.com/.*`,
	`.*\.aliyuncs\.com/.*`,
})

var excludePatterns = compilePatterns([]string{
	`.*\.(css|js|xml|txt|pdf|doc|docx|xls|xlsx|zip|rar)(\?.*)?$`,
	`.*/ads?/.*`,
	`.*/advertisement/.*`,
	`.*\b(thumb|thumbnail|icon|favicon)\b.*`,
	`.*data:image/.*`,
	`.*javascript:.*`,
	`.*mailto:.*`,
	`.*tel:.*`,
})

// imageKeywords flags a URL as a "potential dynamic image" worth a deep,
// Content-Type-checking HEAD request when deep classification is requested.
var imageKeywords = []string{
	"image", "img", "photo", "picture", "wallpaper", "avatar",
	"cover", "banner", "thumbnail", "thumb", "crop", "resize",
	"getcroppingimg", "getimage",
}

var apiVersionPattern = regexp.MustCompile(`/v\d+/`)
var numericIDPattern = regexp.MustCompile(`/\d{8,}`)

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile("(?i)" + p)
	}
	return out
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Normalize lowercases the host, strips default ports, drops the fragment,
// and forces https when no scheme is present. A reference starting with "/"
// (root-relative or protocol-relative) is left without a scheme. It is
// idempotent: Normalize(Normalize(u)) == Normalize(u).
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = u.Host[:len(u.Host)-len(":80")]
	} else if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = u.Host[:len(u.Host)-len(":443")]
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	return u.String()
}

// ExtractDomain returns the lowercased host of a URL, or "" on failure.
func ExtractDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// ToAbsolute resolves a relative, protocol-relative, or already-absolute URL
// against base, then normalizes the result. Holds
// ToAbsolute(base, Normalize(u)) == ToAbsolute(base, u) for absolute,
// root-relative and protocol-relative u, since Normalize is idempotent and
// keeps the last two relative. A bare relative path such as "a.jpg" is read
// by Normalize as a host name, so the equality does not hold for it.
func ToAbsolute(base, raw string) string {
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return Normalize(raw)
	}
	baseURL, err := url.Parse(Normalize(base))
	if err != nil {
		return ""
	}
	if strings.HasPrefix(raw, "//") {
		return Normalize(baseURL.Scheme + ":" + raw)
	}
	rel, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return Normalize(baseURL.ResolveReference(rel).String())
}

// IsValid reports whether a URL has an http(s) scheme, a host, and is under
// the 2048-character limit common to browsers and most web servers.
func IsValid(raw string) bool {
	if raw == "" || len(raw) >= 2048 {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsImage classifies a URL as an image by extension or by one of the known
// dynamic-image path patterns, having first rejected anything matching the
// exclude table. When deep is true and the URL looks like a potential
// dynamic image, headFn (typically a Session.Head) is consulted for its
// Content-Type; headFn may be nil, in which case deep classification is
// skipped.
func IsImage(raw string, deep bool, headFn func(string) (contentType string, err error)) bool {
	if raw == "" {
		return false
	}
	if matchesAny(excludePatterns, raw) {
		return false
	}
	u, err := url.Parse(raw)
	if err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if ImageExtensions[ext] {
			return true
		}
	}
	if matchesAny(imagePatterns, raw) {
		return true
	}
	if deep && headFn != nil && isPotentialDynamicImage(raw) {
		ct, err := headFn(raw)
		if err != nil {
			return false
		}
		return isImageContentType(ct)
	}
	return false
}

func isPotentialDynamicImage(raw string) bool {
	lower := strings.ToLower(raw)
	for _, kw := range imageKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	if strings.Contains(lower, "/api/") || apiVersionPattern.MatchString(raw) {
		return true
	}
	return numericIDPattern.MatchString(raw)
}

var imageContentTypes = []string{
	"image/jpeg", "image/jpg", "image/png", "image/gif",
	"image/webp", "image/bmp", "image/tiff", "image/svg+xml",
}

func isImageContentType(contentType string) bool {
	lower := strings.ToLower(contentType)
	for _, t := range imageContentTypes {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// IsSameOrigin reports whether raw shares a host with base.
func IsSameOrigin(base, raw string) bool {
	return ExtractDomain(raw) == ExtractDomain(base)
}

// ExtractFilename returns the basename of the URL's path when it carries an
// extension, otherwise a deterministic image_<md5[:8]>.jpg fallback,
// matching the original's extract_filename exactly.
func ExtractFilename(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err == nil && u.Path != "" && u.Path != "/" {
		base := path.Base(u.Path)
		if base != "" && strings.Contains(base, ".") {
			return base
		}
	}
	sum := md5.Sum([]byte(raw))
	return fmt.Sprintf("image_%s.jpg", hex.EncodeToString(sum[:])[:8])
}
