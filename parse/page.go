package parse

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/NVIDIA/imgcrawld/urlx"
)

// imageAttrPriority is the full attribute-priority order from §4.4: lazy-load
// attributes are consulted before srcset, and plain src is consulted last,
// since src is the attribute most often holding a low-resolution placeholder
// behind a lazy-load library.
var imageAttrPriority = []string{
	"data-original", "data-src", "data-lazy-src", "data-lazy", "data-url",
	"data-img", "data-image", "data-large", "data-full", "data-hd",
	"data-hi-res", "data-zoom", "data-thumb", "data-preview",
	"srcset", "src",
}

var backgroundImagePattern = regexp.MustCompile(`background-image\s*:\s*url\(\s*['"]?([^'")]+)['"]?\s*\)`)

var skipLinkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^javascript:`),
	regexp.MustCompile(`(?i)^mailto:`),
	regexp.MustCompile(`(?i)^tel:`),
	regexp.MustCompile(`(?i)^#`),
}

// Page is the result of parsing one fetched HTML document: every candidate
// image URL found (already absolutized and deduplicated) and every
// same-origin link worth crawling further.
type Page struct {
	Images []string
	Links  []string
}

// Parse walks html (already decoded to UTF-8) rooted at pageURL, discovering
// image and link candidates per §4.4.
func Parse(html []byte, pageURL string) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return Page{}, err
	}

	images := newOrderedSet()
	doc.Find("img, picture source, div, span, a").Each(func(_ int, sel *goquery.Selection) {
		// Take the first attribute in priority order that yields at least one
		// image candidate and stop there -- an element only contributes the
		// image its highest-priority attribute names, never every attribute
		// that happens to resolve to something image-shaped (a placeholder
		// src sitting behind a lazy-load data-original must not also count).
		// srcset is the exception: it legitimately carries several
		// resolution-variant candidates at once, so a srcset hit doesn't
		// stop the walk before the lower-priority src is also considered.
		for _, attr := range imageAttrPriority {
			v, ok := sel.Attr(attr)
			if !ok || v == "" {
				continue
			}
			if addCandidateURLs(images, pageURL, v) && attr != "srcset" {
				break
			}
		}
		if style, ok := sel.Attr("style"); ok {
			if m := backgroundImagePattern.FindStringSubmatch(style); m != nil {
				addCandidateURLs(images, pageURL, m[1])
			}
		}
	})

	links := newOrderedSet()
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" || shouldSkipLink(href) {
			return
		}
		abs := urlx.ToAbsolute(pageURL, href)
		if abs == "" || !urlx.IsValid(abs) || !urlx.IsSameOrigin(pageURL, abs) {
			return
		}
		links.add(abs)
	})

	return Page{Images: images.values(), Links: links.values()}, nil
}

// addCandidateURLs resolves v (which may be a plain URL or a srcset list of
// "url size, url size") against pageURL and records every resulting image
// candidate in set. Reports whether at least one candidate was added, so
// callers walking attributes in priority order know whether this attribute
// counts as the element's image hit.
func addCandidateURLs(set *orderedSet, pageURL, v string) bool {
	added := false
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// srcset entries look like "url 2x" or "url 800w"; take just the URL.
		raw := part
		if fields := strings.Fields(part); len(fields) > 0 {
			raw = fields[0]
		}
		abs := urlx.ToAbsolute(pageURL, raw)
		if abs == "" || !urlx.IsValid(abs) {
			continue
		}
		if urlx.IsImage(abs, false, nil) {
			set.add(abs)
			added = true
		}
	}
	return added
}

func shouldSkipLink(href string) bool {
	for _, p := range skipLinkPatterns {
		if p.MatchString(href) {
			return true
		}
	}
	return false
}

// orderedSet preserves first-seen order while deduplicating, matching the
// crawl result's "stable order of discovery" expectation.
type orderedSet struct {
	seen  map[string]struct{}
	order []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(v string) {
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.order = append(s.order, v)
}

func (s *orderedSet) values() []string {
	return s.order
}
