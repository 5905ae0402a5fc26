// Package classify implements the peripheral image classifier: filename/
// size heuristics, a quality score, tag generation, and exact-duplicate
// detection by md5. Grounded on
// original_source/crawler/utils/image_classifier.py, trimmed per spec's
// explicit Non-goals to drop the optional content/color-based
// classification path (it depended on decoding full images with PIL+numpy
// for a coarse, rarely-useful "dominant color" heuristic) while keeping
// filename/size classification, quality scoring, and tagging.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package classify

import (
	"regexp"
	"sort"
	"strings"
)

// SizeRule bounds a size-based category; zero Max* means unbounded.
type SizeRule struct {
	Category  string
	MinWidth  int
	MaxWidth  int
	MinHeight int
	MaxHeight int
}

// Classifier holds compiled filename keyword rules and size rules. Safe
// for concurrent use: all state is read-only after New.
type Classifier struct {
	filenameRules map[string][]*regexp.Regexp
	sizeRules     []SizeRule
}

// New compiles filenameKeywords (category -> keyword list, matched as
// whole words, case-insensitively against "filename url", where any
// character other than an ASCII letter or digit -- underscore included --
// separates words) and sizeRules (checked in order, first match wins) into
// a Classifier.
func New(filenameKeywords map[string][]string, sizeRules []SizeRule) *Classifier {
	c := &Classifier{filenameRules: make(map[string][]*regexp.Regexp, len(filenameKeywords)), sizeRules: sizeRules}
	for category, keywords := range filenameKeywords {
		patterns := make([]*regexp.Regexp, 0, len(keywords))
		for _, kw := range keywords {
			patterns = append(patterns, regexp.MustCompile(`(?i)(?:^|[^a-z0-9])`+regexp.QuoteMeta(kw)+`(?:$|[^a-z0-9])`))
		}
		c.filenameRules[category] = patterns
	}
	return c
}

// Image is the subset of an images-table row the classifier needs.
type Image struct {
	Filename  string
	URL       string
	Width     int
	Height    int
	FileSize  int64
	Format    string // "jpeg", "png", ...
	MD5Hash   string
}

// Result is one classification pass over an Image.
type Result struct {
	Categories         []string
	PrimaryCategory    string
	Confidence         float64
	Tags               []string
	QualityScore       float64
	ClassificationMethod []string
}

// Classify runs filename and size classification (content/color
// classification is a declared Non-goal) and assesses quality/tags.
func (c *Classifier) Classify(img Image) Result {
	var res Result

	if cat, conf := c.classifyByFilename(img); cat != "" {
		res.Categories = append(res.Categories, cat)
		res.ClassificationMethod = append(res.ClassificationMethod, "filename")
		res.Confidence = max(res.Confidence, conf)
	}
	if cat, conf := c.classifyBySize(img); cat != "" {
		res.Categories = append(res.Categories, cat)
		res.ClassificationMethod = append(res.ClassificationMethod, "size")
		res.Confidence = max(res.Confidence, conf)
	}

	if len(res.Categories) > 0 {
		res.PrimaryCategory = res.Categories[0]
	} else {
		res.PrimaryCategory = "uncategorized"
	}

	res.QualityScore = c.assessQuality(img)
	res.Tags = c.generateTags(img, res)
	return res
}

func (c *Classifier) classifyByFilename(img Image) (category string, confidence float64) {
	text := strings.ToLower(img.Filename + " " + img.URL)

	// Deterministic order: Go map iteration is randomized, but ties must
	// resolve the same way every run, so sort candidate categories first.
	names := make([]string, 0, len(c.filenameRules))
	for name := range c.filenameRules {
		names = append(names, name)
	}
	sort.Strings(names)

	var best string
	var bestConfidence float64
	for _, name := range names {
		patterns := c.filenameRules[name]
		matches := 0
		for _, p := range patterns {
			if p.MatchString(text) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		conf := float64(matches) / float64(len(patterns))
		if conf > 1 {
			conf = 1
		}
		if conf > bestConfidence {
			best, bestConfidence = name, conf
		}
	}
	return best, bestConfidence
}

func (c *Classifier) classifyBySize(img Image) (category string, confidence float64) {
	if img.Width == 0 || img.Height == 0 {
		return "", 0
	}
	for _, rule := range c.sizeRules {
		if rule.MinWidth > 0 && img.Width < rule.MinWidth {
			continue
		}
		if rule.MaxWidth > 0 && img.Width > rule.MaxWidth {
			continue
		}
		if rule.MinHeight > 0 && img.Height < rule.MinHeight {
			continue
		}
		if rule.MaxHeight > 0 && img.Height > rule.MaxHeight {
			continue
		}
		return rule.Category, 0.8
	}
	return "", 0
}

// assessQuality scores [0,1] from resolution, aspect ratio, file size,
// and format, the same weighted-additive scheme as _assess_quality.
func (c *Classifier) assessQuality(img Image) float64 {
	var score float64

	if img.Width > 0 && img.Height > 0 {
		resolution := img.Width * img.Height
		switch {
		case resolution >= 1920*1080:
			score += 0.4
		case resolution >= 1280*720:
			score += 0.3
		case resolution >= 640*480:
			score += 0.2
		default:
			score += 0.1
		}

		aspect := float64(img.Width) / float64(img.Height)
		switch {
		case aspect >= 1.3 && aspect <= 1.8:
			score += 0.2
		case aspect >= 0.7 && aspect <= 2.5:
			score += 0.1
		}
	}

	switch {
	case img.FileSize >= 500*1024:
		score += 0.2
	case img.FileSize >= 100*1024:
		score += 0.1
	}

	switch strings.ToLower(img.Format) {
	case "png", "jpg", "jpeg":
		score += 0.2
	case "webp", "bmp":
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	return score
}

// generateTags mirrors _generate_tags: category, resolution/orientation,
// format, and quality-band tags, deduplicated.
func (c *Classifier) generateTags(img Image, res Result) []string {
	seen := make(map[string]struct{})
	var tags []string
	add := func(tag string) {
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	add(res.PrimaryCategory)

	if img.Width > 0 && img.Height > 0 {
		switch {
		case img.Width >= 1920 && img.Height >= 1080:
			add("hi-res")
		case img.Width <= 300 || img.Height <= 300:
			add("small")
		}
		switch {
		case float64(img.Width) > float64(img.Height)*1.5:
			add("landscape")
		case float64(img.Height) > float64(img.Width)*1.5:
			add("portrait")
		default:
			add("square")
		}
	}

	if img.Format != "" {
		add(strings.ToUpper(img.Format))
	}

	switch {
	case res.QualityScore >= 0.8:
		add("high-quality")
	case res.QualityScore <= 0.3:
		add("low-quality")
	}

	return tags
}

// DetectDuplicates groups images by exact md5 match, the same
// hash-bucket approach as detect_duplicates (perceptual/near-duplicate
// detection is a declared Non-goal).
func DetectDuplicates(images []Image) map[string][]Image {
	groups := make(map[string][]Image)
	for _, img := range images {
		if img.MD5Hash == "" {
			continue
		}
		groups[img.MD5Hash] = append(groups[img.MD5Hash], img)
	}
	for hash, group := range groups {
		if len(group) < 2 {
			delete(groups, hash)
		}
	}
	return groups
}
