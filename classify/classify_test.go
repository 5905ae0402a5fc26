package classify

import "testing"

func testClassifier() *Classifier {
	return New(
		map[string][]string{
			"nature": {"forest", "mountain"},
			"people": {"portrait", "crowd"},
		},
		[]SizeRule{
			{Category: "thumbnail", MaxWidth: 200, MaxHeight: 200},
			{Category: "hero", MinWidth: 1920, MinHeight: 1080},
		},
	)
}

func TestClassifyByFilename(t *testing.T) {
	c := testClassifier()
	res := c.Classify(Image{Filename: "mountain_sunrise.jpg", Width: 800, Height: 600, Format: "jpeg"})
	if res.PrimaryCategory != "nature" {
		t.Fatalf("expected nature category, got %s", res.PrimaryCategory)
	}
	if res.Confidence <= 0 {
		t.Errorf("expected positive confidence, got %v", res.Confidence)
	}
}

func TestClassifyBySizeThumbnail(t *testing.T) {
	c := testClassifier()
	res := c.Classify(Image{Filename: "x.jpg", Width: 150, Height: 150, Format: "jpeg"})
	if res.PrimaryCategory != "thumbnail" {
		t.Fatalf("expected thumbnail category, got %s", res.PrimaryCategory)
	}
}

func TestClassifyUncategorizedWithoutMatch(t *testing.T) {
	c := testClassifier()
	res := c.Classify(Image{Filename: "random.jpg", Width: 500, Height: 500, Format: "jpeg"})
	if res.PrimaryCategory != "uncategorized" {
		t.Fatalf("expected uncategorized, got %s", res.PrimaryCategory)
	}
}

func TestAssessQualityHighRes(t *testing.T) {
	c := testClassifier()
	res := c.Classify(Image{Width: 1920, Height: 1080, FileSize: 600 * 1024, Format: "png"})
	if res.QualityScore < 0.8 {
		t.Fatalf("expected high quality score, got %v", res.QualityScore)
	}
	found := false
	for _, tag := range res.Tags {
		if tag == "high-quality" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected high-quality tag in %v", res.Tags)
	}
}

func TestGenerateTagsOrientation(t *testing.T) {
	c := testClassifier()
	res := c.Classify(Image{Width: 2000, Height: 500, Format: "jpeg"})
	found := false
	for _, tag := range res.Tags {
		if tag == "landscape" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected landscape tag in %v", res.Tags)
	}
}

func TestDetectDuplicatesGroupsByMD5(t *testing.T) {
	images := []Image{
		{Filename: "a.jpg", MD5Hash: "abc"},
		{Filename: "b.jpg", MD5Hash: "abc"},
		{Filename: "c.jpg", MD5Hash: "def"},
	}
	dups := DetectDuplicates(images)
	if len(dups) != 1 {
		t.Fatalf("expected 1 duplicate group, got %d", len(dups))
	}
	if len(dups["abc"]) != 2 {
		t.Fatalf("expected 2 images in abc group, got %d", len(dups["abc"]))
	}
}

func TestDetectDuplicatesIgnoresMissingHash(t *testing.T) {
	images := []Image{{Filename: "a.jpg"}, {Filename: "b.jpg"}}
	if dups := DetectDuplicates(images); len(dups) != 0 {
		t.Fatalf("expected no duplicate groups, got %d", len(dups))
	}
}
