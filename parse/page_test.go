package parse

import "testing"

const samplePage = `
<html><head><title>Gallery</title></head>
<body>
  <img src="/static/a.jpg">
  <img data-src="/lazy/b.png" src="/placeholder.gif">
  <picture><source srcset="/c.webp 1x, /c-2x.webp 2x"></picture>
  <div style="background-image: url('/bg/d.jpg')"></div>
  <a href="/gallery/page2.html">next</a>
  <a href="https://other.example.com/x">external</a>
  <a href="javascript:void(0)">noop</a>
</body></html>
`

func TestParseFindsImagesAndLinks(t *testing.T) {
	page, err := Parse([]byte(samplePage), "https://example.com/gallery/index.html")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]bool{
		"https://example.com/static/a.jpg": false,
		"https://example.com/lazy/b.png":   false,
		"https://example.com/c.webp":       false,
		"https://example.com/bg/d.jpg":     false,
	}
	for _, img := range page.Images {
		if _, ok := want[img]; ok {
			want[img] = true
		}
	}
	for url, found := range want {
		if !found {
			t.Errorf("expected image %s to be discovered, got %v", url, page.Images)
		}
	}

	if len(page.Links) != 1 || page.Links[0] != "https://example.com/gallery/page2.html" {
		t.Errorf("expected only the same-origin link, got %v", page.Links)
	}
}

func TestDetectEncodingHeaderWins(t *testing.T) {
	name, body := DetectEncoding([]byte("hello"), "text/html; charset=utf-8")
	if name != "utf-8" {
		t.Errorf("expected utf-8, got %s", name)
	}
	if string(body) != "hello" {
		t.Errorf("expected body unchanged, got %q", body)
	}
}

func TestDetectEncodingMetaCharset(t *testing.T) {
	html := []byte(`<html><head><meta charset="gbk"></head><body>hi</body></html>`)
	name, _ := DetectEncoding(html, "")
	if name != "gbk" {
		t.Errorf("expected gbk detected from meta tag, got %s", name)
	}
}

func TestDetectEncodingUTF8BOM(t *testing.T) {
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte("<html></html>")...)
	name, decoded := DetectEncoding(body, "")
	if name != "utf-8-sig" {
		t.Errorf("expected utf-8-sig via BOM, got %s", name)
	}
	if string(decoded) != "<html></html>" {
		t.Errorf("expected BOM stripped, got %q", decoded)
	}
}

// TestDetectEncodingMislabeledUTF8FallsThrough reproduces the §8 boundary: a
// page served as GBK with an (incorrect) UTF-8 Content-Type header must not
// be silently passed through -- encoding.Nop never errors, so decodeAs must
// validate the bytes are actually valid UTF-8 before accepting the header's
// claim.
func TestDetectEncodingMislabeledUTF8FallsThrough(t *testing.T) {
	// 0xD6 0xD0 is GBK for "中", not valid UTF-8.
	body := []byte{0xD6, 0xD0, 0xCE, 0xC4}
	name, _ := DetectEncoding(body, "text/html; charset=utf-8")
	if name == "utf-8" {
		t.Fatalf("expected header utf-8 claim to be rejected for invalid UTF-8 bytes, got utf-8")
	}
}

func TestParseImagePriorityStopsAtFirstNonSrcsetHit(t *testing.T) {
	html := []byte(`
<html><body>
  <img src="/static/placeholder.gif" data-original="https://cdn.example.com/a.jpg">
  <img srcset="/b-1x.png 1x, /b-2x.png 2x">
  <img data-img="/c.webp">
</body></html>
`)
	page, err := Parse(html, "https://example.com/gallery/")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]bool{
		"https://cdn.example.com/a.jpg": false,
		"https://example.com/b-1x.png":  false,
		"https://example.com/b-2x.png":  false,
		"https://example.com/c.webp":    false,
	}
	got := map[string]bool{}
	for _, img := range page.Images {
		got[img] = true
		if _, ok := want[img]; ok {
			want[img] = true
		}
	}
	for url, found := range want {
		if !found {
			t.Errorf("expected image %s to be discovered, got %v", url, page.Images)
		}
	}
	if got["https://example.com/static/placeholder.gif"] {
		t.Errorf("placeholder.gif must not be discovered when data-original is present, got %v", page.Images)
	}
}
