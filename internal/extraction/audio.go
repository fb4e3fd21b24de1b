package extraction

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// sourceSelector matches "alternative source" elements: a MIME type plus a URL
const sourceSelector = "source[type][src]"

// AudioExtractor picks the first <source> element whose type mentions audio.
type AudioExtractor struct{}

func NewAudioExtractor() *AudioExtractor {
	return &AudioExtractor{}
}

func (AudioExtractor) Name() string { return "audio" }

func (AudioExtractor) Extract(html string, base *url.URL) (*url.URL, bool) {
	return ResolveAudioSource(html, base)
}

// AudioSource returns the first absolute audio URL found in html.
func AudioSource(html string) (*url.URL, bool) {
	return ResolveAudioSource(html, nil)
}

// ResolveAudioSource scans html in document order and returns the src of the
// first source element whose type contains "audio" and whose src is a usable URL.
// Relative sources are resolved against base; with a nil base they are skipped.
func ResolveAudioSource(html string, base *url.URL) (*url.URL, bool) {
	// The html5 parser recovers from any malformed input, errors only come from the reader
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, false
	}

	var found *url.URL
	doc.Find(sourceSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		mimeType, _ := s.Attr("type")
		if !strings.Contains(strings.ToLower(mimeType), "audio") {
			return true
		}

		src, _ := s.Attr("src")
		u, ok := parseSource(src, base)
		if !ok {
			return true
		}

		found = u
		return false
	})

	return found, found != nil
}

func parseSource(src string, base *url.URL) (*url.URL, bool) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, false
	}

	u, err := url.Parse(src)
	if err != nil {
		return nil, false
	}

	if !u.IsAbs() {
		if base == nil {
			return nil, false
		}
		u = base.ResolveReference(u)
	}

	if u.Host == "" {
		return nil, false
	}

	return u, true
}
