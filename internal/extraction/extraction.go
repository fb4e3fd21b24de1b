package extraction

import "net/url"

// Extractor locates the media resource advertised by an episode page
type Extractor interface {
	// Extract scans page markup and returns the media URL, resolved against base
	// when base is non-nil. Absence of a match is reported as false, never as a panic.
	Extract(html string, base *url.URL) (*url.URL, bool)

	// Returns the human-readable name of this extractor (e.g. "audio")
	Name() string
}
