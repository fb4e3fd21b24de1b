package domain

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// IdentifierFromLink derives the stable task identifier for an episode page link.
// The identifier is the final path segment of the link, so two links pointing
// at the same episode page map to the same download.
func IdentifierFromLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", ErrNoPageLink
	}

	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoPageLink, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrNoPageLink, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrNoPageLink)
	}

	// path.Base returns "/" or "." when there is no final segment
	id := path.Base(u.Path)
	if id == "/" || id == "." || id == "" {
		return "", fmt.Errorf("%w: no final path segment in %s", ErrNoPageLink, link)
	}

	return id, nil
}
