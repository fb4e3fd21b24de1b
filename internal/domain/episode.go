package domain

import (
	"net/url"
	"strings"
)

// Episode is the value handed over by the surrounding application.
// The pipeline only reads it.
type Episode struct {
	PageLink string `json:"link"`
	Title    string `json:"title"`
}

// Identifier returns the stable identifier derived from the page link,
// or an error wrapping ErrNoPageLink.
func (e Episode) Identifier() (string, error) {
	return IdentifierFromLink(e.PageLink)
}

// Validate reports whether the episode can be downloaded at all.
func (e Episode) Validate() error {
	_, err := e.Identifier()
	return err
}

// LinkPolicy decides which page links are episode pages of the web app.
// An empty host list or prefix matches everything.
type LinkPolicy struct {
	AllowedHosts []string
	PathPrefix   string
}

// Allows reports whether link points at an episode page accepted by the policy.
func (p LinkPolicy) Allows(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}

	if len(p.AllowedHosts) > 0 {
		host := strings.ToLower(u.Hostname())
		allowed := false
		for _, h := range p.AllowedHosts {
			if strings.ToLower(h) == host {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	return strings.HasPrefix(u.Path, p.PathPrefix)
}
