package domain

import (
	"errors"
	"testing"
)

func TestIdentifierFromLink(t *testing.T) {
	tests := []struct {
		link    string
		want    string
		wantErr bool
	}{
		{"https://overcast.fm/+AbCdEf", "+AbCdEf", false},
		{"https://overcast.fm/+AbCdEf/", "+AbCdEf", false},
		{"http://example.com/shows/ep-12?t=30", "ep-12", false},
		{"  https://example.com/a/b  ", "b", false},
		{"", "", true},
		{"https://example.com", "", true},
		{"https://example.com/", "", true},
		{"ftp://example.com/file", "", true},
		{"/relative/path", "", true},
		{"://bad", "", true},
	}

	for _, tt := range tests {
		got, err := IdentifierFromLink(tt.link)
		if tt.wantErr {
			if !errors.Is(err, ErrNoPageLink) {
				t.Errorf("IdentifierFromLink(%q) err = %v, want ErrNoPageLink", tt.link, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("IdentifierFromLink(%q) unexpected error: %v", tt.link, err)
			continue
		}
		if got != tt.want {
			t.Errorf("IdentifierFromLink(%q) = %q, want %q", tt.link, got, tt.want)
		}
	}
}

func TestEpisodeIdentifierIgnoresTitle(t *testing.T) {
	a := Episode{PageLink: "https://overcast.fm/+xyz", Title: "First"}
	b := Episode{PageLink: "https://overcast.fm/+xyz", Title: "Renamed"}

	idA, errA := a.Identifier()
	idB, errB := b.Identifier()
	if errA != nil || errB != nil {
		t.Fatalf("unexpected errors: %v %v", errA, errB)
	}
	if idA != idB {
		t.Fatalf("want equal identifiers, got %q and %q", idA, idB)
	}
}

func TestEpisodeValidate(t *testing.T) {
	if err := (Episode{Title: "no link"}).Validate(); !errors.Is(err, ErrNoPageLink) {
		t.Fatalf("want ErrNoPageLink, got %v", err)
	}
	if err := (Episode{PageLink: "https://overcast.fm/+ok"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
