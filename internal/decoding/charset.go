package decoding

import (
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
)

var (
	ErrNoCharset          = errors.New("response declares no charset")
	ErrUnsupportedCharset = errors.New("unsupported charset")
	ErrInvalidText        = errors.New("body is not valid text in the declared charset")
)

// DeclaredCharset returns the charset parameter of a Content-Type header value.
func DeclaredCharset(contentType string) (string, error) {
	if strings.TrimSpace(contentType) == "" {
		return "", ErrNoCharset
	}

	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCharset, err)
	}

	label := strings.TrimSpace(params["charset"])
	if label == "" {
		return "", ErrNoCharset
	}
	return label, nil
}

// DecodePage converts a page body to text using the charset the server declared.
// Bodies that do not decode cleanly are rejected instead of being patched with
// replacement characters.
func DecodePage(body []byte, contentType string) (string, error) {
	label, err := DeclaredCharset(contentType)
	if err != nil {
		return "", err
	}

	enc, name, err := lookup(label)
	if err != nil {
		return "", err
	}

	// UTF-8 decoders substitute U+FFFD silently, validate up front instead
	if name == "utf-8" {
		if !utf8.Valid(body) {
			return "", ErrInvalidText
		}
		return string(body), nil
	}

	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidText, err)
	}
	return string(out), nil
}

func lookup(label string) (encoding.Encoding, string, error) {
	enc, name := charset.Lookup(label)
	if enc == nil {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedCharset, label)
	}
	return enc, name, nil
}
