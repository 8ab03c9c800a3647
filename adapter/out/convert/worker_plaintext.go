package convert

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// PlainTextConverter decodes .txt/.csv/.html/.htm/.md attachments, trying
// UTF-8, then the common Western/Latin-1 fallback, then UTF-8 with the
// replacement character for whatever remains undecodable (§4.5.4).
type PlainTextConverter struct{}

var plainTextExtensions = []string{"txt", "csv", "html", "htm", "md"}

func (PlainTextConverter) Supports(ext string) bool {
	for _, e := range plainTextExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (PlainTextConverter) SupportedExtensions() []string { return plainTextExtensions }

func (PlainTextConverter) Convert(data []byte, filename string) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}

	if enc, err := htmlindex.Get("windows-1252"); err == nil {
		if decoded, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
			return string(decoded), nil
		}
	}
	if decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data); err == nil {
		return string(decoded), nil
	}

	return string([]rune(string(data))), nil
}
