package usage

import (
	"net/url"
	"strings"
)

// Cursor is an opaque pagination token in decoded form. It is only ever encoded when
// it is placed on a request URL.
type Cursor string

// EncodeCursor percent-encodes c for use as a query parameter value. Spaces become
// %20 rather than '+' so DecodeCursor can leave literal '+' characters alone.
func EncodeCursor(c Cursor) string {
	return strings.ReplaceAll(url.QueryEscape(string(c)), "+", "%20")
}

// DecodeCursor reverses EncodeCursor.
func DecodeCursor(s string) (Cursor, error) {
	v, err := url.PathUnescape(s)
	if err != nil {
		return "", err
	}
	return Cursor(v), nil
}

// NormalizeCursor turns a raw token taken from a URL into its decoded form. Tokens
// without percent escapes pass through untouched. It decodes one level per call:
// a decoded cursor that still contains '%' is decoded again if normalized again,
// so it must only be applied to values read off a URL, never to a Cursor.
// Undecodable input is kept verbatim.
func NormalizeCursor(raw string) Cursor {
	if !strings.Contains(raw, "%") {
		return Cursor(raw)
	}
	c, err := DecodeCursor(raw)
	if err != nil {
		return Cursor(raw)
	}
	return c
}
