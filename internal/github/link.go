package github

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// parseLinks splits an RFC 8288 Link header into rel → URL.
//
//	<https://api.github.com/orgs/acme/audit-log?after=abc&per_page=100>; rel="next"
func parseLinks(header string) map[string]string {
	links := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(strings.TrimSpace(part), ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		target = target[1 : len(target)-1]

		for _, param := range segments[1:] {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || strings.TrimSpace(key) != "rel" {
				continue
			}
			for _, rel := range strings.Fields(strings.Trim(value, `"`)) {
				links[rel] = target
			}
		}
	}
	return links
}

// rawQueryParam returns the still-encoded value of name in link's query string.
// url.Values would turn '+' into a space, which corrupts base64 cursors.
func rawQueryParam(link, name string) string {
	_, query, ok := strings.Cut(link, "?")
	if !ok {
		return ""
	}
	for _, pair := range strings.Split(query, "&") {
		key, value, _ := strings.Cut(pair, "=")
		if key == name {
			return value
		}
	}
	return ""
}

// nextAfter returns the raw `after` cursor from the rel="next" link, if any.
func nextAfter(h http.Header) string {
	next, ok := parseLinks(h.Get("Link"))["next"]
	if !ok {
		return ""
	}
	return rawQueryParam(next, "after")
}

func hasNext(h http.Header) bool {
	_, ok := parseLinks(h.Get("Link"))["next"]
	return ok
}

// lastPage returns the page number of the rel="last" link, or 0.
func lastPage(h http.Header) int {
	last, ok := parseLinks(h.Get("Link"))["last"]
	if !ok {
		return 0
	}
	u, err := url.Parse(last)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil || n < 1 {
		return 0
	}
	return n
}
