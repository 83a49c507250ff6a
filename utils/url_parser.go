package utils

import (
	"net/url"
	"strings"
)

// ParseQuery splits a raw query string like url.ParseQuery but lower
// cases the keys and lets values carry a literal '&' escaped as "\&",
// which product names and paths are allowed to contain. Malformed pairs
// are skipped and the first error is returned with the other pairs.
func ParseQuery(query string) (url.Values, error) {
	m := make(url.Values)
	var firstErr error
	for _, pair := range splitUnescaped(query, '&') {
		if len(pair) == 0 {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(key)
		if err == nil {
			value, err = url.QueryUnescape(strings.ReplaceAll(value, `\&`, "&"))
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		key = strings.ToLower(key)
		m[key] = append(m[key], value)
	}
	return m, firstErr
}

// QueryValue returns the first value of key, matched case insensitively.
func QueryValue(q url.Values, key string) (string, bool) {
	v, ok := q[strings.ToLower(key)]
	if !ok || len(v) == 0 {
		return "", ok
	}
	return v[0], true
}

func splitUnescaped(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep && (i == 0 || s[i-1] != '\\') {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
