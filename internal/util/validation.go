package util

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// IsValidUserID accepts the canonical 36 character UUID form only.
func IsValidUserID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// IsAbsoluteHTTPURL reports whether raw is an absolute http(s) URL with a host.
func IsAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// CharLength counts characters, not bytes.
func CharLength(s string) int {
	return utf8.RuneCountInString(s)
}
