package models

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// TagSeparator splits "<module>:<operation>" tags.
const TagSeparator = ":"

// ModuleOf returns the substring of tag before the first separator,
// or the whole tag when it has none.
func ModuleOf(tag string) string {
	if i := strings.Index(tag, TagSeparator); i >= 0 {
		return tag[:i]
	}
	return tag
}

// NormalizeTag NFC-normalizes a tag and trims surrounding whitespace.
// Case is kept so events carry the tag the caller chose.
func NormalizeTag(tag string) string {
	return strings.TrimSpace(norm.NFC.String(tag))
}
