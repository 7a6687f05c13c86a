package chat

import (
	"regexp"
	"strings"
)

var docCitationPattern = regexp.MustCompile(`\[doc(\d+)\]`)

// StripCitations removes [docN] markers from a grounded token. Tokens that
// carried a marker are also trimmed; others are returned untouched.
func StripCitations(token string) string {
	if !docCitationPattern.MatchString(token) {
		return token
	}
	return strings.TrimSpace(docCitationPattern.ReplaceAllString(token, ""))
}
