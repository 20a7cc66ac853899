package profile

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const maxSanitizePasses = 4

var strictPolicy = bluemonday.StrictPolicy()

// Sanitize strips markup from user-supplied free text and trims it. Replies
// go out as plain text, so entities are decoded; the policy runs again on
// the decoded text until nothing changes so escaped tags cannot come back.
// Text that is still changing after maxSanitizePasses is dropped.
func Sanitize(s string) string {
	out := s
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(strictPolicy.Sanitize(out))
		if next == out {
			return strings.TrimSpace(out)
		}
		out = next
	}
	return ""
}
