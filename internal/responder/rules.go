package responder

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	greetingPattern = regexp.MustCompile(`\b(hello|hi|hey)\b`)
	matchPattern    = regexp.MustCompile(`\b(odds|fixture|match|score|next match)\b`)
	tipPattern      = regexp.MustCompile(`\b(recommend|tip|prediction)\b`)
)

// RuleResponder answers from a fixed keyword table. It never fails.
type RuleResponder struct{}

// Respond implements Responder.
func (RuleResponder) Respond(_ context.Context, _ int64, text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "I didn't get that. Can you rephrase?", nil
	}

	lower := strings.ToLower(trimmed)
	switch {
	case greetingPattern.MatchString(lower):
		return "Hello! This is BETRIX. How can I help you with sports today?", nil
	case matchPattern.MatchString(lower):
		return "Try /fixtures for upcoming matches.", nil
	case tipPattern.MatchString(lower):
		return "Tip: check recent form and head-to-head. Gamble responsibly.", nil
	case utf8.RuneCountInString(lower) < 40:
		return fmt.Sprintf("You said %q. Tell me more and I can help with odds, fixtures, or tips.", trimmed), nil
	default:
		return "Thanks for the info. I can help with fixtures, odds and your profile; send /menu to see options.", nil
	}
}
