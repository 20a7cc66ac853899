package dispatch

import (
	"strings"
	"unicode"
)

// parseCommand splits "/name@Bot rest" into a lowercased name and the rest
// verbatim. ok is false for text that is not a slash command or that is
// addressed to a different bot.
func parseCommand(text, botUsername string) (name, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) == 1 {
		return "", "", false
	}

	head, rest := text, ""
	if idx := strings.IndexFunc(text, unicode.IsSpace); idx >= 0 {
		head, rest = text[:idx], strings.TrimSpace(text[idx:])
	}

	if at := strings.Index(head, "@"); at >= 0 {
		target := head[at+1:]
		if botUsername != "" && !strings.EqualFold(target, strings.TrimPrefix(botUsername, "@")) {
			return "", "", false
		}
		head = head[:at]
	}

	return strings.ToLower(head), rest, true
}
