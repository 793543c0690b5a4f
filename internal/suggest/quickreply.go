package suggest

import (
	"strings"
)

// ParseQuickReplies turns a non-streaming quick-reply answer into options.
// The answer is expected to be one option per line; code fences around it are
// tolerated. The no-options sentinel yields nil.
func ParseQuickReplies(raw string) []string {
	text := strings.TrimSpace(raw)
	if text == NoOptions {
		return nil
	}
	return splitOptions(StripCodeFence(text))
}

// splitOptions splits a newline separated block into at most MaxQuickReplies
// trimmed options. The no-options sentinel anywhere in the block suppresses
// all options.
func splitOptions(block string) []string {
	var options []string
	for _, line := range strings.FieldsFunc(block, func(r rune) bool { return r == '\n' || r == '\r' }) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == NoOptions {
			return nil
		}
		options = append(options, line)
	}
	if len(options) > MaxQuickReplies {
		options = options[:MaxQuickReplies]
	}
	return options
}

// StripCodeFence removes a leading ``` fence line (with optional language tag)
// and a trailing ``` fence from s. Either fence may appear without the other.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(strings.TrimSpace(s[:nl]), " {[") {
			// Drop the language tag (json, text, ...).
			s = s[nl+1:]
		} else if nl < 0 {
			for _, tag := range []string{"json", "text"} {
				if len(s) >= len(tag) && strings.EqualFold(s[:len(tag)], tag) {
					s = s[len(tag):]
					break
				}
			}
		}
		s = strings.TrimSpace(s)
	}
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
