package util

import (
	"regexp"
	"strings"
)

var codeFenceRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON pulls the JSON payload out of model output that may wrap it in
// markdown code fences or surround it with prose. Both objects and arrays
// are handled; a truncated payload is closed if it already carries content.
func ExtractJSON(s string) string {
	if matches := codeFenceRegex.FindStringSubmatch(s); len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	} else {
		s = strings.TrimSpace(s)
	}

	// Whichever bracket opens first decides the payload type.
	objStart := strings.Index(s, "{")
	arrStart := strings.Index(s, "[")

	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		if end := findMatchingBracket(s, arrStart, '[', ']'); end != -1 {
			return s[arrStart : end+1]
		}
		if strings.LastIndex(s, "\"") > arrStart {
			return strings.TrimRight(s[arrStart:], " \n\t,") + "]"
		}
	}

	if objStart != -1 {
		if end := findMatchingBracket(s, objStart, '{', '}'); end != -1 {
			return s[objStart : end+1]
		}
		if strings.LastIndex(s, "\"") > objStart {
			return strings.TrimRight(s[objStart:], " \n\t,") + "}"
		}
	}

	return s
}

// findMatchingBracket returns the index of the bracket closing the one at
// startPos, skipping brackets inside string literals. Returns -1 when the
// payload is truncated.
func findMatchingBracket(s string, startPos int, open, close byte) int {
	depth := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// SanitizeJSON escapes literal newlines inside string values, the most
// common way models break their own JSON.
func SanitizeJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			b.WriteByte(ch)
			escaped = false
			continue
		}
		if ch == '\\' {
			b.WriteByte(ch)
			escaped = true
			continue
		}
		if ch == '"' {
			b.WriteByte(ch)
			inString = !inString
			continue
		}
		if inString && (ch == '\n' || ch == '\r') {
			b.WriteString("\\n")
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}
		b.WriteByte(ch)
	}

	return b.String()
}

// TruncateString truncates a string to maxLen runes for log output.
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
