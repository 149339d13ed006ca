package channels

import (
	"strings"
	"unicode"
)

// SplitMessage splits text into pieces of at most maxLength bytes, breaking
// at the most natural boundary available: paragraph, newline, sentence end,
// word, then a hard cut. Replies are plain chat text, so no markdown
// awareness is needed.
func SplitMessage(text string, maxLength int) []string {
	if maxLength <= 0 || text == "" {
		return nil
	}
	if len(text) <= maxLength {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > maxLength {
		breakIdx := findBreakPoint(remaining, maxLength)
		chunk := strings.TrimRightFunc(remaining[:breakIdx], unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeftFunc(remaining[breakIdx:], unicode.IsSpace)
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func findBreakPoint(text string, maxLength int) int {
	window := text[:maxLength]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	for _, ending := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, ending); idx > 0 {
			return idx + 1
		}
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return maxLength
}
