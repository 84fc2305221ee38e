// Package motd renders a container's message of the day for display on a raw TTY.
package motd

import (
	"strings"
	"unicode/utf8"
)

// ANSI colours applied per line.
const (
	colorBorder = "\x1b[36m" // cyan
	colorInfo   = "\x1b[32m" // green
	colorTip    = "\x1b[33m" // yellow
	colorReset  = "\x1b[0m"
)

var infoMarkers = []string{"ℹ", "📦", "🐳", "🚀", "🔧", "📁", "🌐", "✅", "•"}

var tipMarkers = []string{"💡", "⚠", "❗", "Tip:", "TIP:", "Warning:", "WARNING:", "Note:"}

// Format normalises line endings to CRLF and colours border, info and tip
// lines. Other lines are left as-is. Empty input yields empty output.
func Format(raw string) string {
	if raw == "" {
		return ""
	}

	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if c := lineColor(line); c != "" {
			lines[i] = c + line + colorReset
		}
	}
	return strings.Join(lines, "\r\n")
}

func lineColor(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" {
		return ""
	}
	if isBoxDrawing(trimmed) {
		return colorBorder
	}
	for _, m := range tipMarkers {
		if strings.HasPrefix(trimmed, m) {
			return colorTip
		}
	}
	for _, m := range infoMarkers {
		if strings.HasPrefix(trimmed, m) {
			return colorInfo
		}
	}
	return ""
}

// isBoxDrawing reports whether s starts with a character from the Unicode
// box-drawing block (U+2500–U+257F).
func isBoxDrawing(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r >= 0x2500 && r <= 0x257F
}
