package stages

import (
	"errors"
	"strings"
)

// SplitMode records how a verse was divided between front and inside.
type SplitMode string

const (
	SplitMarker   SplitMode = "marker"
	SplitFallback SplitMode = "fallback"
)

// ErrUnsplittable is returned for text that cannot be divided into two parts.
var ErrUnsplittable = errors.New("verse has fewer than two lines and no page break")

// SplitVerse divides provider text at the first marker. Without a usable
// marker it splits by line count; the front gets the extra line when the
// count is odd and front+"\n"+inside equals the trimmed text.
func SplitVerse(text, marker string) (front, inside string, mode SplitMode, err error) {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if marker != "" && strings.Contains(text, marker) {
		parts := strings.SplitN(text, marker, 2)
		front, inside = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if front != "" && inside != "" {
			return front, inside, SplitMarker, nil
		}
		text = strings.TrimSpace(front + "\n" + inside)
	}
	if text == "" {
		return "", "", "", ErrUnsplittable
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return "", "", "", ErrUnsplittable
	}
	mid := (len(lines) + 1) / 2
	return strings.Join(lines[:mid], "\n"), strings.Join(lines[mid:], "\n"), SplitFallback, nil
}

// NormalizeVerse trims trailing spaces on every line and collapses runs of
// blank lines into one.
func NormalizeVerse(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
