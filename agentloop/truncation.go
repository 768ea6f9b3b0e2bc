package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode selects which part of an oversized output is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail" // keep both ends
	TruncateTail     TruncationMode = "tail"      // keep the end
)

// DefaultToolOutputLimit bounds the characters of one tool result fed back to
// the model.
const DefaultToolOutputLimit = 30000

// TruncateOutput shortens output to about maxChars characters, marking the
// cut so the model knows data is missing. Counts are in runes.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 {
		return output
	}
	runes := []rune(output)
	if len(runes) <= maxChars {
		return output
	}
	removed := len(runes) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[output truncated: First %d characters were removed. "+
			"Narrow the tool arguments to see them.]\n\n", removed) +
			string(runes[len(runes)-maxChars:])
	}
	head := maxChars / 2
	tail := maxChars - head
	return string(runes[:head]) +
		fmt.Sprintf("\n\n[output truncated: %d characters were removed from the middle. "+
			"Narrow the tool arguments to see them.]\n\n", removed) +
		string(runes[len(runes)-tail:])
}

// TruncateLines keeps the first and last lines of output so that at most
// maxLines remain, replacing the rest with a marker.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head

	var b strings.Builder
	b.WriteString(strings.Join(lines[:head], "\n"))
	fmt.Fprintf(&b, "\n[... %d lines omitted ...]\n", len(lines)-maxLines)
	b.WriteString(strings.Join(lines[len(lines)-tail:], "\n"))
	return b.String()
}

// TruncateToolOutput applies character truncation, then line truncation.
// A non-positive limit disables that stage.
func TruncateToolOutput(output string, maxChars, maxLines int) string {
	return TruncateLines(TruncateOutput(output, maxChars, TruncateHeadTail), maxLines)
}
