package tools

import "fmt"

// DefaultMaxResultBytes caps a tool result before it enters the message
// history. Oversized outputs blow the context budget long before the
// compactor runs.
const DefaultMaxResultBytes = 48 * 1024

// TruncateResult shortens output to at most maxBytes, keeping the head
// and the tail around an elision marker. UTF-8 boundaries are respected.
func TruncateResult(output string, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResultBytes
	}
	if len(output) <= maxBytes {
		return output
	}

	marker := fmt.Sprintf("\n\n... [%d bytes truncated] ...\n\n", len(output)-maxBytes)
	headLen := (maxBytes * 2) / 3
	tailLen := maxBytes - headLen
	head := trimToRuneBoundary(output[:headLen])
	tail := output[len(output)-tailLen:]
	for len(tail) > 0 && !isRuneStart(tail[0]) {
		tail = tail[1:]
	}
	return head + marker + tail
}

func trimToRuneBoundary(s string) string {
	for len(s) > 0 && !isRuneStart(s[len(s)-1]) {
		// continuation byte at the end; back up to the rune start then cut
		i := len(s) - 1
		for i > 0 && !isRuneStart(s[i]) {
			i--
		}
		return s[:i]
	}
	return s
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
