package agent

import (
	"fmt"
	"strconv"
	"unicode/utf8"
)

// headRatio/tailRatio implement the ~60/40 split named in §4.5.2.
const (
	headRatio = 0.6
	tailRatio = 0.4
)

// ShapeOutput truncates a tool's raw output to its byte budget, keeping the
// head and tail and eliding the middle with a single marker line stating how
// many bytes were dropped. Non-UTF8 output is escaped so the marker line
// never splits a multi-byte rune.
func ShapeOutput(toolName, payload string) (shaped string, note string) {
	budget := BudgetFor(toolName)
	if len(payload) <= budget {
		return payload, ""
	}

	if !utf8.ValidString(payload) {
		payload = escapeBinary(payload)
		if len(payload) <= budget {
			return payload, ""
		}
	}

	headLen := safeRuneBoundary(payload, int(float64(budget)*headRatio))
	tailStart := len(payload) - int(float64(budget)*tailRatio)
	for tailStart < len(payload) && !utf8.RuneStart(payload[tailStart]) {
		tailStart++
	}

	elided := tailStart - headLen
	if elided < 0 {
		elided = 0
	}
	marker := fmt.Sprintf("\n... [%s bytes elided] ...\n", strconv.Itoa(elided))

	head := payload[:headLen]
	tail := payload[tailStart:]
	return head + marker + tail, marker
}

// safeRuneBoundary walks back from n until it lands on a full-rune boundary,
// so truncation never splits a multi-byte UTF-8 sequence.
func safeRuneBoundary(s string, n int) int {
	if n <= 0 {
		return 0
	}
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

func reverseBytes(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// escapeBinary renders non-UTF8 bytes as \xHH escapes so the output can be
// safely embedded in a JSON tool result without corrupting the encoding.
func escapeBinary(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= 0x20 && b < 0x7f {
			out = append(out, b)
			continue
		}
		out = append(out, []byte(fmt.Sprintf("\\x%02x", b))...)
	}
	return string(out)
}
