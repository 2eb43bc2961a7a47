package parser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Repair takes a candidate JSON-ish string emitted by a weak model and
// returns well-formed JSON, tolerating the common defects: trailing commas,
// single-quoted strings, unquoted object keys, Python-style True/False/None,
// and an outer brace count that doesn't balance. It returns an error when the
// input cannot plausibly be coerced into JSON at all.
func Repair(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("repair: empty input")
	}

	if json.Valid([]byte(s)) {
		return s, nil
	}

	s = balanceBraces(s)
	s = quoteUnquotedKeys(s)
	s = singleToDoubleQuotes(s)
	s = pythonLiterals(s)
	s = dropTrailingCommas(s)

	if !json.Valid([]byte(s)) {
		return "", fmt.Errorf("repair: could not coerce to valid JSON: %q", raw)
	}
	return s, nil
}

// balanceBraces trims to the outermost balanced {...} or [...] span, counting
// brackets rather than trusting the input to already be well-formed. Useful
// when a model trails extra prose after the closing brace. A span still open
// at the end of the input (outside a string) gets its missing closers appended.
func balanceBraces(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	open := s[start]
	var close byte
	if open == '{' {
		close = '}'
	} else {
		close = ']'
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escape {
				escape = false
			} else if c == '\\' {
				escape = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	if depth > 0 && !inString {
		return s[start:] + strings.Repeat(string(close), depth)
	}
	return s[start:]
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// quoteUnquotedKeys wraps a bareword key immediately preceding a colon in
// double quotes, skipping over string literals so it never rewrites values.
func quoteUnquotedKeys(s string) string {
	var b strings.Builder
	inString := false
	escape := false
	n := len(s)
	for i := 0; i < n; i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escape {
				escape = false
			} else if c == '\\' {
				escape = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if isIdentStart(c) && (i == 0 || precedingIsStructural(s, i)) {
			j := i
			for j < n && isIdentPart(s[j]) {
				j++
			}
			k := j
			for k < n && (s[k] == ' ' || s[k] == '\n' || s[k] == '\t') {
				k++
			}
			if k < n && s[k] == ':' {
				word := s[i:j]
				if word == "true" || word == "false" || word == "null" {
					b.WriteString(word)
				} else {
					b.WriteByte('"')
					b.WriteString(word)
					b.WriteByte('"')
				}
				i = j - 1
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func precedingIsStructural(s string, i int) bool {
	j := i - 1
	for j >= 0 && (s[j] == ' ' || s[j] == '\n' || s[j] == '\t') {
		j--
	}
	if j < 0 {
		return true
	}
	return s[j] == '{' || s[j] == ','
}

// singleToDoubleQuotes converts single-quoted strings to double-quoted ones,
// escaping any double quotes that appear inside, while leaving already
// double-quoted strings untouched.
func singleToDoubleQuotes(s string) string {
	var b strings.Builder
	n := len(s)
	inDouble := false
	escape := false
	for i := 0; i < n; i++ {
		c := s[i]
		if inDouble {
			b.WriteByte(c)
			if escape {
				escape = false
			} else if c == '\\' {
				escape = true
			} else if c == '"' {
				inDouble = false
			}
			continue
		}
		if c == '"' {
			inDouble = true
			b.WriteByte(c)
			continue
		}
		if c == '\'' {
			b.WriteByte('"')
			i++
			for i < n && s[i] != '\'' {
				if s[i] == '"' {
					b.WriteString(`\"`)
				} else if s[i] == '\\' && i+1 < n {
					b.WriteByte(s[i])
					i++
					b.WriteByte(s[i])
				} else {
					b.WriteByte(s[i])
				}
				i++
			}
			b.WriteByte('"')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// pythonLiterals rewrites bareword True/False/None to JSON's true/false/null,
// skipping occurrences inside string literals.
func pythonLiterals(s string) string {
	replacements := map[string]string{"True": "true", "False": "false", "None": "null"}
	var b strings.Builder
	inString := false
	escape := false
	n := len(s)
	for i := 0; i < n; i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escape {
				escape = false
			} else if c == '\\' {
				escape = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		matched := false
		for word, repl := range replacements {
			if strings.HasPrefix(s[i:], word) && !isIdentPart(nextByte(s, i+len(word))) {
				b.WriteString(repl)
				i += len(word) - 1
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func nextByte(s string, i int) byte {
	if i >= len(s) {
		return 0
	}
	return s[i]
}

// dropTrailingCommas removes a comma that appears immediately before a
// closing brace or bracket, ignoring commas inside string literals.
func dropTrailingCommas(s string) string {
	var b strings.Builder
	inString := false
	escape := false
	n := len(s)
	for i := 0; i < n; i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escape {
				escape = false
			} else if c == '\\' {
				escape = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < n && (s[j] == ' ' || s[j] == '\n' || s[j] == '\t') {
				j++
			}
			if j < n && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
