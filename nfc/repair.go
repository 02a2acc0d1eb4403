package nfc

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Repair of JSON recovered from tags written by older, lossy writers.
// It covers the corruption patterns seen in the field and nothing more:
// smart quotes, stray control characters, unquoted keys, one unterminated
// string value and bare word values. It is not a JSON5 parser and can damage
// unusual but valid-looking input, so it only runs after a strict parse fails.

var smartQuotes = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"′", "'", "‵", "'", "＇", "'",
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
	"″", `"`, "‶", `"`, "«", `"`, "»", `"`, "＂", `"`,
)

var (
	bareKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_$][A-Za-z0-9_$\-]*)(\s*:)`)
	bareValueRe = regexp.MustCompile(`(:\s*)([A-Za-z_][A-Za-z0-9_ .\-]*?)(\s*[,}\]])`)
	openValueRe = regexp.MustCompile(`:\s*"`)
)

// LooksLikeJSON reports whether text is shaped like a JSON object or array.
func LooksLikeJSON(text string) bool {
	t := strings.TrimSpace(text)
	if len(t) < 2 {
		return false
	}
	return (t[0] == '{' && t[len(t)-1] == '}') || (t[0] == '[' && t[len(t)-1] == ']')
}

// RepairJSON returns text unchanged when it already parses, otherwise the
// first repaired form that does. ok is false when no step produced valid JSON.
func RepairJSON(text string) (string, bool) {
	if json.Valid([]byte(text)) {
		return text, true
	}

	s := smartQuotes.Replace(text)
	if json.Valid([]byte(s)) {
		return s, true
	}

	s = stripControl(s)
	if json.Valid([]byte(s)) {
		return s, true
	}

	s = bareKeyRe.ReplaceAllString(s, `$1"$2"$3`)
	if json.Valid([]byte(s)) {
		return s, true
	}

	s = balanceQuotes(s)
	if json.Valid([]byte(s)) {
		return s, true
	}

	s = quoteBareValues(s)
	if json.Valid([]byte(s)) {
		return s, true
	}
	return text, false
}

// stripControl drops C0 and C1 control characters. Tab, newline and carriage
// return are kept as JSON whitespace.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return r
		case r < 0x20 || (r >= 0x7F && r <= 0x9F):
			return -1
		}
		return r
	}, s)
}

// unescapedQuotes counts double quotes not preceded by an odd run of backslashes.
func unescapedQuotes(s string) int {
	n := 0
	backslashes := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			backslashes++
			continue
		case '"':
			if backslashes%2 == 0 {
				n++
			}
		}
		backslashes = 0
	}
	return n
}

// balanceQuotes closes one unterminated string value when the quote count is
// odd. Candidates are the delimiters that follow an opening value quote with
// no quote in between; the first that yields valid JSON wins, otherwise the
// quote goes before the trailing closing brackets.
func balanceQuotes(s string) string {
	if unescapedQuotes(s)%2 == 0 {
		return s
	}

	for _, loc := range openValueRe.FindAllStringIndex(s, -1) {
		for i := loc[1]; i < len(s) && s[i] != '"'; i++ {
			if s[i] != ',' && s[i] != '}' && s[i] != ']' {
				continue
			}
			candidate := s[:i] + `"` + s[i:]
			if json.Valid([]byte(candidate)) || json.Valid([]byte(quoteBareValues(candidate))) {
				return candidate
			}
		}
	}

	end := len(s)
	for end > 0 && strings.ContainsRune("}] \t\r\n", rune(s[end-1])) {
		end--
	}
	return s[:end] + `"` + s[end:]
}

// quoteBareValues wraps unquoted word values in quotes, leaving literals and
// numbers alone.
func quoteBareValues(s string) string {
	matches := bareValueRe.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		word := strings.TrimSpace(s[m[4]:m[5]])
		switch word {
		case "", "true", "false", "null":
			continue
		}
		sb.WriteString(s[last:m[4]])
		sb.WriteByte('"')
		sb.WriteString(word)
		sb.WriteByte('"')
		last = m[4] + len(strings.TrimRight(s[m[4]:m[5]], " "))
	}
	sb.WriteString(s[last:])
	return sb.String()
}
