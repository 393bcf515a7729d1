package oracle

import "strings"

// Model replies are prose-wrapped and frequently truncated mid-object.
// ExtractObject locates the first top-level JSON object; Repair then fixes
// the defects the model most commonly leaves behind. Both are pure.

// ExtractObject returns the first balanced top-level JSON object of reply.
// A truncated object that never closes is returned from its opening brace
// to the end of the reply, so that Repair can close it.
func ExtractObject(reply string) (string, bool) {
	var start = strings.IndexByte(reply, '{')
	if start < 0 {
		return "", false
	}

	var depth int
	var inString, escaped bool
	for i := start; i < len(reply); i++ {
		var c = reply[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// Pass.
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth <= 0 {
				return reply[start : i+1], true
			}
		}
	}
	return reply[start:], true
}

// Repair fixes common defects of model-emitted JSON: text trailing the
// closing brace, an unterminated string, a dangling comma at the point of
// truncation, unclosed brackets and braces, and trailing commas before a
// closing brace or bracket. Repair is idempotent: whenever Repair(x)
// parses, Repair(Repair(x)) == Repair(x).
func Repair(in string) string {
	var s = strings.TrimSpace(in)
	if s == "" {
		return s
	}
	s = truncateAfterClose(s)
	s = closeString(s)
	s = trimDanglingComma(s)
	s = closeBrackets(s)
	s = stripTrailingCommas(s)
	return s
}

// truncateAfterClose drops everything after the position where the
// top-level value first becomes balanced. Input that opens no bracket, or
// never balances, passes through unchanged.
func truncateAfterClose(s string) string {
	var depth int
	var opened, inString, escaped bool
	for i := 0; i < len(s); i++ {
		var c = s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// Pass.
		case c == '{' || c == '[':
			depth++
			opened = true
		case c == '}' || c == ']':
			depth--
			if opened && depth <= 0 {
				return s[:i+1]
			}
		}
	}
	return s
}

// closeString terminates a string left open by truncation. A trailing
// half-finished escape is dropped before the quote is appended.
func closeString(s string) string {
	var inString, escaped bool
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case inString && s[i] == '\\':
			escaped = true
		case s[i] == '"':
			inString = !inString
		}
	}
	if !inString {
		return s
	}
	if escaped {
		s = s[:len(s)-1]
	}
	return s + `"`
}

// trimDanglingComma removes commas left hanging at the point of truncation,
// before closers are appended.
func trimDanglingComma(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	for strings.HasSuffix(s, ",") {
		s = strings.TrimRight(strings.TrimSuffix(s, ","), " \t\r\n")
	}
	return s
}

// closeBrackets appends the closers of every bracket and brace still open
// at the end of the input, innermost first.
func closeBrackets(s string) string {
	var stack []byte
	var inString, escaped bool
	for i := 0; i < len(s); i++ {
		var c = s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// Pass.
		case c == '{':
			stack = append(stack, '}')
		case c == '[':
			stack = append(stack, ']')
		case c == '}' || c == ']':
			if len(stack) != 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var out = []byte(s)
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, stack[i])
	}
	return string(out)
}

// stripTrailingCommas removes every comma whose next non-whitespace byte is
// a closing brace or bracket.
func stripTrailingCommas(s string) string {
	var out = make([]byte, 0, len(s))
	var inString, escaped bool
	for i := 0; i < len(s); i++ {
		var c = s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// Pass.
		case c == ',':
			if next := nextNonSpace(s, i+1); next == '}' || next == ']' {
				continue
			}
		}
		out = append(out, c)
	}
	return string(out)
}

func nextNonSpace(s string, from int) byte {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return s[i]
		}
	}
	return 0
}
