package extract

import (
	"strings"
)

// decodeContentText recovers the shown text from a raw PDF content stream:
// string literals from Tj/TJ/' operators, with text-positioning operators
// (Td, TD, T*) and block ends treated as line breaks. This covers the
// standard-encoded text that title blocks are drawn with; text rendered as
// vector outlines is invisible here and yields an empty result.
func decodeContentText(raw []byte) string {
	var out strings.Builder
	var token strings.Builder

	flushToken := func() {
		switch token.String() {
		case "Td", "TD", "T*", "ET":
			out.WriteByte('\n')
		}
		token.Reset()
	}

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '(':
			flushToken()
			s, next := parseLiteralString(raw, i)
			out.WriteString(s)
			out.WriteByte(' ')
			i = next
		case c == '<' && i+1 < len(raw) && raw[i+1] != '<':
			flushToken()
			s, next := parseHexString(raw, i)
			out.WriteString(s)
			out.WriteByte(' ')
			i = next
		case c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '[' || c == ']':
			flushToken()
		default:
			token.WriteByte(c)
		}
	}
	flushToken()

	return strings.TrimSpace(out.String())
}

// parseLiteralString parses a (…) string starting at raw[start]=='(' and
// returns the decoded text plus the index of the closing paren.
func parseLiteralString(raw []byte, start int) (string, int) {
	var s strings.Builder
	depth := 0

	i := start
	for ; i < len(raw); i++ {
		c := raw[i]
		switch c {
		case '\\':
			if i+1 >= len(raw) {
				return s.String(), i
			}
			i++
			switch raw[i] {
			case 'n':
				s.WriteByte('\n')
			case 'r':
				s.WriteByte('\r')
			case 't':
				s.WriteByte('\t')
			case '(', ')', '\\':
				s.WriteByte(raw[i])
			default:
				// Octal escapes and anything exotic are dropped; title
				// block labels are plain ASCII.
			}
		case '(':
			depth++
			if depth > 1 {
				s.WriteByte(c)
			}
		case ')':
			depth--
			if depth == 0 {
				return s.String(), i
			}
			s.WriteByte(c)
		default:
			s.WriteByte(c)
		}
	}
	return s.String(), i
}

// parseHexString parses a <…> hex string starting at raw[start]=='<' and
// returns the decoded text plus the index of the closing bracket.
func parseHexString(raw []byte, start int) (string, int) {
	var digits strings.Builder

	i := start + 1
	for ; i < len(raw); i++ {
		c := raw[i]
		if c == '>' {
			break
		}
		if isHexDigit(c) {
			digits.WriteByte(c)
		}
	}

	hex := digits.String()
	if len(hex)%2 == 1 {
		hex += "0"
	}

	var s strings.Builder
	for j := 0; j+1 < len(hex); j += 2 {
		b := hexValue(hex[j])<<4 | hexValue(hex[j+1])
		if b >= 0x20 && b < 0x7f {
			s.WriteByte(b)
		}
	}
	return s.String(), i
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexValue(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
