package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

var hexEscape = regexp.MustCompile(`\\x([0-9A-Fa-f]{2})`)

// repairHexEscapes rewrites JavaScript \xHH escapes to \u00HH and collapses
// doubled \\u00 prefixes, leaving text that a JSON decoder can accept.
func repairHexEscapes(s string) string {
	s = hexEscape.ReplaceAllString(s, `\u00$1`)
	return strings.ReplaceAll(s, `\\u00`, `\u00`)
}

// unescapeJS removes one level of JavaScript string escaping.
func unescapeJS(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", errors.New("dangling backslash")
		}
		switch c = s[i]; c {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case 'x':
			r, err := parseHex(s, i+1, 2)
			if err != nil {
				return "", err
			}
			b.WriteRune(r)
			i += 2
		case 'u':
			r, err := parseHex(s, i+1, 4)
			if err != nil {
				return "", err
			}
			i += 4
			if utf16.IsSurrogate(r) && i+6 < len(s) && s[i+1] == '\\' && s[i+2] == 'u' {
				if lo, err := parseHex(s, i+3, 4); err == nil {
					if pair := utf16.DecodeRune(r, lo); pair != utf8.RuneError {
						r = pair
						i += 6
					}
				}
			}
			b.WriteRune(r)
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			v, _ := strconv.ParseUint(s[i:j], 8, 16)
			b.WriteRune(rune(v))
			i = j - 1
		default:
			// \\ \" \' \/ and any other escaped character stand for themselves.
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func parseHex(s string, at, n int) (rune, error) {
	if at+n > len(s) {
		return 0, fmt.Errorf("truncated escape at offset %d", at)
	}
	v, err := strconv.ParseUint(s[at:at+n], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid escape %q: %w", s[at:at+n], err)
	}
	return rune(v), nil
}
