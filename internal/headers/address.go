package headers

import (
	"regexp"
	"strings"
	"unicode"
)

var addressRegexp = regexp.MustCompile(`[\w.-]+@[\w.-]+`)

// ExtractAddress returns the first local-part@domain found in line. Both
// parts are limited to word characters, dots and hyphens.
func ExtractAddress(line string) (string, bool) {
	m := addressRegexp.FindString(line)
	if m == "" {
		return "", false
	}
	return m, true
}

// ExtractDomain returns the text after the first '@' in line, up to the next
// whitespace, '>' or the end of the line.
func ExtractDomain(line string) (string, bool) {
	at := strings.IndexByte(line, '@')
	if at == -1 {
		return "", false
	}
	rest := line[at+1:]
	if end := strings.IndexFunc(rest, func(r rune) bool {
		return r == '>' || unicode.IsSpace(r)
	}); end != -1 {
		rest = rest[:end]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
