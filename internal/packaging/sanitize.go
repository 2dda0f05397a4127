package packaging

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxComponentBytes = 255

// Sanitize makes s safe as one path component inside an archive: reserved
// characters and control characters are removed, whitespace runs become a
// single underscore, and the result is cut to 255 bytes without splitting a
// rune. Empty or dot-only results become "unnamed".
func Sanitize(s string) string {
	var b strings.Builder
	inSpace := false
	for _, r := range s {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r):
			continue
		case unicode.IsSpace(r):
			if !inSpace {
				b.WriteByte('_')
			}
			inSpace = true
			continue
		case unicode.IsControl(r), r == utf8.RuneError:
			continue
		}
		inSpace = false
		b.WriteRune(r)
	}

	out := b.String()
	if len(out) > maxComponentBytes {
		cut := maxComponentBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	if strings.Trim(out, ".") == "" {
		return "unnamed"
	}
	return out
}
