package vcs

import "strings"

// UnquotePath converts a git-quoted path back to its raw byte sequence.
// Git double-quotes names containing bytes outside the printable-ASCII
// set and escapes those bytes as \ooo octal sequences; listing artifacts
// produced by git plumbing carry that form. Unquoted input is returned
// untouched.
func UnquotePath(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	body := s[1 : len(s)-1]
	var b strings.Builder
	b.Grow(len(body))
	for i := 0; i < len(body); {
		if body[i] != '\\' || i+1 >= len(body) {
			b.WriteByte(body[i])
			i++
			continue
		}
		next := body[i+1]
		if next >= '0' && next <= '7' && i+3 < len(body) {
			// Three-digit octal escape.
			v := 0
			ok := true
			for j := 1; j <= 3; j++ {
				d := body[i+j]
				if d < '0' || d > '7' {
					ok = false
					break
				}
				v = v*8 + int(d-'0')
			}
			if ok {
				b.WriteByte(byte(v))
				i += 4
				continue
			}
		}
		switch next {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '"', '\\':
			b.WriteByte(next)
		default:
			b.WriteByte('\\')
			b.WriteByte(next)
		}
		i += 2
	}
	return b.String()
}
