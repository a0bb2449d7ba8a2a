package tools

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type printableType interface {
	~string | ~[]byte
}

// IsPrintable returns v made safe for a log line: CR and LF are dropped and any
// other non printable byte or rune is written as \xNN.
func IsPrintable[T printableType](v T) string {
	s := string(v)
	var sb strings.Builder
	sb.Grow(len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		switch {
		case r == '\r' || r == '\n':
		case r == utf8.RuneError && size == 1:
			fmt.Fprintf(&sb, `\x%02x`, s[0])
		case unicode.IsPrint(r):
			sb.WriteRune(r)
		default:
			for i := 0; i < size; i++ {
				fmt.Fprintf(&sb, `\x%02x`, s[i])
			}
		}
		s = s[size:]
	}
	return sb.String()
}
