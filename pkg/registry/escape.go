package registry

import (
	"strconv"
	"strings"
)

// Characters that may not appear in a profile directory name.
const reservedChars = "\\/:*?\"<>|%"

// escapeID maps a profile id to a file-system safe name. Reserved
// characters become %<code>; so that unescapeID can restore them.
func escapeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if strings.ContainsRune(reservedChars, r) {
			b.WriteByte('%')
			b.WriteString(strconv.Itoa(int(r)))
			b.WriteByte(';')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// unescapeID reverses escapeID. Malformed sequences are kept literally.
func unescapeID(name string) string {
	if !strings.ContainsRune(name, '%') {
		return name
	}
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(name[i:], ';')
		if end < 0 {
			b.WriteString(name[i:])
			break
		}
		code, err := strconv.Atoi(name[i+1 : i+end])
		if err != nil || code < 0 || code > 0x10FFFF {
			b.WriteByte(c)
			continue
		}
		b.WriteRune(rune(code))
		i += end
	}
	return b.String()
}
