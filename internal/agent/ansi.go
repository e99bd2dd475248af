package agent

import "strings"

// StripANSI removes CSI (ESC [ ... final), OSC (ESC ] ... BEL or ST) and
// two-byte escape sequences from content. 8-bit CSI (0x9B) is left alone
// because that byte also occurs inside UTF-8 sequences. Pattern matching runs
// on the stripped text; the raw bytes are never modified.
func StripANSI(content string) string {
	if strings.IndexByte(content, '\x1b') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		c := content[i]
		switch {
		case c == '\x1b' && i+1 < len(content) && content[i+1] == '[':
			i = skipCSI(content, i+2)
			continue
		case c == '\x1b' && i+1 < len(content) && content[i+1] == ']':
			if bel := strings.IndexByte(content[i:], '\x07'); bel != -1 {
				i += bel + 1
				continue
			}
			if st := strings.Index(content[i:], "\x1b\\"); st != -1 {
				i += st + 2
				continue
			}
			// Unterminated OSC: drop the rest, it is still arriving.
			i = len(content)
			continue
		case c == '\x1b':
			i += 2
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// skipCSI returns the index just past the final byte (0x40-0x7E) of a CSI
// sequence whose parameters start at j.
func skipCSI(content string, j int) int {
	for j < len(content) {
		c := content[j]
		j++
		if c >= 0x40 && c <= 0x7E {
			break
		}
	}
	return j
}
