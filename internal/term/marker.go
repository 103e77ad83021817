package term

import (
	"fmt"
	"strings"
)

// InputMarker renders the hidden in-band sequence recorded in the history
// buffer when input is injected: ESC ] 133 ; ts:<kind>;t=<unix_ms> BEL.
// It is written to the history only, never to the PTY, and consumers strip
// it before display.
func InputMarker(kind string, unixMs int64) string {
	return fmt.Sprintf("\x1b]133;ts:%s;t=%d\x07", kind, unixMs)
}

// StripANSI removes escape sequences (CSI, OSC, DCS, PM, APC, two-byte ESC
// commands) and C0 control bytes other than newline, carriage return, and
// tab. Used to turn raw history into displayable or summarizable text;
// hidden input markers are OSC sequences and disappear with the rest.
func StripANSI(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	i := 0
	for i < len(s) {
		b := s[i]
		if b == 0x1b {
			if i+1 >= len(s) {
				break
			}
			switch c := s[i+1]; {
			case c == ']' || c == 'P' || c == '^' || c == '_':
				end, ok := findStringTerminator(s, i+2)
				if !ok {
					return out.String()
				}
				i = end
			case c == '[':
				j := i + 2
				for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
					j++
				}
				if j < len(s) {
					j++
				}
				i = j
			default:
				i += 2
			}
			continue
		}
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			i++
			continue
		}
		if b == 0x7f {
			i++
			continue
		}
		out.WriteByte(b)
		i++
	}
	return out.String()
}
