package term

import "strings"

// ParseTitle scans carry+chunk for OSC 0/2 title sequences
// (ESC ] 0 ; text BEL, ESC ] 2 ; text ESC \) and returns the last complete
// title found. The returned carry preserves a trailing sequence that has not
// terminated yet so it can complete on the next chunk.
func ParseTitle(chunk, carry string) (title string, ok bool, newCarry string) {
	data := carry + chunk

	i := 0
	for i < len(data) {
		start := strings.IndexByte(data[i:], 0x1b)
		if start < 0 {
			return title, ok, ""
		}
		start += i

		rest := data[start:]
		if isTitlePrefix(rest) {
			// A prefix of an OSC 0/2 that ran out of data: carry it.
			return title, ok, rest
		}
		if len(rest) >= 4 && rest[1] == ']' && (rest[2] == '0' || rest[2] == '2') && rest[3] == ';' {
			end, termLen, found := titleTerminator(data, start+4)
			if !found {
				return title, ok, data[start:]
			}
			title = data[start+4 : end]
			ok = true
			i = end + termLen
			continue
		}
		i = start + 1
	}
	return title, ok, ""
}

// titleTerminator finds BEL or ESC \ from start, returning the terminator
// index and its length.
func titleTerminator(data string, start int) (end, termLen int, found bool) {
	for j := start; j < len(data); j++ {
		if data[j] == 0x07 {
			return j, 1, true
		}
		if data[j] == 0x1b && j+1 < len(data) && data[j+1] == '\\' {
			return j, 2, true
		}
	}
	return 0, 0, false
}

// isTitlePrefix reports whether s is a proper prefix of an OSC 0/2 opener:
// "ESC", "ESC ]", "ESC ] 0", "ESC ] 0 ;" (and the 2 variants). Such a suffix
// must be carried because the next chunk may complete it.
func isTitlePrefix(s string) bool {
	switch len(s) {
	case 1:
		return s[0] == 0x1b
	case 2:
		return s[0] == 0x1b && s[1] == ']'
	case 3:
		return s[0] == 0x1b && s[1] == ']' && (s[2] == '0' || s[2] == '2')
	}
	return false
}
