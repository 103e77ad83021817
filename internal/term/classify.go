// Package term implements the byte-level terminal plumbing the supervisor
// depends on: classifying output chunks as control-only, extracting dynamic
// titles from OSC 0/2, encoding hidden history markers, and detecting cursor
// position queries. Sequences may arrive split across chunk boundaries, so
// every scanner accepts and returns a carry.
package term

// Classification is the result of classifying one output chunk.
type Classification struct {
	// ControlOnly is true when the chunk carries no printable output:
	// the residue holds only C0/DEL bytes and at least one escape sequence
	// was stripped (or nothing remains at all).
	ControlOnly bool
	// Carry is a trailing partial sequence to prepend to the next chunk.
	Carry string
	// Residue is what remains after stripping recognized sequences.
	Residue string
	// Removed counts the sequences stripped.
	Removed int
}

// Classify strips recognized escape sequences from carry+chunk and decides
// whether the chunk is pure terminal control (cursor movement, SGR, redraws)
// rather than user-visible output.
//
// Stripped, in scan order at each ESC: string-terminated sequences (OSC, DCS,
// PM, APC) ended by BEL or ESC \; CSI (params, intermediates, final); SS3;
// and two-byte ESC commands. An incomplete sequence at the end of the data
// becomes the carry for the next call.
func Classify(chunk, carry string) Classification {
	data := carry + chunk

	// Fast path: nothing to strip and nothing that could start a sequence.
	if !containsEscOrBel(data) {
		return Classification{
			ControlOnly: len(data) == 0,
			Residue:     data,
		}
	}

	var (
		residue  []byte
		removed  int
		newCarry string
	)

	i := 0
	for i < len(data) {
		b := data[i]
		if b != 0x1b {
			residue = append(residue, b)
			i++
			continue
		}

		// Bare ESC at the end of the data: carry it.
		if i+1 >= len(data) {
			newCarry = data[i:]
			break
		}

		switch c := data[i+1]; {
		case c == ']' || c == 'P' || c == '^' || c == '_':
			// OSC / DCS / PM / APC: consume through BEL or ESC \.
			end, ok := findStringTerminator(data, i+2)
			if !ok {
				newCarry = data[i:]
				i = len(data)
				break
			}
			removed++
			i = end

		case c == '[':
			// CSI: parameters, intermediates, final byte.
			j := i + 2
			for j < len(data) && data[j] >= 0x30 && data[j] <= 0x3f {
				j++
			}
			for j < len(data) && data[j] >= 0x20 && data[j] <= 0x2f {
				j++
			}
			if j >= len(data) {
				newCarry = data[i:]
				i = len(data)
				break
			}
			if data[j] >= 0x40 && data[j] <= 0x7e {
				removed++
				i = j + 1
				break
			}
			// Malformed: interrupted before a final byte. Keep the ESC in
			// the residue and rescan what follows as plain bytes.
			residue = append(residue, b)
			i++

		case c == 'O':
			// SS3 needs a final byte; without one yet, carry.
			if i+2 >= len(data) {
				newCarry = data[i:]
				i = len(data)
				break
			}
			if data[i+2] >= 0x40 && data[i+2] <= 0x7e {
				removed++
				i += 3
				break
			}
			// ESC O followed by a non-final byte is a plain two-byte command.
			removed++
			i += 2

		case isTwoByteCommand(c):
			removed++
			i += 2

		default:
			// Unrecognized ESC pairing: keep the ESC in the residue.
			residue = append(residue, b)
			i++
		}
	}

	onlyControl := true
	for _, rb := range residue {
		if rb >= 0x20 && rb != 0x7f {
			onlyControl = false
			break
		}
	}

	return Classification{
		ControlOnly: onlyControl && (removed > 0 || len(residue) == 0),
		Carry:       newCarry,
		Residue:     string(residue),
		Removed:     removed,
	}
}

// findStringTerminator scans from start for BEL or ESC \ and returns the
// index just past the terminator.
func findStringTerminator(data string, start int) (int, bool) {
	for j := start; j < len(data); j++ {
		if data[j] == 0x07 {
			return j + 1, true
		}
		if data[j] == 0x1b && j+1 < len(data) && data[j+1] == '\\' {
			return j + 2, true
		}
	}
	return 0, false
}

// isTwoByteCommand reports whether c completes a two-byte ESC command:
// @-Z, \, ^, _, `, {, |, }, ~ (the string and CSI introducers are handled
// before this is consulted).
func isTwoByteCommand(c byte) bool {
	switch {
	case c >= '@' && c <= 'Z':
		return true
	case c == '\\' || c == '^' || c == '_' || c == '`':
		return true
	case c >= '{' && c <= '~':
		return true
	}
	return false
}

func containsEscOrBel(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b || s[i] == 0x07 {
			return true
		}
	}
	return false
}

// cprQuery is the DSR Cursor Position Report request a TUI sends when it
// expects a terminal emulator on the other end.
const cprQuery = "\x1b[6n"

// CPRReply is the fixed cursor position answer written back into the PTY
// when no client is attached to answer for real.
const CPRReply = "\x1b[1;1R"

// ContainsCPRQuery reports whether the chunk contains a CSI 6 n request.
func ContainsCPRQuery(chunk string) bool {
	for i := 0; i+len(cprQuery) <= len(chunk); i++ {
		if chunk[i:i+len(cprQuery)] == cprQuery {
			return true
		}
	}
	return false
}
