package wire

import "bytes"

var (
	crlf              = []byte("\r\n")
	dataTerminator    = []byte(".\r\n")
	crlfTerminator    = []byte("\r\n.\r\n")
	stuffedLinePrefix = []byte("..")
)

// normalizeCRLF turns bare LF and bare CR into CRLF.
func normalizeCRLF(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+len(raw)/32)
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\r':
			out = append(out, '\r', '\n')
			if i+1 < len(raw) && raw[i+1] == '\n' {
				i++
			}
		case '\n':
			out = append(out, '\r', '\n')
		default:
			out = append(out, raw[i])
		}
	}
	return out
}

// DotStuff applies SMTP transparency (RFC 5321 4.5.2): every line that
// starts with "." gets another ".". Nothing else changes, so Unstuff gives
// back the input byte for byte. Lines end at LF.
func DotStuff(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+16)
	atLineStart := true
	for _, b := range raw {
		if atLineStart && b == '.' {
			out = append(out, '.')
		}
		out = append(out, b)
		atLineStart = b == '\n'
	}
	return out
}

// terminatorFor returns the end-of-data sequence to write after a stuffed
// body: ".\r\n" when the body already ends a line, "\r\n.\r\n" otherwise.
func terminatorFor(stuffed []byte) []byte {
	if len(stuffed) == 0 || bytes.HasSuffix(stuffed, crlf) {
		return dataTerminator
	}
	return crlfTerminator
}

// Unstuff reverses DotStuff. A lone "." line is taken as the end of data.
func Unstuff(stuffed []byte) []byte {
	out := make([]byte, 0, len(stuffed))
	for len(stuffed) > 0 {
		line := stuffed
		var rest []byte
		if i := bytes.IndexByte(stuffed, '\n'); i >= 0 {
			line = stuffed[:i+1]
			rest = stuffed[i+1:]
		}
		if bytes.Equal(line, dataTerminator) || bytes.Equal(line, []byte(".")) {
			break
		}
		if bytes.HasPrefix(line, stuffedLinePrefix) {
			line = line[1:]
		}
		out = append(out, line...)
		stuffed = rest
	}
	return out
}
