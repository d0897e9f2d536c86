package pty

import (
	"bytes"
	"strings"
)

// maxPendingOSC bounds how many bytes of an unterminated title sequence
// are carried over between PTY reads before the scanner gives up on it.
const maxPendingOSC = 4096

// titleScanner extracts window titles from OSC 0 / OSC 2 escape
// sequences in a PTY output stream. Sequences may be split across
// reads, so the scanner keeps the tail of an unterminated sequence
// until the terminator (BEL or ESC \) arrives.
type titleScanner struct {
	pending []byte
}

// Scan inspects one output chunk and returns the last complete title
// found, if any. Other OSC codes are ignored.
func (t *titleScanner) Scan(chunk []byte) (string, bool) {
	data := chunk
	if len(t.pending) > 0 {
		data = append(t.pending, chunk...)
		t.pending = nil
	}

	var (
		title string
		found bool
	)
	for {
		start := bytes.Index(data, []byte("\x1b]"))
		if start < 0 {
			// A trailing ESC may be the first byte of an introducer
			// split across reads.
			if n := len(data); n > 0 && data[n-1] == '\x1b' {
				t.keep(data[n-1:])
			}
			return title, found
		}
		rest := data[start+2:]

		code, afterCode := oscCode(rest)
		if code == -1 {
			// Sequence header split across reads; keep the tail.
			t.keep(data[start:])
			return title, found
		}

		body, afterSeq, terminated := oscBody(afterCode)
		if !terminated {
			t.keep(data[start:])
			return title, found
		}
		if code == 0 || code == 2 {
			title = sanitizeTitle(string(body))
			found = true
		}
		data = afterSeq
	}
}

func (t *titleScanner) keep(tail []byte) {
	if len(tail) > maxPendingOSC {
		return
	}
	t.pending = append([]byte(nil), tail...)
}

// oscCode parses the numeric code and the ';' separator at the start of
// an OSC body. It returns -1 when the header is incomplete and -2 when
// the header is malformed (not digits-then-semicolon).
func oscCode(data []byte) (int, []byte) {
	i := 0
	code := 0
	for ; i < len(data); i++ {
		c := data[i]
		if c >= '0' && c <= '9' {
			code = code*10 + int(c-'0')
			continue
		}
		if c == ';' && i > 0 {
			return code, data[i+1:]
		}
		// Not a numeric OSC header; treat as a complete non-title
		// sequence so scanning continues past it.
		return -2, data[i:]
	}
	return -1, nil
}

// oscBody scans up to the sequence terminator. It returns the body, the
// remainder after the terminator, and whether a terminator was seen.
func oscBody(data []byte) ([]byte, []byte, bool) {
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\x07':
			return data[:i], data[i+1:], true
		case '\x1b':
			if i+1 < len(data) && data[i+1] == '\\' {
				return data[:i], data[i+2:], true
			}
		}
	}
	return nil, nil, false
}

// sanitizeTitle drops control bytes and bounds the length so a hostile
// child cannot inject escape data through session names.
func sanitizeTitle(title string) string {
	clean := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, title)
	if len(clean) > 256 {
		clean = clean[:256]
	}
	return strings.TrimSpace(clean)
}
