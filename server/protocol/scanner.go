package protocol

import "github.com/kfcemployee/fileserver/server/engine"

// result of scanning for one line
type LineStatus uint8

const (
	LineOK   LineStatus = iota // a CRLF terminated line is complete
	LineOpen                   // need more bytes
	LineBad                    // CR or LF out of place
)

// scanLine looks for the next CRLF from CheckedIdx up to ReadIdx.
// On LineOK the terminator is overwritten with two NULs and CheckedIdx points past it,
// so the line is Rbuf[StartLine:CheckedIdx-2]. On LineOpen CheckedIdx stays on the
// last unterminated byte and the next call resumes there.
func scanLine(s *engine.Session) LineStatus {
	buf := s.Rbuf
	for ; s.CheckedIdx < s.ReadIdx; s.CheckedIdx++ {
		switch buf[s.CheckedIdx] {
		case '\r':
			if s.CheckedIdx+1 == s.ReadIdx {
				return LineOpen
			}
			if buf[s.CheckedIdx+1] != '\n' {
				return LineBad
			}
			buf[s.CheckedIdx] = 0
			buf[s.CheckedIdx+1] = 0
			s.CheckedIdx += 2
			return LineOK

		case '\n':
			// LF right after a CR that an earlier scan stopped on
			if s.CheckedIdx > s.StartLine && buf[s.CheckedIdx-1] == '\r' {
				buf[s.CheckedIdx-1] = 0
				buf[s.CheckedIdx] = 0
				s.CheckedIdx++
				return LineOK
			}
			return LineBad
		}
	}
	return LineOpen
}
