// incremental HTTP request parsing over the session read buffer w zero-alloc
// only parser logic
package protocol

import (
	"bytes"

	"github.com/kfcemployee/fileserver/server/engine"
)

// result of the request state machine and resource resolution
type Code uint8

const (
	Incomplete    Code = iota // wait for more bytes (inside the machine: next line)
	Complete                  // request parsed, resolve the target
	BadRequest                // 400
	NotFound                  // 404
	Forbidden                 // 403
	FileReady                 // 200, body is the mapped file
	InternalError             // 500
)

var (
	methodGet    = []byte("GET")
	version11    = []byte("HTTP/1.1")
	schemeHTTP   = []byte("http://")
	hdrConn      = []byte("Connection")
	hdrLength    = []byte("Content-Length")
	hdrHost      = []byte("Host")
	valKeepAlive = []byte("keep-alive")
)

// parse drives the state machine: one line per step in RequestLine and Headers,
// a byte count in Body. It stops at the first result other than Incomplete, or
// when the scanner needs more bytes.
func parse(s *engine.Session) Code {
	for {
		if s.Req.Phase == engine.PhaseBody {
			return parseBody(s)
		}

		switch scanLine(s) {
		case LineOpen:
			return Incomplete
		case LineBad:
			return BadRequest
		}

		start := s.StartLine
		text := s.Rbuf[start : s.CheckedIdx-2]
		s.StartLine = s.CheckedIdx
		s.Log.Debug().Bytes("line", text).Msg("got line")

		var code Code
		switch s.Req.Phase {
		case engine.PhaseRequestLine:
			code = parseRequestLine(s, start, text)
		case engine.PhaseHeaders:
			code = parseHeader(s, start, text)
		}
		if code != Incomplete {
			return code
		}
	}
}

// GET <target> HTTP/1.1
func parseRequestLine(s *engine.Session, off int, text []byte) Code {
	mst, mend := nextField(text, 0)
	ust, uend := nextField(text, mend)
	vst, vend := nextField(text, uend)
	if mst == mend || ust == uend || vst == vend {
		return BadRequest
	}
	if rst, rend := nextField(text, vend); rst != rend {
		return BadRequest
	}

	if !bytes.EqualFold(text[mst:mend], methodGet) {
		return BadRequest
	}
	if !bytes.EqualFold(text[vst:vend], version11) {
		return BadRequest
	}

	// absolute form: keep only the path
	if uend-ust >= len(schemeHTTP) && bytes.EqualFold(text[ust:ust+len(schemeHTTP)], schemeHTTP) {
		i := bytes.IndexByte(text[ust+len(schemeHTTP):uend], '/')
		if i == -1 {
			return BadRequest
		}
		ust += len(schemeHTTP) + i
	}
	if text[ust] != '/' {
		return BadRequest
	}

	s.Req.Method = view(off, mst, mend)
	s.Req.URL = view(off, ust, uend)
	s.Req.Version = view(off, vst, vend)
	s.Req.Phase = engine.PhaseHeaders
	return Incomplete
}

// one header line, the empty line ends the header block
func parseHeader(s *engine.Session, off int, text []byte) Code {
	if len(text) == 0 {
		if s.Req.ContentLength == 0 {
			return Complete
		}
		// the body has to fit the buffer, it is never grown
		if s.CheckedIdx+s.Req.ContentLength > len(s.Rbuf) {
			return BadRequest
		}
		s.Req.Phase = engine.PhaseBody
		return Incomplete
	}

	colon := bytes.IndexByte(text, ':')
	if colon <= 0 {
		return BadRequest
	}
	name := text[:colon]
	vst, vend := trimSpace(text, colon+1, len(text))
	val := text[vst:vend]

	switch {
	case bytes.EqualFold(name, hdrConn):
		s.Req.Linger = bytes.EqualFold(val, valKeepAlive)
	case bytes.EqualFold(name, hdrLength):
		n, ok := parseLength(val)
		if !ok {
			return BadRequest
		}
		s.Req.ContentLength = n
	case bytes.EqualFold(name, hdrHost):
		s.Req.Host = view(off, vst, vend)
	default:
		s.Log.Debug().Bytes("header", name).Msg("unknown header ignored")
	}
	return Incomplete
}

// body is complete once ContentLength bytes followed the header block
func parseBody(s *engine.Session) Code {
	if s.ReadIdx < s.CheckedIdx+s.Req.ContentLength {
		return Incomplete
	}
	s.Req.Body = view(s.CheckedIdx, 0, s.Req.ContentLength)
	return Complete
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

// bounds of the next space or tab separated token at or after i
func nextField(b []byte, i int) (int, int) {
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	st := i
	for i < len(b) && !isSpace(b[i]) {
		i++
	}
	return st, i
}

func trimSpace(b []byte, st, end int) (int, int) {
	for st < end && isSpace(b[st]) {
		st++
	}
	for end > st && isSpace(b[end-1]) {
		end--
	}
	return st, end
}

// decimal, non-negative, no sign, bounded so it cannot overflow
func parseLength(b []byte) (int, bool) {
	if len(b) == 0 || len(b) > 9 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func view(off, st, end int) engine.View {
	return engine.View{St: uint16(off + st), End: uint16(off + end)}
}
