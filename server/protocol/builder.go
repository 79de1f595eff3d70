package protocol

import "github.com/kfcemployee/fileserver/server/engine"

// lookup table for status lines
// i use flat list instead of map bc codes is fixed
var statusTable = [501][]byte{
	200: []byte("200 OK"),
	400: []byte("400 Bad Request"),
	403: []byte("403 Forbidden"),
	404: []byte("404 Not Found"),
	500: []byte("500 Internal Server Error"),
}

// canned bodies
var (
	form400  = []byte("Your request had bad syntax or is inherently impossible to satisfy.\n")
	form403  = []byte("You do not have permission to get file from this server.\n")
	form404  = []byte("The requested file was not found in this server.\n")
	form500  = []byte("There was an unusual problem serving the requested file.\n")
	emptyDoc = []byte("<html><body></body></html>")
)

// for fast access
var (
	proto     = []byte("HTTP/1.1 ")
	crlf      = []byte("\r\n")
	colon     = []byte(": ")
	keepAlive = []byte("keep-alive")
	closeConn = []byte("close")

	hdrContentType = []byte("Content-Type")
	textPlain      = []byte("text/plain; charset=utf-8")
	textHTML       = []byte("text/html; charset=utf-8")
)

// helper func to copy int to pre-allocated buf with zero-alloc, buf is dst[n:]
// n should be uint bc / 10 (and % 10) for uints is faster, and our lengths are >= 0
func IntToBuf(buf []byte, n uint) int {
	if n == 0 {
		buf[0] = '0'
		return 1
	}

	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n%10) + '0'
		n /= 10
	}
	return copy(buf, tmp[i:])
}

// builder appends to the session write buffer, it never grows it:
// an append that does not fit fails with ErrResponseTooLarge and writes nothing
type builder struct {
	s *engine.Session
}

func (b builder) free() int {
	return len(b.s.Wbuf) - b.s.WriteIdx
}

func (b builder) append(parts ...[]byte) error {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if n > b.free() {
		return ErrResponseTooLarge
	}
	for _, p := range parts {
		b.s.WriteIdx += copy(b.s.Wbuf[b.s.WriteIdx:], p)
	}
	return nil
}

func (b builder) statusLine(code uint16) error {
	st := statusTable[500]
	if int(code) < len(statusTable) && statusTable[code] != nil {
		st = statusTable[code]
	}
	return b.append(proto, st, crlf)
}

func (b builder) header(key, val []byte) error {
	return b.append(key, colon, val, crlf)
}

func (b builder) contentLength(n int) error {
	var tmp [20]byte
	l := IntToBuf(tmp[:], uint(n))
	return b.header(hdrLength, tmp[:l])
}

func (b builder) linger(on bool) error {
	if on {
		return b.header(hdrConn, keepAlive)
	}
	return b.header(hdrConn, closeConn)
}

func (b builder) blankLine() error {
	return b.append(crlf)
}

func (b builder) content(body []byte) error {
	return b.append(body)
}

// head writes status line and the fixed headers, then the blank line
func (b builder) head(code uint16, length int, ctype []byte, linger bool) error {
	if err := b.statusLine(code); err != nil {
		return err
	}
	if err := b.contentLength(length); err != nil {
		return err
	}
	if ctype != nil {
		if err := b.header(hdrContentType, ctype); err != nil {
			return err
		}
	}
	if err := b.linger(linger); err != nil {
		return err
	}
	return b.blankLine()
}

func (b builder) canned(code uint16, body, ctype []byte) error {
	if err := b.head(code, len(body), ctype, b.s.Req.Linger); err != nil {
		return err
	}
	if err := b.content(body); err != nil {
		return err
	}
	b.s.Queue()
	return nil
}

// buildResponse writes the response for code into the session and queues it.
// A non-empty file is not copied: the mapping becomes the second writev segment.
func buildResponse(s *engine.Session, code Code, ctype string) error {
	b := builder{s: s}
	switch code {
	case BadRequest:
		return b.canned(400, form400, textPlain)
	case Forbidden:
		return b.canned(403, form403, textPlain)
	case NotFound:
		return b.canned(404, form404, textPlain)
	case InternalError:
		return b.canned(500, form500, textPlain)
	case FileReady:
		m := s.Mapping()
		if len(m) == 0 {
			return b.canned(200, emptyDoc, textHTML)
		}
		if err := b.head(200, len(m), []byte(ctype), s.Req.Linger); err != nil {
			return err
		}
		s.Queue()
		return nil
	default:
		return errUnexpectedCode
	}
}

// http status for a result code
func statusOf(code Code) uint16 {
	switch code {
	case FileReady:
		return 200
	case BadRequest:
		return 400
	case Forbidden:
		return 403
	case NotFound:
		return 404
	default:
		return 500
	}
}
