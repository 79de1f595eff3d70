package protocol

import (
	"bytes"
	"errors"
	"strconv"
	"testing"

	"github.com/kfcemployee/fileserver/server/engine"
)

func TestBuildCanned(t *testing.T) {
	tests := []struct {
		name   string
		code   Code
		linger bool
		status string
		body   []byte
	}{
		{"bad request", BadRequest, false, "400 Bad Request", form400},
		{"forbidden", Forbidden, true, "403 Forbidden", form403},
		{"not found", NotFound, false, "404 Not Found", form404},
		{"internal", InternalError, false, "500 Internal Server Error", form500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession()
			s.Req.Linger = tt.linger

			if err := buildResponse(s, tt.code, ""); err != nil {
				t.Fatal(err)
			}

			conn := "close"
			if tt.linger {
				conn = "keep-alive"
			}
			want := "HTTP/1.1 " + tt.status + "\r\n" +
				"Content-Length: " + strconv.Itoa(len(tt.body)) + "\r\n" +
				"Content-Type: text/plain; charset=utf-8\r\n" +
				"Connection: " + conn + "\r\n\r\n" + string(tt.body)

			if got := string(s.Wbuf[:s.WriteIdx]); got != want {
				t.Errorf("got\n%q\nwant\n%q", got, want)
			}
			if s.Pending() != s.WriteIdx {
				t.Errorf("pending = %d, want %d", s.Pending(), s.WriteIdx)
			}
		})
	}
}

func TestBuildEmptyFile(t *testing.T) {
	s := newSession()
	if err := buildResponse(s, FileReady, "text/plain"); err != nil {
		t.Fatal(err)
	}

	out := s.Wbuf[:s.WriteIdx]
	if !bytes.HasPrefix(out, []byte("HTTP/1.1 200 OK\r\nContent-Length: 26\r\n")) {
		t.Errorf("unexpected head %q", out)
	}
	if !bytes.HasSuffix(out, []byte("\r\n\r\n<html><body></body></html>")) {
		t.Errorf("unexpected body %q", out)
	}
}

func TestBuildOverflow(t *testing.T) {
	s := newSession()
	s.WriteIdx = engine.WriteBufferSize - 10

	err := buildResponse(s, NotFound, "")
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("err = %v, want ErrResponseTooLarge", err)
	}
	if s.WriteIdx > engine.WriteBufferSize {
		t.Errorf("WriteIdx = %d past the buffer", s.WriteIdx)
	}
}

func TestBuilderAppendAllOrNothing(t *testing.T) {
	s := newSession()
	s.WriteIdx = engine.WriteBufferSize - 4
	b := builder{s: s}

	if err := b.append([]byte("ab"), []byte("cde")); !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("err = %v", err)
	}
	if s.WriteIdx != engine.WriteBufferSize-4 {
		t.Errorf("failed append moved WriteIdx to %d", s.WriteIdx)
	}
	if err := b.append([]byte("ab"), []byte("cd")); err != nil {
		t.Fatalf("exact fit: %v", err)
	}
	if b.free() != 0 {
		t.Errorf("free = %d, want 0", b.free())
	}
}

func TestBuildUnexpectedCode(t *testing.T) {
	if err := buildResponse(newSession(), Incomplete, ""); !errors.Is(err, errUnexpectedCode) {
		t.Errorf("err = %v", err)
	}
}

func TestIntToBuf(t *testing.T) {
	for _, n := range []uint{0, 7, 10, 1234567, 18446744073709551615} {
		var buf [20]byte
		l := IntToBuf(buf[:], n)
		if got, want := string(buf[:l]), strconv.FormatUint(uint64(n), 10); got != want {
			t.Errorf("IntToBuf(%d) = %q", n, got)
		}
	}
}

func BenchmarkBuildNotFound(b *testing.B) {
	s := newSession()
	for b.Loop() {
		s.WriteIdx = 0
		if err := buildResponse(s, NotFound, ""); err != nil {
			b.Fatal(err)
		}
	}
}
