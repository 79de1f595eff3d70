package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const hello = "hello, world\n"

func startServer(t testing.TB) *Server {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte(hello), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(root, "hello.txt"), 0o644); err != nil {
		t.Fatal(err)
	}

	srv, err := New(Config{Addr: "127.0.0.1:0", Root: root, Workers: 2, QueueDepth: 64})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func dial(t testing.TB, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func get(t testing.TB, br *bufio.Reader, conn net.Conn, req string) (*http.Response, string) {
	t.Helper()
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestServeFile(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv)
	br := bufio.NewReader(conn)

	resp, body := get(t, br, conn, "GET /hello.txt HTTP/1.1\r\nHost: test\r\n\r\n")
	if resp.StatusCode != http.StatusOK || body != hello {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type %q", ct)
	}
	if !resp.Close {
		t.Error("response without keep-alive should close")
	}

	// and the server really closes
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("after close: %v, want EOF", err)
	}
}

func TestKeepAlive(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv)
	br := bufio.NewReader(conn)

	for i := range 3 {
		resp, body := get(t, br, conn, "GET /hello.txt HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
		if resp.StatusCode != http.StatusOK || body != hello {
			t.Fatalf("request %d: %d %q", i, resp.StatusCode, body)
		}
		if resp.Close {
			t.Fatalf("request %d: keep-alive not honored", i)
		}
	}

	resp, _ := get(t, br, conn, "GET /missing HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFragmentedRequest(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv)
	br := bufio.NewReader(conn)

	req := "GET /hello.txt HTTP/1.1\r\nHost: test\r\n\r\n"
	for i := 0; i < len(req)-1; i++ {
		if _, err := conn.Write([]byte{req[i]}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	resp, body := get(t, br, conn, req[len(req)-1:])
	if resp.StatusCode != http.StatusOK || body != hello {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
}

func TestBadRequest(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv)

	resp, _ := get(t, bufio.NewReader(conn), conn, "POST /hello.txt HTTP/1.1\r\n\r\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestOpenConns(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv)

	waitConns := func(want int64) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for srv.OpenConns() != want {
			if time.Now().After(deadline) {
				t.Fatalf("open conns = %d, want %d", srv.OpenConns(), want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	waitConns(1)
	conn.Close()
	waitConns(0)
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in   string
		ip   [4]byte
		port int
		bad  bool
	}{
		{in: ":8080", port: 8080},
		{in: "127.0.0.1:0", ip: [4]byte{127, 0, 0, 1}},
		{in: "10.1.2.3:65535", ip: [4]byte{10, 1, 2, 3}, port: 65535},
		{in: "[::1]:80", bad: true},
		{in: "localhost:80", bad: true},
		{in: "1.2.3.4:70000", bad: true},
		{in: "1.2.3.4", bad: true},
	}

	for _, tt := range tests {
		ip, port, err := parseAddr(tt.in)
		if tt.bad {
			if err == nil {
				t.Errorf("parseAddr(%q) accepted", tt.in)
			}
			continue
		}
		if err != nil || ip != tt.ip || port != tt.port {
			t.Errorf("parseAddr(%q) = %v %d %v", tt.in, ip, port, err)
		}
	}
}

func TestNewBadRoot(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	os.WriteFile(f, nil, 0o644)

	if _, err := New(Config{Addr: "127.0.0.1:0", Root: f}); err == nil {
		t.Error("a regular file was accepted as root")
	}
}

func BenchmarkServeKeepAlive(b *testing.B) {
	srv := startServer(b)
	conn := dial(b, srv)
	conn.SetDeadline(time.Time{})
	br := bufio.NewReader(conn)
	req := "GET /hello.txt HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"

	b.ReportAllocs()
	for b.Loop() {
		get(b, br, conn, req)
	}
}
