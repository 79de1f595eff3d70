package engine

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	ReadBufferSize  = 2048 // fits uint16 views
	WriteBufferSize = 1024
)

var (
	ErrPeerClosed = errors.New("peer closed connection")
	ErrBufferFull = errors.New("read buffer is full")
)

// parser phase of the request currently being read
type Phase uint8

const (
	PhaseRequestLine Phase = iota
	PhaseHeaders
	PhaseBody
)

// view for slice of Rbuf
type View struct {
	St  uint16
	End uint16
}

// view as buffer based on Session
func (v View) AsBuf(s *Session) []byte {
	return s.Rbuf[v.St:v.End]
}

func (v View) Len() int {
	return int(v.End) - int(v.St)
}

// request parsed so far, all views refer to session Rbuf
type Request struct {
	Phase Phase

	Method  View
	URL     View
	Version View
	Host    View
	Body    View

	ContentLength int
	Linger        bool // Connection: keep-alive
}

// verdict of a handler about what the session needs next
type Verdict uint8

const (
	NeedMore Verdict = iota // request incomplete, wait for readable
	Respond                 // response queued, wait for writable
	Abort                   // close the connection
)

// handler runs the protocol over a session, res is the opaque pool resource
type Handler func(s *Session, res any) Verdict

// outcome of Write
type WriteResult uint8

const (
	WriteBlocked WriteResult = iota // socket would block, re-armed for writable
	WriteDone                       // response sent, session reset and re-armed for readable
	WriteClose                      // response sent (or failed), connection must be closed
)

// Session is the state of one connection.
// It is owned by one goroutine at a time: the event loop until the fd is handed to
// the pool, then a single worker until the fd is re-armed. That is why nothing here locks.
type Session struct {
	Fd   int
	Peer string
	Log  zerolog.Logger

	Rbuf       []byte // fixed ReadBufferSize, never grown
	CheckedIdx int    // bytes already scanned for line terminators
	ReadIdx    int    // bytes received
	StartLine  int    // offset of the line being interpreted

	Wbuf     []byte // fixed WriteBufferSize, never grown
	WriteIdx int

	Req Request

	mapped []byte // mmap'd file body of the current response
	iov    [2][]byte
	iovN   int
	toSend int
	sent   int

	poller Poller
	table  *Table
	closed bool
}

// NewSession allocates a session for fd. It is not registered anywhere, see Table.Open for that.
func NewSession(fd int, peer string, p Poller) *Session {
	return &Session{
		Fd:     fd,
		Peer:   peer,
		Log:    zerolog.Nop(),
		Rbuf:   make([]byte, ReadBufferSize),
		Wbuf:   make([]byte, WriteBufferSize),
		poller: p,
	}
}

// Reset prepares the session for the next request on the same socket
func (s *Session) Reset() {
	s.Release()
	clear(s.Rbuf[:s.ReadIdx])

	s.CheckedIdx = 0
	s.ReadIdx = 0
	s.StartLine = 0
	s.WriteIdx = 0
	s.Req = Request{}

	s.iov = [2][]byte{}
	s.iovN = 0
	s.toSend = 0
	s.sent = 0
}

// Read drains the socket into Rbuf until it would block or the buffer is full.
func (s *Session) Read() error {
	if s.ReadIdx >= len(s.Rbuf) {
		return ErrBufferFull
	}

	for s.ReadIdx < len(s.Rbuf) {
		n, err := unix.Read(s.Fd, s.Rbuf[s.ReadIdx:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return fmt.Errorf("read fd %d: %w", s.Fd, err)
		}
		if n == 0 {
			return ErrPeerClosed
		}
		s.ReadIdx += n
	}
	return nil
}

// SetMapping hands a mmap'd region to the session, it is unmapped by Release
func (s *Session) SetMapping(m []byte) {
	s.Release()
	s.mapped = m
}

func (s *Session) Mapping() []byte {
	return s.mapped
}

// Release unmaps the file body, safe to call any number of times
func (s *Session) Release() {
	if s.mapped == nil {
		return
	}
	if err := unix.Munmap(s.mapped); err != nil {
		s.Log.Warn().Err(err).Msg("munmap failed")
	}
	s.mapped = nil
}

// Queue marks Wbuf[:WriteIdx] and the mapping (if any) as the response to send
func (s *Session) Queue() {
	s.iov[0] = s.Wbuf[:s.WriteIdx]
	s.iov[1] = nil
	s.iovN = 1
	if len(s.mapped) > 0 {
		s.iov[1] = s.mapped
		s.iovN = 2
	}
	s.toSend = s.WriteIdx + len(s.mapped)
	s.sent = 0
}

// Pending returns bytes queued but not yet sent
func (s *Session) Pending() int {
	return s.toSend - s.sent
}

// Write sends the queued segments with writev until done or the socket would block.
func (s *Session) Write() (WriteResult, error) {
	if s.toSend == 0 {
		return WriteDone, s.rearm(Readable)
	}

	for s.sent < s.toSend {
		n, err := unix.Writev(s.Fd, s.iov[:s.iovN])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return WriteBlocked, s.rearm(Writable)
			}
			s.Release()
			return WriteClose, fmt.Errorf("writev fd %d: %w", s.Fd, err)
		}
		s.sent += n
		s.advance(n)
	}

	s.Release()
	if !s.Req.Linger {
		return WriteClose, nil
	}
	s.Reset()
	return WriteDone, s.rearm(Readable)
}

// drop n written bytes from the front of iov
func (s *Session) advance(n int) {
	for n > 0 && s.iovN > 0 {
		if n < len(s.iov[0]) {
			s.iov[0] = s.iov[0][n:]
			return
		}
		n -= len(s.iov[0])
		s.iov[0], s.iov[1] = s.iov[1], nil
		s.iovN--
	}
}

// Process runs h and re-arms the fd according to its verdict.
// It is the only thing a worker does with a session and it never blocks on the socket.
func (s *Session) Process(h Handler, res any) {
	var err error
	switch h(s, res) {
	case NeedMore:
		err = s.rearm(Readable)
	case Respond:
		err = s.rearm(Writable)
	default:
		s.Close()
		return
	}

	if err != nil {
		s.Log.Warn().Err(err).Msg("rearm failed")
		s.Close()
	}
}

func (s *Session) rearm(in Interest) error {
	if s.poller == nil {
		return nil
	}
	return s.poller.Rearm(s.Fd, in)
}

// Close releases everything the session holds and closes the socket
func (s *Session) Close() {
	if s.table != nil {
		s.table.Close(s)
		return
	}
	s.shutdown()
}

func (s *Session) shutdown() {
	if s.closed {
		return
	}
	s.closed = true

	s.Release()
	if s.poller != nil {
		if err := s.poller.Deregister(s.Fd); err != nil {
			s.Log.Debug().Err(err).Msg("deregister failed")
		}
	}
	unix.Close(s.Fd) // closing socket AFTER it left epoll
}
