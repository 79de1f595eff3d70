package engine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var ErrTableFull = errors.New("descriptor out of session table range")

// Table is the fd indexed set of live sessions.
// i use atomic pointers here bc the loop stores sessions while workers clear them on close
type Table struct {
	slots  []atomic.Pointer[Session]
	open   *xsync.Counter
	poller Poller
	log    zerolog.Logger

	onClose func()
}

// TableSize is the number of slots to allocate: RLIMIT_NOFILE capped by limit.
func TableSize(limit int) int {
	rlim := unix.Rlimit{}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil || rlim.Cur == 0 {
		return limit
	}
	if limit > 0 && rlim.Cur > uint64(limit) {
		return limit
	}
	return int(rlim.Cur)
}

func NewTable(size int, p Poller, log zerolog.Logger) *Table {
	return &Table{
		slots:  make([]atomic.Pointer[Session], size),
		open:   xsync.NewCounter(),
		poller: p,
		log:    log,
	}
}

// Open creates the session for a freshly accepted fd and registers it one-shot readable
func (t *Table) Open(fd int, peer string) (*Session, error) {
	if fd < 0 || fd >= len(t.slots) {
		return nil, fmt.Errorf("fd %d: %w", fd, ErrTableFull)
	}

	s := NewSession(fd, peer, t.poller)
	s.table = t
	s.Log = t.log.With().Int("fd", fd).Str("peer", peer).Logger()

	t.slots[fd].Store(s)
	if err := t.poller.Register(fd); err != nil {
		t.slots[fd].Store(nil)
		return nil, fmt.Errorf("register fd %d: %w", fd, err)
	}
	t.open.Inc()
	return s, nil
}

func (t *Table) Get(fd int) *Session {
	if fd < 0 || fd >= len(t.slots) {
		return nil
	}
	return t.slots[fd].Load()
}

// Close removes s from the table and closes its socket.
// The slot is cleared before the fd is closed so a new accept cannot reuse it under us.
func (t *Table) Close(s *Session) bool {
	if !t.slots[s.Fd].CompareAndSwap(s, nil) {
		return false
	}
	s.shutdown()
	t.open.Dec()
	if t.onClose != nil {
		t.onClose()
	}
	s.Log.Debug().Msg("connection closed")
	return true
}

// CloseAll closes every live session, only safe once workers are stopped
func (t *Table) CloseAll() {
	for i := range t.slots {
		if s := t.slots[i].Load(); s != nil {
			t.Close(s)
		}
	}
}

// Count is the number of open connections
func (t *Table) Count() int64 {
	return t.open.Value()
}

func (t *Table) Cap() int {
	return len(t.slots)
}
