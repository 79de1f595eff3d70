package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

type Config struct {
	Addr [4]byte
	Port int

	Workers    int
	QueueDepth int
	MaxConns   int // upper bound for the session table, RLIMIT_NOFILE applies too

	Resource any // handed to the Handler untouched
	Logger   zerolog.Logger
}

// Engine is the event loop: it accepts, reads and writes on readiness and hands
// sessions with new bytes to the worker pool.
type Engine struct {
	ep   *Epoll
	lfd  int
	addr netip.AddrPort

	table   *Table
	pool    *Pool[*Session, any]
	handler Handler

	log zerolog.Logger
	m   *metrics
}

// New binds the listening socket and starts the workers; Run starts the loop.
func New(cfg Config, h Handler) (*Engine, error) {
	ep, err := NewEpoll()
	if err != nil {
		return nil, err
	}

	lfd, err := listenSocket(cfg.Addr, cfg.Port)
	if err != nil {
		ep.Close()
		return nil, err
	}
	fail := func(err error) (*Engine, error) {
		unix.Close(lfd)
		ep.Close()
		return nil, err
	}

	addr, err := boundAddr(lfd)
	if err != nil {
		return fail(fmt.Errorf("getsockname: %w", err))
	}
	if err := ep.addListener(lfd); err != nil {
		return fail(fmt.Errorf("epoll_ctl add listen: %w", err))
	}

	e, err := newEngine(ep, TableSize(cfg.MaxConns), cfg, h)
	if err != nil {
		return fail(err)
	}
	e.ep = ep
	e.lfd = lfd
	e.addr = addr
	return e, nil
}

func newEngine(p Poller, size int, cfg Config, h Handler) (*Engine, error) {
	e := &Engine{
		lfd:     -1,
		table:   NewTable(size, p, cfg.Logger),
		handler: h,
		log:     cfg.Logger,
	}

	m, err := newMetrics(e.table)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	e.m = m
	e.table.onClose = func() { e.m.closed.Add(context.Background(), 1) }

	pool, err := NewPool(cfg.Workers, cfg.QueueDepth, cfg.Resource, e.work)
	if err != nil {
		return nil, err
	}
	e.pool = pool
	return e, nil
}

// Addr is the address the listener is bound to
func (e *Engine) Addr() string {
	return e.addr.String()
}

// OpenConns is the number of live sessions
func (e *Engine) OpenConns() int64 {
	return e.table.Count()
}

// Run blocks in the event loop until ctx is done, then tears everything down.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()

	stop := context.AfterFunc(ctx, func() {
		if err := e.ep.Wake(); err != nil {
			e.log.Error().Err(err).Msg("wake event loop")
		}
	})
	defer stop()

	e.log.Info().
		Str("addr", e.Addr()).
		Int("queue", e.pool.Cap()).
		Int("table", e.table.Cap()).
		Msg("listening")

	events := make([]unix.EpollEvent, maxEvents)
	for {
		// number of events to handle
		n, err := e.ep.Wait(events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := range n {
			fd := int(events[i].Fd) // current event descriptor

			switch {
			case fd == e.lfd:
				e.accept()
			case e.ep.isWake(fd):
				if ctx.Err() != nil {
					return nil
				}
			default:
				e.dispatch(fd, events[i].Events)
			}
		}
	}
}

// accept until the backlog is empty, the listener is edge-triggered
func (e *Engine) accept() {
	for {
		nfd, sa, err := unix.Accept4(e.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				e.log.Error().Err(err).Msg("accept failed")
				return
			}
		}

		peer := sockaddrToAddrPort(sa).String()
		if _, err := e.table.Open(nfd, peer); err != nil {
			e.log.Warn().Err(err).Str("peer", peer).Msg("rejecting connection")
			e.m.rejected.Add(context.Background(), 1, reasonTableFull)
			unix.Close(nfd)
			continue
		}
		e.m.accepted.Add(context.Background(), 1)
	}
}

// dispatch handles one readiness event. The fd is disarmed while we are here,
// so the session belongs to this call until it is enqueued or re-armed.
func (e *Engine) dispatch(fd int, ev uint32) {
	s := e.table.Get(fd)
	if s == nil {
		return
	}

	switch {
	case ev&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0:
		s.Close()

	case ev&unix.EPOLLIN != 0:
		if err := s.Read(); err != nil {
			if !errors.Is(err, ErrPeerClosed) {
				s.Log.Debug().Err(err).Msg("read failed")
			}
			s.Close()
			return
		}
		if err := e.pool.Enqueue(s); err != nil {
			s.Log.Warn().Err(err).Msg("dropping connection")
			e.m.rejected.Add(context.Background(), 1, reasonQueueFull)
			s.Close()
		}

	case ev&unix.EPOLLOUT != 0:
		res, err := s.Write()
		if err != nil {
			s.Log.Debug().Err(err).Msg("write failed")
			s.Close()
			return
		}
		if res == WriteClose {
			s.Close()
		}
	}
}

// worker side: run the protocol, never let a panic kill the pool
func (e *Engine) work(s *Session, res any) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error().Interface("panic", r).Msg("handler panicked")
			s.Close()
		}
	}()
	s.Process(e.handler, res)
}

func (e *Engine) shutdown() {
	e.pool.Close()
	e.table.CloseAll()
	if e.lfd >= 0 {
		unix.Close(e.lfd)
	}
	if e.ep != nil {
		if err := e.ep.Close(); err != nil {
			e.log.Warn().Err(err).Msg("close epoll")
		}
	}
	e.log.Info().Msg("stopped")
}
