// file with epoll settings and socket creating
// only low level epoll and socket functional
package engine

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

const (
	backlog   = 1024 // backlog for listening
	maxEvents = 128
)

// what a session waits for next
type Interest uint8

const (
	Readable Interest = iota
	Writable
)

// Poller is the registration contract the sessions rely on.
// Every interest is edge-triggered and one-shot: after an event the fd stays silent until Rearm.
type Poller interface {
	Register(fd int) error
	Rearm(fd int, in Interest) error
	Deregister(fd int) error
}

// Epoll is the Poller backed by a real epoll instance
type Epoll struct {
	fd   int
	wake int // eventfd used to interrupt Wait
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ep := &Epoll{fd: fd, wake: wake}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wake, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wake),
	}); err != nil {
		ep.Close()
		return nil, fmt.Errorf("epoll_ctl add wake: %w", err)
	}
	return ep, nil
}

func events(in Interest) uint32 {
	ev := uint32(unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP)
	if in == Writable {
		return ev | unix.EPOLLOUT
	}
	return ev | unix.EPOLLIN
}

func (ep *Epoll) Register(fd int) error {
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events(Readable),
		Fd:     int32(fd),
	})
}

func (ep *Epoll) Rearm(fd int, in Interest) error {
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events(in),
		Fd:     int32(fd),
	})
}

func (ep *Epoll) Deregister(fd int) error {
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// listening socket is edge-triggered but not one-shot, the loop accepts until EAGAIN
func (ep *Epoll) addListener(fd int) error {
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(fd),
	})
}

func (ep *Epoll) Wait(evs []unix.EpollEvent, msec int) (int, error) {
	return unix.EpollWait(ep.fd, evs, msec)
}

// Wake interrupts a blocked Wait
func (ep *Epoll) Wake() error {
	var one = [8]byte{1}
	_, err := unix.Write(ep.wake, one[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil // counter already non-zero
	}
	return err
}

func (ep *Epoll) isWake(fd int) bool {
	return fd == ep.wake
}

func (ep *Epoll) Close() error {
	return errors.Join(unix.Close(ep.wake), unix.Close(ep.fd))
}

// create new non-blocking socket, bind and start listening
func listenSocket(addr [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{ // bind socket to addr:port
		Port: port,
		Addr: addr,
	}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil { // start listening on addr:port
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// address the socket is actually bound to, matters for port 0
func boundAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return sockaddrToAddrPort(sa), nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}
