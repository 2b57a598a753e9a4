package netutil

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

const readEvents = unix.EPOLLIN | unix.EPOLLRDHUP

// Poller es un epoll level-triggered con un eventfd para despertar Wait
// desde otros goroutines.
type Poller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

func NewPoller(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 128
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &Poller{epfd: epfd, wakefd: wakefd, events: make([]unix.EpollEvent, maxEvents)}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wakefd, unix.EPOLLIN); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Poller) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	return nil
}

// Add registra fd con interés de lectura.
func (p *Poller) Add(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, readEvents)
}

// Modify fija el interés de fd. Sin lectura ni escritura el fd solo
// reporta HUP y errores.
func (p *Poller) Modify(fd int, read, write bool) error {
	var ev uint32
	if read {
		ev |= readEvents
	}
	if write {
		ev |= unix.EPOLLOUT
	}
	return p.ctl(unix.EPOLL_CTL_MOD, fd, ev)
}

// Arm cambia el interés de fd: lectura, o lectura y escritura.
func (p *Poller) Arm(fd int, write bool) error {
	return p.Modify(fd, true, write)
}

// Pause deja fd registrado pero sin eventos; Arm lo reactiva.
func (p *Poller) Pause(fd int) error {
	return p.Modify(fd, false, false)
}

func (p *Poller) Remove(fd int) error {
	return p.ctl(unix.EPOLL_CTL_DEL, fd, 0)
}

// Wake despierta un Wait en curso.
func (p *Poller) Wake() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(p.wakefd, one[:])
	if err == unix.EAGAIN {
		// el contador ya está a tope: Wait despertará igual
		return nil
	}
	return err
}

// Wait espera hasta msec milisegundos (-1 sin límite). Devuelve los eventos
// de sockets; woken indica que alguien llamó a Wake.
func (p *Poller) Wait(msec int) (events []unix.EpollEvent, woken bool, err error) {
	n, err := unix.EpollWait(p.epfd, p.events, msec)
	if err == unix.EINTR {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("epoll_wait: %w", err)
	}
	out := p.events[:0]
	for _, ev := range p.events[:n] {
		if int(ev.Fd) == p.wakefd {
			var buf [8]byte
			_, _ = unix.Read(p.wakefd, buf[:])
			woken = true
			continue
		}
		out = append(out, ev)
	}
	return out, woken, nil
}

func (p *Poller) Close() error {
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}

// Readable, Writable y Hangup interpretan la máscara de un evento.
func Readable(ev uint32) bool { return ev&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 }
func Writable(ev uint32) bool { return ev&unix.EPOLLOUT != 0 }
func Hangup(ev uint32) bool   { return ev&(unix.EPOLLHUP|unix.EPOLLERR) != 0 }
