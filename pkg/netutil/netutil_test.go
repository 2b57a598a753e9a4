package netutil

import (
	"context"
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPollerEvents(t *testing.T) {
	p, err := NewPoller(16)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := p.Add(fds[0]); err != nil {
		t.Fatal(err)
	}

	evs, woken, err := p.Wait(0)
	if err != nil || woken || len(evs) != 0 {
		t.Fatalf("poller vacío: %v %v %v", evs, woken, err)
	}

	unix.Write(fds[1], []byte("x"))
	evs, _, err = p.Wait(1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || int(evs[0].Fd) != fds[0] || !Readable(evs[0].Events) {
		t.Fatalf("esperaba lectura en fd %d, got %+v", fds[0], evs)
	}
	if Writable(evs[0].Events) {
		t.Errorf("escritura sin interés")
	}

	if err := p.Arm(fds[0], true); err != nil {
		t.Fatal(err)
	}
	evs, _, _ = p.Wait(1000)
	if len(evs) != 1 || !Writable(evs[0].Events) {
		t.Fatalf("esperaba escritura, got %+v", evs)
	}

	// Pausado no reporta nada aunque haya datos pendientes.
	if err := p.Pause(fds[0]); err != nil {
		t.Fatal(err)
	}
	evs, _, _ = p.Wait(0)
	if len(evs) != 0 {
		t.Fatalf("fd pausado reporta %+v", evs)
	}

	if err := p.Wake(); err != nil {
		t.Fatal(err)
	}
	evs, woken, _ = p.Wait(1000)
	if !woken || len(evs) != 0 {
		t.Fatalf("Wake: woken=%v evs=%+v", woken, evs)
	}

	if err := p.Remove(fds[0]); err != nil {
		t.Fatal(err)
	}
}

func TestHangup(t *testing.T) {
	if !Hangup(unix.EPOLLHUP) || !Hangup(unix.EPOLLERR) || Hangup(unix.EPOLLIN) {
		t.Error("máscara de hangup")
	}
}

func TestListenTCPReusePort(t *testing.T) {
	ctx := context.Background()
	l1, err := ListenTCPReusePort(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l1.Close()

	l2, err := ListenTCPReusePort(ctx, l1.Addr().String())
	if err != nil {
		t.Fatalf("segundo listener en el mismo puerto: %v", err)
	}
	defer l2.Close()
}

func TestDetachFD(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, _ := l.Accept()
		done <- c
	}()

	c, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server := <-done
	defer server.Close()

	fd, err := DetachFD(c.(*net.TCPConn))
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)

	if err := SetNoDelay(fd); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 8)
	if _, err := unix.Read(fd, buf); err != unix.EAGAIN {
		t.Fatalf("el fd debe ser no bloqueante, got %v", err)
	}

	server.Write([]byte("hola"))
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN {
			continue
		}
		if err != nil || string(buf[:n]) != "hola" {
			t.Fatalf("read: %q %v", buf[:n], err)
		}
		break
	}

	if _, err := c.Write([]byte("x")); !IsClosed(err) {
		t.Errorf("el net.Conn original debe quedar cerrado, got %v", err)
	}
}
