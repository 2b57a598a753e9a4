package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func reusePortControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		// SO_REUSEPORT: varios listeners en el mismo puerto, el kernel reparte
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		if opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

// ListenTCPReusePort crea un listener TCP con SO_REUSEPORT y SO_REUSEADDR.
// Permite un accept loop por núcleo sobre el mismo puerto.
func ListenTCPReusePort(ctx context.Context, address string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reusePortControl}
	return lc.Listen(ctx, "tcp", address)
}

// DetachFD duplica el descriptor de c, lo deja no bloqueante y cierra c.
// El fd resultante queda fuera del netpoller del runtime, para un epoll propio.
func DetachFD(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	nfd := -1
	var dupErr error
	err = raw.Control(func(fd uintptr) {
		nfd, dupErr = unix.Dup(int(fd))
	})
	if err == nil {
		err = dupErr
	}
	if closer, ok := c.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err != nil {
		return -1, fmt.Errorf("dup: %w", err)
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return nfd, nil
}

// SetNoDelay desactiva Nagle: los registros ya van agrupados.
func SetNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// IsClosed reconoce el error de un listener cerrado.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
