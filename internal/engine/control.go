package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"code.hybscloud.com/iox"
	"go.uber.org/zap"

	"github.com/Soyunomas/hammer/internal/conn"
	"github.com/Soyunomas/hammer/pkg/crypto"
	"github.com/Soyunomas/hammer/pkg/netutil"
	"github.com/Soyunomas/hammer/pkg/protocol"
)

// clientPending es la cola de jobs de un cliente: nunca admite por lotes.
const clientPending = 4

// --- ACCEPT ---

func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener, l *loop) error {
	var bo iox.Backoff
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || netutil.IsClosed(err) {
				return nil
			}
			l.log.Warn("⚠️ Accept fallido", zap.Error(err))
			bo.Wait()
			continue
		}
		bo.Reset()

		if e.active.Add(1) > int64(e.cfg.MaxClients) {
			e.active.Add(-1)
			l.log.Warn("⛔ Límite de clientes alcanzado", zap.Int("max_clients", e.cfg.MaxClients))
			_ = c.Close()
			continue
		}
		if err := e.inflight.Acquire(ctx, 1); err != nil {
			e.active.Add(-1)
			_ = c.Close()
			return nil
		}

		e.handshakes.Add(1)
		go func() {
			defer e.handshakes.Done()
			defer e.inflight.Release(1)
			if err := e.handshake(ctx, c, l); err != nil {
				e.active.Add(-1)
				l.log.Warn("⚠️ Handshake fallido", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

// --- HANDSHAKE ---

// handshake conecta con el backend, envía el nonce de sesión al cliente y
// entrega la pareja al loop. Cierra todo lo abierto si falla.
func (e *Engine) handshake(ctx context.Context, c net.Conn, l *loop) error {
	defer c.Close()

	dctx, cancel := context.WithTimeout(ctx, HelloTimeout)
	defer cancel()
	bc, err := e.dialer.DialContext(dctx, "tcp", e.cfg.Backend)
	if err != nil {
		return fmt.Errorf("dial backend: %w", err)
	}
	defer bc.Close()

	nonce, err := crypto.NewNonce()
	if err != nil {
		return err
	}
	keys, err := crypto.DeriveConnKeys(e.cfg.SecretKey, nonce[:], e.cfg.Batch.KeySize)
	if err != nil {
		return err
	}

	var hello [protocol.HelloSize]byte
	if _, err := protocol.EncodeHello(hello[:], nonce[:]); err != nil {
		return err
	}
	_ = c.SetWriteDeadline(time.Now().Add(HelloTimeout))
	if _, err := c.Write(hello[:]); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	_ = c.SetWriteDeadline(time.Time{})

	cfd, err := detach(c)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	bfd, err := detach(bc)
	if err != nil {
		syscall.Close(cfd)
		return fmt.Errorf("backend: %w", err)
	}

	client := conn.New(cfd, conn.RoleClient, l, clientPending)
	backend := conn.New(bfd, conn.RoleBackend, l, 2*e.cfg.Batch.MaxJobs)
	client.SetKeys(keys.RxKey, keys.RxIV)
	backend.SetKeys(keys.TxKey, keys.TxIV)
	conn.Pair(client, backend)

	p := &pair{client: client, backend: backend, dev: e.pickDevice()}
	e.m.ActiveConnections.Inc()
	if ce := l.log.Check(zap.DebugLevel, "🤝 Cliente conectado"); ce != nil {
		ce.Write(
			zap.Uint32("client", client.ID),
			zap.Stringer("remote", c.RemoteAddr()),
			zap.String("context", p.dev.x.Name()))
	}
	l.submit(p)
	return nil
}

func detach(c net.Conn) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1, errors.New("connection does not expose its descriptor")
	}
	fd, err := netutil.DetachFD(sc)
	if err != nil {
		return -1, err
	}
	if err := netutil.SetNoDelay(fd); err != nil {
		syscall.Close(fd)
		return -1, fmt.Errorf("nodelay: %w", err)
	}
	return fd, nil
}

// --- HOUSEKEEPING ---

// housekeeping reenvía los batches cifrados de contextos sin tráfico.
func (e *Engine) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Batch.FlushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, d := range e.devices {
				if err := d.x.Flush(); err != nil {
					e.log.Error("🔥 Flush fallido", zap.String("context", d.x.Name()), zap.Error(err))
					return fmt.Errorf("flush %s: %w", d.x.Name(), err)
				}
			}
		}
	}
}
