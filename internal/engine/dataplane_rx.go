package engine

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/Soyunomas/hammer/pkg/crypto"
)

// clientReadable descifra en CPU los registros del cliente y encola el
// texto plano hacia el backend.
func (l *loop) clientReadable(p *pair) {
	ferr := p.client.Fill()

	err := p.client.Records(func(plain []byte) error {
		p.backend.Queue(plain)
		return nil
	})
	if err != nil {
		if errors.Is(err, crypto.ErrAuth) {
			l.e.m.DecryptErrorsTotal.Inc()
		}
		l.log.Warn("⚠️ Registro de cliente inválido", zap.Uint32("client", p.client.ID), zap.Error(err))
		l.closePair(p)
		return
	}

	l.flushBackend(p)
	if p.client.Closed() {
		return
	}

	if ferr != nil {
		if !errors.Is(ferr, io.EOF) {
			l.log.Debug("⚠️ Lectura del cliente fallida", zap.Uint32("client", p.client.ID), zap.Error(ferr))
		}
		l.closePair(p)
	}
}

// flushBackend escribe al backend lo descifrado. Mientras quede algo se
// pide escritura; después vuelve a lectura salvo que el backend ya cerrara.
func (l *loop) flushBackend(p *pair) {
	done, err := p.backend.Flush()
	if err != nil {
		l.log.Debug("⚠️ Escritura al backend fallida", zap.Uint32("backend", p.backend.ID), zap.Error(err))
		l.closePair(p)
		return
	}

	if l.fds[p.backend.FD()] != p {
		// fuera del epoll tras un HUP
		return
	}
	read := !p.backendEOF && !p.throttled
	if err := l.poller.Modify(p.backend.FD(), read, !done); err != nil {
		l.log.Debug("⚠️ No se pudo cambiar el interés del backend", zap.Error(err))
	}
}
