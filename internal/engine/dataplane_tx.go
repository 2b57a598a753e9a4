package engine

import (
	"errors"

	"code.hybscloud.com/iox"
	"go.uber.org/zap"

	"github.com/Soyunomas/hammer/internal/batch"
)

var errBackendHangup = errors.New("backend hangup")

// backendReadable admite lo que el backend escribió en el buffer activo de
// su contexto. Solo devuelve error si el contexto quedó inservible.
func (l *loop) backendReadable(p *pair) error {
	if p.backendEOF || p.throttled {
		return nil
	}
	if p.client.Buffered() > highWater {
		l.throttle(p)
		return nil
	}

	admitted := false
	defer func() {
		if admitted {
			p.dev.worker.Notify()
		}
	}()

	for range readsPerEvent {
		err := p.dev.x.HandleRead(p.backend)
		if err == nil {
			admitted = true
			continue
		}

		switch {
		case errors.Is(err, iox.ErrWouldBlock):
		case batch.KindOf(err) == batch.KindCapacity:
			// Los dos buffers están llenos: el worker aún no tomó el activo.
			l.throttle(p)
		case batch.KindOf(err) == batch.KindConn:
			l.backendClosed(p, err)
		default:
			l.log.Error("🔥 Contexto de batching inservible",
				zap.String("context", p.dev.x.Name()), zap.Error(err))
			return err
		}
		return nil
	}
	return nil
}

// backendClosed deja de leer el backend. La pareja se cierra cuando el
// cliente haya recibido todo lo admitido.
func (l *loop) backendClosed(p *pair, err error) {
	if ce := l.log.Check(zap.DebugLevel, "🔌 Backend cerrado"); ce != nil {
		ce.Write(zap.Uint32("backend", p.backend.ID), zap.Int("pending", p.backend.PendingJobs()), zap.Error(err))
	}
	p.backendEOF = true
	if p.drained() {
		l.closePair(p)
		return
	}
	if err := l.poller.Modify(p.backend.FD(), false, p.backend.Buffered() > 0); err != nil {
		l.log.Debug("⚠️ No se pudo pausar el backend", zap.Error(err))
	}
}

// backendHangup atiende HUP/ERR del backend. El evento es level-triggered
// aunque el fd no tenga interés, así que el fd sale del epoll hasta que la
// pareja se cierre.
func (l *loop) backendHangup(p *pair) error {
	if !p.backendEOF && !p.throttled {
		if err := l.backendReadable(p); err != nil {
			return err
		}
	}
	if p.backend.Closed() {
		return nil
	}
	if !p.backendEOF {
		l.backendClosed(p, errBackendHangup)
		if p.backend.Closed() {
			return nil
		}
	}
	l.forget(p.backend.FD(), p)
	return nil
}

// deliver pasa al cliente, en orden, los jobs ya cifrados de su backend y
// escribe lo que el socket admita. Cada job se libera al copiarlo a la cola
// de salida, sin esperar a que el cliente lea.
func (l *loop) deliver(p *pair) {
	for {
		j := p.backend.NextReady()
		if j == nil {
			break
		}
		err := p.client.QueueRecord(j.Length, j.Output)
		j.Release()
		if err != nil {
			l.log.Warn("⚠️ Registro de salida inválido", zap.Int("len", j.Length), zap.Error(err))
			l.closePair(p)
			return
		}
	}

	done, err := p.client.Flush()
	if err != nil {
		l.log.Debug("⚠️ Escritura al cliente fallida", zap.Uint32("client", p.client.ID), zap.Error(err))
		l.closePair(p)
		return
	}
	if done && p.backendEOF && p.drained() {
		l.closePair(p)
		return
	}

	// Escritura solo mientras quede cola por vaciar.
	if p.writing == !done {
		return
	}
	p.writing = !done
	if err := p.client.Arm(p.writing); err != nil {
		l.log.Debug("⚠️ No se pudo cambiar el interés del cliente", zap.Error(err))
	}
}
