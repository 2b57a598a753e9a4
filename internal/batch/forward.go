package batch

import (
	"go.uber.org/zap"
)

func (x *Context) forwardIfProcessed(by string) error {
	x.completeMu.Lock()
	defer x.completeMu.Unlock()

	ok, err := x.bufferIsProcessed()
	if err != nil || !ok {
		return err
	}
	return x.forward(by)
}

// forward requiere completeMu. Publica el batch procesado para los lectores
// de Job.Ready y pone en escritura la pareja de cada job, una vez por job.
func (x *Context) forward(by string) error {
	id := x.processed
	if id != x.active^1 {
		return protocolError("forward", "processed buffer %d is the active one", id)
	}
	b := x.bufs[id]
	jobs := b.jobs[:b.count]

	for i := range jobs {
		if jobs[i].conn.Peer() == nil {
			return newError(KindConfig, "forward", ErrNoPeer)
		}
	}

	b.forwarded.Store(b.epoch)
	for i := range jobs {
		peer := jobs[i].conn.Peer()
		if err := x.reg.SetWriteInterest(peer); err != nil {
			// La pareja pudo cerrarse; sus jobs se liberan al cerrar.
			x.log.Debug("⚠️ No se pudo activar escritura", zap.Int("slot", i), zap.Error(err))
		}
	}
	x.processed = noBuffer

	lbl := x.label()
	x.m.ForwardedBatches.WithLabelValues(lbl, by).Inc()
	x.m.ForwardedJobsTotal.WithLabelValues(lbl).Add(float64(len(jobs)))
	return nil
}

// Flush reenvía el batch procesado sin esperar a una lectura. El host lo
// llama periódicamente para que un contexto sin tráfico no retenga datos.
func (x *Context) Flush() error {
	return x.forwardIfProcessed("flush")
}
