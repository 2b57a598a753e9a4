package batch

import (
	"errors"
	"fmt"
	"io"
	"time"

	"code.hybscloud.com/iox"
	"go.uber.org/zap"

	"github.com/Soyunomas/hammer/pkg/layout"
)

// HandleRead se llama cuando la conexión c es legible. Reenvía el batch
// procesado si lo hay, cambia de buffer si el worker tiene el activo, y lee
// de c directamente a la región de texto plano, creando un job.
//
// Los errores KindConn solo afectan a c (lectura vacía, EOF, EAGAIN). El
// resto deja el contexto inservible.
func (x *Context) HandleRead(c Conn) error {
	return x.ingest("read", c, c.Read)
}

// Admit es HandleRead con el texto plano ya en memoria.
func (x *Context) Admit(c Conn, payload []byte) error {
	return x.ingest("admit", c, func(dst []byte) (int, error) {
		if len(payload) == 0 {
			return 0, ErrEmptyPayload
		}
		if len(payload) > len(dst) {
			return 0, capacityError("admit", "payload of %d bytes, %d available", len(payload), len(dst))
		}
		return copy(dst, payload), nil
	})
}

func (x *Context) checkConn(op string, c Conn) error {
	if c == nil {
		return newError(KindConfig, op, errors.New("nil connection"))
	}
	if !c.Batched() {
		return newError(KindConfig, op, ErrNotBatched)
	}
	if c.Peer() == nil {
		return newError(KindConfig, op, ErrNoPeer)
	}
	return nil
}

func (x *Context) ingest(op string, c Conn, fill func([]byte) (int, error)) error {
	if err := x.checkConn(op, c); err != nil {
		return err
	}

	// 1. Batch cifrado pendiente de reenviar
	if err := x.forwardIfProcessed("producer"); err != nil {
		return err
	}

	// 2. Admisión en el buffer activo
	x.launchMu.Lock()
	defer x.launchMu.Unlock()

	if x.bufferIsTaken() {
		x.switchBuffer("producer")
	}

	b := x.bufs[x.active]
	limit, err := x.readLimit(op, b)
	if err != nil {
		return err
	}
	dst, err := b.view.Plaintext(b.fill, limit)
	if err != nil {
		return newError(KindProtocol, op, err)
	}

	n, rerr := fill(dst)
	if n <= 0 {
		var be *Error
		if errors.As(rerr, &be) {
			return be
		}
		if rerr == nil {
			rerr = io.EOF
		}
		if !errors.Is(rerr, iox.ErrWouldBlock) {
			x.m.ReadErrorsTotal.WithLabelValues(x.label()).Inc()
		}
		return newError(KindConn, op, fmt.Errorf("%w: %w", ErrReadFailed, rerr))
	}
	if n > limit {
		return protocolError(op, "read returned %d bytes into a %d byte window", n, limit)
	}
	if rerr != nil && !errors.Is(rerr, io.EOF) {
		x.log.Debug("⚠️ Lectura parcial con error, se admite lo leído",
			zap.Int("bytes", n), zap.Error(rerr))
	}
	return x.addJob(op, b, c, n)
}

// readLimit calcula cuánto texto plano cabe en el buffer b, de forma que
// incluso con el tag y el relleno el registro quepa en la salida.
func (x *Context) readLimit(op string, b *Buffer) (int, error) {
	if b.count >= x.layout.MaxJobs {
		return 0, capacityError(op, "buffer %d holds %d jobs", b.id, b.count)
	}
	avail := x.layout.MaxBytes - b.fill
	limit := (avail &^ (layout.BlockSize - 1)) - x.layout.TagSize
	if limit <= 0 {
		return 0, capacityError(op, "buffer %d has %d bytes left", b.id, avail)
	}
	if x.readChunk > 0 && limit > x.readChunk {
		limit = x.readChunk
	}
	return limit, nil
}

// addJob requiere launchMu. Los n bytes ya están en la región de texto plano
// a partir de fill. Nada se publica hasta que todas las comprobaciones pasan.
func (x *Context) addJob(op string, b *Buffer, c Conn, n int) error {
	padded := layout.PaddedLength(n, x.layout.TagSize)
	if b.count >= x.layout.MaxJobs || b.fill+padded > x.layout.MaxBytes {
		return capacityError(op, "job of %d bytes (%d padded) at fill %d", n, padded, b.fill)
	}

	slot := b.count
	out, err := b.view.OutputSpan(b.fill, padded)
	if err != nil {
		return newError(KindProtocol, op, err)
	}
	if err := b.view.PutKey(slot, c.Key()); err != nil {
		return newError(KindConfig, op, err)
	}
	if err := b.view.PutIV(slot, c.IV()); err != nil {
		return newError(KindConfig, op, err)
	}
	if err := b.view.PutOffset(slot, uint32(b.fill)); err != nil {
		return newError(KindProtocol, op, err)
	}

	j := &b.jobs[slot]
	*j = Job{
		Output: out,
		Offset: b.fill,
		Padded: padded,
		Length: n,
		Slot:   slot,
		conn:   c,
		buf:    b,
		epoch:  b.epoch,
	}

	b.outstanding.Add(1)
	if err := c.AppendJob(j); err != nil {
		b.outstanding.Add(-1)
		*j = Job{}
		return newError(KindConn, op, err)
	}

	if b.count == 0 {
		b.firstAdmit = time.Now()
	}
	b.fill += padded
	b.count++

	lbl := x.label()
	x.m.AdmittedJobsTotal.WithLabelValues(lbl).Inc()
	x.m.AdmittedBytesTotal.WithLabelValues(lbl).Add(float64(n))
	return nil
}
