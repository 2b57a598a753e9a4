package batch

import (
	"go.uber.org/zap"
)

// bufferIsTaken requiere launchMu. Solo cuenta como tomado el buffer activo:
// si el worker sigue con el otro, el productor puede seguir llenando.
func (x *Context) bufferIsTaken() bool {
	return x.taken == x.active
}

// bufferIsProcessed requiere completeMu.
func (x *Context) bufferIsProcessed() (bool, error) {
	switch x.processed {
	case noBuffer:
		return false, nil
	case 0, 1:
		return true, nil
	default:
		return false, protocolError("processed", "invalid processed buffer %d", x.processed)
	}
}

// switchBuffer requiere launchMu y que el activo esté tomado. El nuevo activo
// se recicla; taken sigue apuntando al buffer que tiene el worker.
func (x *Context) switchBuffer(by string) {
	x.active ^= 1
	x.bufs[x.active].reset()
	x.m.BufferSwitchesTotal.WithLabelValues(x.label(), by).Inc()
	if ce := x.log.Check(zap.DebugLevel, "🔀 Cambio de buffer activo"); ce != nil {
		ce.Write(zap.Int("active", x.active), zap.Int("taken", x.taken), zap.String("by", by))
	}
}

// BufferIsTaken indica si el worker tiene el buffer activo.
func (x *Context) BufferIsTaken() bool {
	x.launchMu.Lock()
	defer x.launchMu.Unlock()
	return x.bufferIsTaken()
}

// BufferIsProcessed indica si hay un buffer cifrado esperando reenvío.
func (x *Context) BufferIsProcessed() (bool, error) {
	x.completeMu.Lock()
	defer x.completeMu.Unlock()
	return x.bufferIsProcessed()
}

// SwitchBuffer cambia el buffer activo. Solo es válido con el activo tomado.
func (x *Context) SwitchBuffer() error {
	x.launchMu.Lock()
	defer x.launchMu.Unlock()
	if !x.bufferIsTaken() {
		return protocolError("switch", "active buffer %d is not taken (taken %d)", x.active, x.taken)
	}
	if n := x.bufs[x.active^1].outstanding.Load(); n != 0 {
		return protocolError("switch", "buffer %d still has %d unreleased jobs", x.active^1, n)
	}
	x.switchBuffer("producer")
	return nil
}

// ClaimResult explica por qué Claim entregó o no un buffer.
type ClaimResult uint8

const (
	Claimed ClaimResult = iota
	ClaimIdle           // no hay jobs, o aún no compensa lanzar
	ClaimBusy           // hay un batch en vuelo, sin reenviar o sin drenar
)

// Claim entrega el buffer activo al worker si está libre, tiene jobs y ready
// acepta lo acumulado (ready nil lanza siempre). El otro buffer tiene que
// estar drenado: el productor lo reciclará al cambiar de activo.
func (x *Context) Claim(ready func(Pending) bool) (*Buffer, ClaimResult) {
	x.launchMu.Lock()
	defer x.launchMu.Unlock()

	if x.taken != noBuffer {
		return nil, ClaimBusy
	}
	x.completeMu.Lock()
	processed := x.processed
	x.completeMu.Unlock()
	if processed != noBuffer {
		return nil, ClaimBusy
	}

	b := x.bufs[x.active]
	if b.count == 0 {
		return nil, ClaimIdle
	}
	if ready != nil && !ready(b.pending()) {
		return nil, ClaimIdle
	}
	if x.bufs[x.active^1].outstanding.Load() != 0 {
		return nil, ClaimBusy
	}

	x.taken = x.active
	return b, Claimed
}

// Complete marca el buffer id como cifrado. Si el productor no llegó a
// cambiar de activo (no hubo lecturas), el cambio se hace aquí para que el
// reenvío encuentre processed == active^1.
func (x *Context) Complete(id int) error {
	x.launchMu.Lock()
	if x.taken != id || (id != 0 && id != 1) {
		taken := x.taken
		x.launchMu.Unlock()
		return protocolError("complete", "buffer %d completed but taken is %d", id, taken)
	}
	if x.active == id {
		x.switchBuffer("worker")
	}
	x.taken = noBuffer
	x.launchMu.Unlock()

	x.completeMu.Lock()
	defer x.completeMu.Unlock()
	if x.processed != noBuffer {
		return protocolError("complete", "buffer %d still awaiting forward", x.processed)
	}
	x.processed = id
	return nil
}
