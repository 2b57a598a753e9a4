package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Soyunomas/hammer/internal/conn"
	"github.com/Soyunomas/hammer/pkg/netutil"
)

// highWater es lo que dejamos acumular hacia un cliente lento antes de
// dejar de leer su backend.
const highWater = 1 << 20

// loop es un event loop epoll. Cada pareja vive entera en un loop y solo
// él toca sus sockets; el reenvío de un batch, que corre en cualquier
// goroutine, le avisa con Ready.
type loop struct {
	id     int
	e      *Engine
	poller *netutil.Poller
	log    *zap.Logger
	waitMs int

	mu       sync.Mutex
	incoming []*pair
	ready    map[*conn.Conn]struct{}

	fds       map[int]*pair
	throttled map[*pair]struct{}
}

func newLoop(id int, e *Engine) (*loop, error) {
	p, err := netutil.NewPoller(256)
	if err != nil {
		return nil, fmt.Errorf("loop %d: %w", id, err)
	}
	return &loop{
		id:        id,
		e:         e,
		poller:    p,
		log:       e.log.With(zap.Int("loop", id)),
		waitMs:    e.cfg.Batch.FlushIntervalMs,
		ready:     make(map[*conn.Conn]struct{}),
		fds:       make(map[int]*pair),
		throttled: make(map[*pair]struct{}),
	}, nil
}

// Arm implementa conn.Owner.
func (l *loop) Arm(fd int, write bool) error {
	return l.poller.Arm(fd, write)
}

// Ready implementa conn.Owner: c tiene jobs reenviados. Es seguro desde
// cualquier goroutine.
func (l *loop) Ready(c *conn.Conn) {
	l.mu.Lock()
	_, dup := l.ready[c]
	l.ready[c] = struct{}{}
	l.mu.Unlock()
	if dup {
		return
	}
	if err := l.poller.Wake(); err != nil {
		l.log.Warn("⚠️ No se pudo despertar el loop", zap.Error(err))
	}
}

func (l *loop) takeReady() []*conn.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ready) == 0 {
		return nil
	}
	out := make([]*conn.Conn, 0, len(l.ready))
	for c := range l.ready {
		out = append(out, c)
		delete(l.ready, c)
	}
	return out
}

// deliverReady entrega los jobs reenviados a sus clientes aunque el socket
// no sea escribible: los jobs se liberan al copiarlos a la cola de salida.
func (l *loop) deliverReady() {
	for _, c := range l.takeReady() {
		p, ok := l.fds[c.FD()]
		if !ok || p.client != c || c.Closed() {
			continue
		}
		l.deliver(p)
	}
}

// submit entrega una pareja recién conectada al loop. Es seguro desde
// cualquier goroutine.
func (l *loop) submit(p *pair) {
	l.mu.Lock()
	l.incoming = append(l.incoming, p)
	l.mu.Unlock()
	if err := l.poller.Wake(); err != nil {
		l.log.Warn("⚠️ No se pudo despertar el loop", zap.Error(err))
	}
}

func (l *loop) takeIncoming() []*pair {
	l.mu.Lock()
	defer l.mu.Unlock()
	in := l.incoming
	l.incoming = nil
	return in
}

func (l *loop) register() {
	for _, p := range l.takeIncoming() {
		if err := l.poller.Add(p.client.FD()); err != nil {
			l.log.Warn("⚠️ Registro de cliente fallido", zap.Error(err))
			l.closePair(p)
			continue
		}
		l.fds[p.client.FD()] = p
		if err := l.poller.Add(p.backend.FD()); err != nil {
			l.log.Warn("⚠️ Registro de backend fallido", zap.Error(err))
			l.closePair(p)
			continue
		}
		l.fds[p.backend.FD()] = p
	}
}

func (l *loop) run(ctx context.Context) error {
	l.log.Debug("🔁 Event loop iniciado")
	for {
		if ctx.Err() != nil {
			return nil
		}
		l.rearm()

		events, woken, err := l.poller.Wait(l.waitMs)
		if err != nil {
			return fmt.Errorf("loop %d: %w", l.id, err)
		}
		if woken {
			l.register()
		}
		l.deliverReady()
		for _, ev := range events {
			if err := l.handle(int(ev.Fd), ev.Events); err != nil {
				return fmt.Errorf("loop %d: %w", l.id, err)
			}
		}
	}
}

func (l *loop) handle(fd int, ev uint32) error {
	p, ok := l.fds[fd]
	if !ok {
		return nil
	}

	if fd == p.backend.FD() {
		if netutil.Writable(ev) {
			l.flushBackend(p)
			if p.backend.Closed() {
				return nil
			}
		}
		if netutil.Hangup(ev) {
			return l.backendHangup(p)
		}
		if netutil.Readable(ev) {
			return l.backendReadable(p)
		}
		return nil
	}

	if netutil.Writable(ev) {
		l.deliver(p)
	}
	if p.client.Closed() {
		return nil
	}
	if netutil.Readable(ev) || netutil.Hangup(ev) {
		l.clientReadable(p)
	}
	return nil
}

// throttle deja de leer el backend; rearm lo reactiva cuando hay hueco.
func (l *loop) throttle(p *pair) {
	if p.throttled {
		return
	}
	p.throttled = true
	l.throttled[p] = struct{}{}
	if err := l.poller.Modify(p.backend.FD(), false, p.backend.Buffered() > 0); err != nil {
		l.log.Debug("⚠️ No se pudo pausar el backend", zap.Error(err))
	}
}

// rearm reactiva la lectura de los backends pausados. Un buffer lleno se
// libera cuando el worker lo toma, así que basta con reintentar en cada
// vuelta del loop.
func (l *loop) rearm() {
	for p := range l.throttled {
		if p.client.Buffered() > highWater {
			continue
		}
		delete(l.throttled, p)
		p.throttled = false
		if p.backendEOF || p.backend.Closed() {
			continue
		}
		if err := l.poller.Modify(p.backend.FD(), true, p.backend.Buffered() > 0); err != nil {
			l.log.Debug("⚠️ No se pudo reactivar el backend", zap.Error(err))
		}
	}
}

// forget saca fd del epoll sin cerrarlo; closePair ya no lo tocará.
func (l *loop) forget(fd int, p *pair) {
	if l.fds[fd] != p {
		return
	}
	delete(l.fds, fd)
	if err := l.poller.Remove(fd); err != nil {
		l.log.Debug("⚠️ epoll_ctl DEL", zap.Int("fd", fd), zap.Error(err))
	}
}

func (l *loop) closePair(p *pair) {
	if p.client.Closed() {
		return
	}
	l.forget(p.client.FD(), p)
	l.forget(p.backend.FD(), p)
	delete(l.throttled, p)

	_ = p.client.Close()
	_ = p.backend.Close()

	l.e.active.Add(-1)
	l.e.m.ActiveConnections.Dec()
	if ce := l.log.Check(zap.DebugLevel, "👋 Pareja cerrada"); ce != nil {
		ce.Write(
			zap.Uint32("client", p.client.ID),
			zap.Uint64("rx", p.client.BytesRx.Load()),
			zap.Uint64("tx", p.client.BytesTx.Load()))
	}
}

// close cierra todo lo que quede, incluidas parejas entregadas después de
// que run terminara. Solo tras parar los workers.
func (l *loop) close() {
	l.register()
	seen := make(map[*pair]struct{}, len(l.fds))
	for _, p := range l.fds {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		l.closePair(p)
	}
	if err := l.poller.Close(); err != nil {
		l.log.Debug("⚠️ Cerrando poller", zap.Error(err))
	}
}
