package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Soyunomas/hammer/internal/batch"
	"github.com/Soyunomas/hammer/internal/config"
	"github.com/Soyunomas/hammer/internal/conn"
	"github.com/Soyunomas/hammer/internal/gpu"
	"github.com/Soyunomas/hammer/internal/metrics"
	"github.com/Soyunomas/hammer/pkg/netutil"
	"github.com/Soyunomas/hammer/pkg/pinned"
)

// Engine es el proxy: acepta clientes, abre su backend y cifra por lotes lo
// que el backend responde.
type Engine struct {
	cfg *config.Config
	log *zap.Logger
	m   *metrics.Metrics

	listeners []net.Listener
	loops     []*loop
	devices   []*device
	nextDev   atomix.Uint32

	dialer     net.Dialer
	inflight   *semaphore.Weighted
	handshakes sync.WaitGroup
	active     atomic.Int64
	closed     atomic.Bool
}

// New reserva los contextos de batching y abre un listener por loop sobre
// el mismo puerto (SO_REUSEPORT). cfg ya debe estar validada.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	e := &Engine{
		cfg:    cfg,
		log:    log.Named("engine"),
		m:      m,
		dialer: net.Dialer{Timeout: HelloTimeout},
	}
	// acota los handshakes simultáneos, no las parejas abiertas
	e.inflight = semaphore.NewWeighted(int64(min(cfg.MaxClients, maxHandshakes)))

	if err := e.initDevices(log); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.initLoops(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) initDevices(log *zap.Logger) error {
	var alloc pinned.Allocator = pinned.Heap{}
	if e.cfg.Batch.Pinned {
		alloc = pinned.Mmap{Lock: true}
	}
	reg := batch.RegistrarFunc(func(c batch.Conn) error {
		return c.(*conn.Conn).SetWriteInterest()
	})

	for i := 0; i < e.cfg.Batch.Contexts; i++ {
		name := fmt.Sprintf("dev%d", i)
		x, err := batch.New(batch.Config{
			Name:      name,
			Params:    e.cfg.Batch.Params(),
			ReadChunk: e.cfg.Batch.ReadChunk,
			Allocator: alloc,
			Registrar: reg,
			Logger:    log.Named("batch"),
			Metrics:   e.m,
		})
		if err != nil {
			return fmt.Errorf("contexto %s: %w", name, err)
		}
		w := gpu.NewWorker(x, &gpu.Software{Threads: e.cfg.Worker.Threads}, gpu.WorkerConfig{
			MinJobs:  e.cfg.Worker.MinJobs,
			MaxDelay: e.cfg.Worker.MaxDelay(),
			Logger:   log.Named("gpu"),
			Metrics:  e.m,
		})
		e.devices = append(e.devices, &device{x: x, worker: w})
	}
	return nil
}

func (e *Engine) initLoops(ctx context.Context) error {
	addr := e.cfg.Listen
	for i := 0; i < e.cfg.Loops; i++ {
		ln, err := netutil.ListenTCPReusePort(ctx, addr)
		if err != nil {
			return fmt.Errorf("error binding listener %d: %v", i, err)
		}
		// Con puerto 0 el resto de listeners comparte el que eligió el kernel.
		addr = ln.Addr().String()
		e.listeners = append(e.listeners, ln)

		l, err := newLoop(i, e)
		if err != nil {
			return err
		}
		e.loops = append(e.loops, l)
	}
	e.log.Info("⚙️ Listeners TCP listos", zap.String("addr", addr), zap.Int("loops", len(e.loops)))
	return nil
}

// Addr es la dirección real de escucha.
func (e *Engine) Addr() net.Addr {
	return e.listeners[0].Addr()
}

func (e *Engine) pickDevice() *device {
	return e.devices[int(e.nextDev.Add(1)-1)%len(e.devices)]
}

// Run bloquea hasta que ctx se cancela o algo falla sin remedio.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, d := range e.devices {
		g.Go(func() error { return d.worker.Run(gctx) })
	}
	for i, l := range e.loops {
		ln := e.listeners[i]
		g.Go(func() error { return l.run(gctx) })
		g.Go(func() error { return e.acceptLoop(gctx, ln, l) })
	}
	g.Go(func() error { return e.housekeeping(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		e.closeListeners()
		for _, l := range e.loops {
			_ = l.poller.Wake()
		}
		return nil
	})

	e.log.Info("🚀 Engine Running",
		zap.Int("loops", len(e.loops)),
		zap.Int("contexts", len(e.devices)),
		zap.String("backend", e.cfg.Backend))

	err := g.Wait()
	e.handshakes.Wait()
	e.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Engine) closeListeners() {
	for _, ln := range e.listeners {
		_ = ln.Close()
	}
}

// Close libera listeners, pollers y regiones. Run lo llama al salir.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.log.Info("🛑 Cerrando recursos")
	e.closeListeners()
	for _, l := range e.loops {
		l.close()
	}
	for _, d := range e.devices {
		if err := d.x.Close(); err != nil {
			e.log.Warn("⚠️ Error liberando contexto", zap.String("context", d.x.Name()), zap.Error(err))
		}
	}
}

// Active es el número de parejas cliente/backend abiertas.
func (e *Engine) Active() int64 {
	return e.active.Load()
}
