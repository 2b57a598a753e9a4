// Package batch es el núcleo del doble buffer: admite registros de las
// conexiones en el buffer activo mientras el dispositivo cifra el otro, y
// reenvía los resultados al camino de escritura.
package batch

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Soyunomas/hammer/internal/metrics"
	"github.com/Soyunomas/hammer/pkg/layout"
	"github.com/Soyunomas/hammer/pkg/pinned"
)

// Config agrupa lo necesario para crear un Context.
type Config struct {
	Name      string
	Params    layout.Params
	ReadChunk int // tope por lectura, 0 = sin tope
	Allocator pinned.Allocator
	Registrar Registrar
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Context es la pareja de buffers de un dispositivo y el estado del handshake
// con su worker.
//
// Hay dos cerrojos. launchMu protege active, taken y el llenado del buffer
// activo. completeMu protege processed y el reenvío. Quien necesita ambos
// toma launchMu primero.
type Context struct {
	name      string
	layout    layout.Layout
	readChunk int
	alloc     pinned.Allocator
	reg       Registrar
	log       *zap.Logger
	m         *metrics.Metrics

	regions [][]byte
	bufs    [2]*Buffer

	launchMu sync.Mutex
	active   int
	taken    int

	completeMu sync.Mutex
	processed  int
}

// New valida la configuración y reserva las cuatro regiones (input y output
// de cada buffer) con el allocator.
func New(cfg Config) (*Context, error) {
	l, err := layout.New(cfg.Params)
	if err != nil {
		return nil, newError(KindConfig, "init", err)
	}
	if cfg.ReadChunk < 0 {
		return nil, newError(KindConfig, "init", fmt.Errorf("negative read chunk %d", cfg.ReadChunk))
	}
	if cfg.Registrar == nil {
		return nil, newError(KindConfig, "init", errors.New("nil registrar"))
	}
	if cfg.Allocator == nil {
		cfg.Allocator = pinned.Heap{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}

	x := &Context{
		name:      cfg.Name,
		layout:    l,
		readChunk: cfg.ReadChunk,
		alloc:     cfg.Allocator,
		reg:       cfg.Registrar,
		log:       cfg.Logger.With(zap.String("context", cfg.Name)),
		m:         cfg.Metrics,
		active:    0,
		taken:     noBuffer,
		processed: noBuffer,
	}

	for id := range x.bufs {
		in, err := x.allocRegion(l.InputSize)
		if err != nil {
			return nil, err
		}
		out, err := x.allocRegion(l.OutputSize)
		if err != nil {
			return nil, err
		}
		view, err := layout.NewView(l, in, out)
		if err != nil {
			x.Close()
			return nil, newError(KindAlloc, "init", err)
		}
		x.bufs[id] = newBuffer(id, view, l.MaxJobs)
	}

	x.log.Info("📦 Contexto de batching listo",
		zap.Int("max_bytes", l.MaxBytes),
		zap.Int("max_jobs", l.MaxJobs),
		zap.Int("input_size", l.InputSize),
		zap.Int("output_size", l.OutputSize))
	return x, nil
}

func (x *Context) allocRegion(size int) ([]byte, error) {
	b, err := x.alloc.Alloc(size)
	if err != nil {
		x.Close()
		return nil, newError(KindAlloc, "init", fmt.Errorf("%w: %w", ErrAlloc, err))
	}
	x.regions = append(x.regions, b)
	return b, nil
}

// Close libera las regiones. No debe quedar ningún worker ni productor vivo.
func (x *Context) Close() error {
	var errs []error
	for _, r := range x.regions {
		if err := x.alloc.Free(r); err != nil {
			errs = append(errs, err)
		}
	}
	x.regions = nil
	return errors.Join(errs...)
}

func (x *Context) Name() string { return x.name }

func (x *Context) Layout() layout.Layout { return x.layout }

// Buffer devuelve el buffer id (0 o 1).
func (x *Context) Buffer(id int) *Buffer { return x.bufs[id] }

func (x *Context) label() string {
	if x.name != "" {
		return x.name
	}
	return "default"
}

// State es una foto de los tres indicadores del handshake.
type State struct {
	Active    int
	Taken     int
	Processed int
}

func (x *Context) State() State {
	x.launchMu.Lock()
	defer x.launchMu.Unlock()
	x.completeMu.Lock()
	defer x.completeMu.Unlock()
	return State{Active: x.active, Taken: x.taken, Processed: x.processed}
}
