package gpu

import (
	"context"
	"fmt"
	"time"

	"code.hybscloud.com/iox"
	"go.uber.org/zap"

	"github.com/Soyunomas/hammer/internal/batch"
	"github.com/Soyunomas/hammer/internal/metrics"
)

type WorkerConfig struct {
	MinJobs  int           // lanzar en cuanto haya tantos jobs
	MaxDelay time.Duration // o cuando el job más antiguo lleve esto esperando
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Worker es el consumidor de un Context: toma el buffer activo, lo lanza en
// el dispositivo y lo marca procesado. Hay uno por contexto.
type Worker struct {
	x        *batch.Context
	dev      Device
	minJobs  int
	maxDelay time.Duration
	log      *zap.Logger
	m        *metrics.Metrics

	wake    chan struct{}
	pending batch.Pending
}

func NewWorker(x *batch.Context, dev Device, cfg WorkerConfig) *Worker {
	if cfg.MinJobs <= 0 {
		cfg.MinJobs = 1
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 200 * time.Microsecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	return &Worker{
		x:        x,
		dev:      dev,
		minJobs:  cfg.MinJobs,
		maxDelay: cfg.MaxDelay,
		log:      cfg.Logger.With(zap.String("context", x.Name()), zap.String("device", dev.Name())),
		m:        cfg.Metrics,
		wake:     make(chan struct{}, 1),
	}
}

// Notify despierta al worker tras una admisión. No bloquea nunca.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) ready(p batch.Pending) bool {
	w.pending = p
	return p.Jobs >= w.minJobs || p.Age >= w.maxDelay
}

// Run procesa batches hasta que ctx se cancela. Un error de lanzamiento o de
// protocolo lo termina: el contexto ya no es fiable.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("⚡ Worker de cifrado iniciado",
		zap.Int("min_jobs", w.minJobs), zap.Duration("max_delay", w.maxDelay))

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	var bo iox.Backoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		w.pending = batch.Pending{}
		b, res := w.x.Claim(w.ready)
		switch res {
		case batch.Claimed:
			bo.Reset()
			if err := w.launch(ctx, b); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

		case batch.ClaimBusy:
			// Esperando al reenvío o a que el camino de escritura drene.
			bo.Wait()

		case batch.ClaimIdle:
			bo.Reset()
			if w.pending.Jobs > 0 {
				timer.Reset(max(w.maxDelay-w.pending.Age, time.Microsecond))
			} else {
				timer.Reset(time.Hour)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-w.wake:
			case <-timer.C:
			}
		}
	}
}

func (w *Worker) launch(ctx context.Context, b *batch.Buffer) error {
	lbl := w.x.Name()
	dev := w.dev.Name()
	jobs := b.JobCount()

	start := time.Now()
	err := w.dev.Launch(ctx, b)
	w.m.LaunchSeconds.WithLabelValues(lbl, dev).Observe(time.Since(start).Seconds())
	if err != nil {
		w.m.LaunchErrorsTotal.WithLabelValues(lbl, dev).Inc()
		w.log.Error("❌ Fallo lanzando batch", zap.Int("buffer", b.ID()), zap.Int("jobs", jobs), zap.Error(err))
		return fmt.Errorf("launch buffer %d: %w", b.ID(), err)
	}

	w.m.LaunchedBatchesTotal.WithLabelValues(lbl, dev).Inc()
	w.m.BatchJobs.WithLabelValues(lbl).Observe(float64(jobs))
	w.m.BatchBytes.WithLabelValues(lbl).Observe(float64(b.FillLength()))

	if err := w.x.Complete(b.ID()); err != nil {
		return err
	}
	if ce := w.log.Check(zap.DebugLevel, "✅ Batch cifrado"); ce != nil {
		ce.Write(zap.Int("buffer", b.ID()), zap.Int("jobs", jobs), zap.Duration("took", time.Since(start)))
	}
	return nil
}
