package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics agrupa las métricas del plano de datos: batching, worker y proxy.
// Las series de batch llevan la etiqueta "context" (un contexto por dispositivo).
type Metrics struct {
	AdmittedJobsTotal    *prometheus.CounterVec
	AdmittedBytesTotal   *prometheus.CounterVec
	BufferSwitchesTotal  *prometheus.CounterVec
	ForwardedBatches     *prometheus.CounterVec
	ForwardedJobsTotal   *prometheus.CounterVec
	ReadErrorsTotal      *prometheus.CounterVec
	LaunchedBatchesTotal *prometheus.CounterVec
	LaunchErrorsTotal    *prometheus.CounterVec
	BatchJobs            *prometheus.HistogramVec
	BatchBytes           *prometheus.HistogramVec
	LaunchSeconds        *prometheus.HistogramVec
	ActiveConnections    prometheus.Gauge
	DecryptErrorsTotal   prometheus.Counter
}

// New crea las métricas y las registra en reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AdmittedJobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hammer_admitted_jobs_total",
				Help: "Total number of jobs admitted into a batch buffer.",
			},
			[]string{"context"},
		),
		AdmittedBytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hammer_admitted_bytes_total",
				Help: "Total number of plaintext bytes admitted into a batch buffer.",
			},
			[]string{"context"},
		),
		BufferSwitchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hammer_buffer_switches_total",
				Help: "Total number of active buffer switches.",
			},
			[]string{"context", "by"},
		),
		ForwardedBatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hammer_forwarded_batches_total",
				Help: "Total number of processed buffers forwarded to the write path.",
			},
			[]string{"context", "by"},
		),
		ForwardedJobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hammer_forwarded_jobs_total",
				Help: "Total number of jobs whose peer was set to write interest.",
			},
			[]string{"context"},
		),
		ReadErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hammer_read_errors_total",
				Help: "Total number of failed or empty reads on batched connections.",
			},
			[]string{"context"},
		),
		LaunchedBatchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hammer_launched_batches_total",
				Help: "Total number of kernel launches.",
			},
			[]string{"context", "device"},
		),
		LaunchErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hammer_launch_errors_total",
				Help: "Total number of failed kernel launches.",
			},
			[]string{"context", "device"},
		),
		BatchJobs: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hammer_batch_jobs",
				Help:    "Number of jobs per launched batch.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"context"},
		),
		BatchBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hammer_batch_bytes",
				Help:    "Padded bytes per launched batch.",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 14),
			},
			[]string{"context"},
		),
		LaunchSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hammer_launch_seconds",
				Help:    "Duration of a kernel launch including completion.",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
			},
			[]string{"context", "device"},
		),
		ActiveConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "hammer_active_connections",
				Help: "Number of proxied client connections.",
			},
		),
		DecryptErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hammer_decrypt_errors_total",
				Help: "Total number of inbound records that failed authentication.",
			},
		),
	}
}

// NewUnregistered sirve para tests y componentes sueltos.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
