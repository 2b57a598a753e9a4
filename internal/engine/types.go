package engine

import (
	"time"

	"github.com/Soyunomas/hammer/internal/batch"
	"github.com/Soyunomas/hammer/internal/conn"
	"github.com/Soyunomas/hammer/internal/gpu"
)

// readsPerEvent acota las lecturas del backend por evento para no acaparar
// el loop con una sola conexión.
const readsPerEvent = 4

const maxHandshakes = 512

// HelloTimeout es el plazo para dial al backend y enviar el hello.
const HelloTimeout = 5 * time.Second

// device es un contexto de batching con su worker.
type device struct {
	x      *batch.Context
	worker *gpu.Worker
}

// pair es una conexión de cliente con su backend, ambas en el mismo loop.
type pair struct {
	client  *conn.Conn
	backend *conn.Conn
	dev     *device

	backendEOF bool // el backend cerró; se cierra al drenar lo pendiente
	throttled  bool // lectura del backend pausada por falta de hueco
	writing    bool // cliente con interés de escritura
}

func (p *pair) drained() bool {
	return p.backend.PendingJobs() == 0 && p.client.Buffered() == 0
}
