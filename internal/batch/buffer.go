package batch

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/Soyunomas/hammer/pkg/layout"
)

const noBuffer = -1

// Conn es lo que el núcleo necesita de una conexión cuyo tráfico se cifra
// por lotes.
type Conn interface {
	io.Reader

	Key() []byte
	IV() []byte

	// Peer devuelve la conexión a la que se reenvía el texto cifrado.
	Peer() Conn

	// AppendJob añade el job a la lista de pendientes de la conexión.
	AppendJob(j *Job) error

	// Batched es false para conexiones que se descifran en CPU.
	Batched() bool
}

// Registrar cambia el interés de un socket a escritura (level-triggered).
type Registrar interface {
	SetWriteInterest(c Conn) error
}

type RegistrarFunc func(c Conn) error

func (f RegistrarFunc) SetWriteInterest(c Conn) error { return f(c) }

// Job es un registro pendiente de cifrar dentro de un buffer.
// No cambia después de crearse; vale hasta que su buffer se recicla.
type Job struct {
	Output []byte // tramo de la región de salida (len == Padded)
	Offset int    // inicio del texto plano (== inicio de Output)
	Padded int
	Length int
	Slot   int

	conn  Conn
	buf   *Buffer
	epoch uint64
}

func (j *Job) Conn() Conn { return j.conn }

// Ready indica que el buffer del job ya fue cifrado y reenviado.
func (j *Job) Ready() bool {
	return j.buf.forwarded.Load() >= j.epoch
}

// Release marca el job como consumido por el camino de escritura. El buffer
// no se recicla mientras tenga jobs sin liberar.
func (j *Job) Release() {
	j.buf.outstanding.Add(-1)
}

// Pending resume lo acumulado en el buffer activo.
type Pending struct {
	Jobs  int
	Bytes int
	Age   time.Duration
}

// Buffer es una de las dos mitades del doble buffer.
//
// JobCount, FillLength, Job y View solo son seguros para el worker mientras
// el buffer está tomado; el productor lo abandona antes de volver a escribir.
type Buffer struct {
	id   int
	view layout.View
	jobs []Job

	fill       int
	count      int
	epoch      uint64
	firstAdmit time.Time

	forwarded   atomic.Uint64
	outstanding atomic.Int64
}

func newBuffer(id int, view layout.View, maxJobs int) *Buffer {
	return &Buffer{
		id:    id,
		view:  view,
		jobs:  make([]Job, maxJobs),
		epoch: 1,
	}
}

func (b *Buffer) ID() int { return b.id }

func (b *Buffer) View() layout.View { return b.view }

func (b *Buffer) JobCount() int { return b.count }

func (b *Buffer) FillLength() int { return b.fill }

func (b *Buffer) Job(i int) *Job { return &b.jobs[i] }

func (b *Buffer) Jobs() []Job { return b.jobs[:b.count] }

// Outstanding cuenta los jobs admitidos que el camino de escritura aún no
// ha liberado.
func (b *Buffer) Outstanding() int64 { return b.outstanding.Load() }

func (b *Buffer) pending() Pending {
	p := Pending{Jobs: b.count, Bytes: b.fill}
	if b.count > 0 {
		p.Age = time.Since(b.firstAdmit)
	}
	return p
}

// reset recicla el buffer al volver a ser el activo.
func (b *Buffer) reset() {
	clear(b.jobs[:b.count])
	b.count = 0
	b.fill = 0
	b.epoch++
	b.firstAdmit = time.Time{}
}
