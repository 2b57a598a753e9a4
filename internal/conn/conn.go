// Package conn es el estado por socket del proxy: rol, pareja, claves,
// jobs pendientes de reenvío y colas de bytes de entrada y salida.
package conn

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"

	"github.com/Soyunomas/hammer/internal/batch"
	"github.com/Soyunomas/hammer/pkg/crypto"
	"github.com/Soyunomas/hammer/pkg/pool"
	"github.com/Soyunomas/hammer/pkg/protocol"
)

type Role uint8

const (
	RoleClient  Role = iota + 1 // habla registros cifrados con el cliente
	RoleBackend                 // texto plano con el servidor de origen
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleBackend:
		return "backend"
	default:
		return "unknown"
	}
}

var (
	ErrPendingFull = errors.New("pending job queue full")
	ErrNoKeys      = errors.New("connection keys not set")
	ErrClosed      = errors.New("connection closed")
)

// Owner es el event loop dueño de la conexión. Arm solo se llama desde su
// goroutine; Ready puede llamarse desde cualquiera y no toca el fd.
type Owner interface {
	Arm(fd int, write bool) error
	Ready(c *Conn)
}

var serials atomix.Uint32

// Conn es un socket no bloqueante propiedad de un único event loop. Solo
// SetWriteInterest, Closed y los contadores se usan desde otros goroutines.
//
// Las claves dependen del rol: un backend guarda las de sellado (el texto
// que lee se cifra hacia su cliente), un cliente las de apertura.
type Conn struct {
	// --- Read-Mostly ---
	ID     uint32
	fd     int
	role   Role
	peer   *Conn
	owner  Owner
	closed atomic.Bool

	key    []byte
	ivBase []byte
	seq    uint64
	iv     []byte

	pending     lfq.SPSC[*batch.Job]
	head        *batch.Job
	pendingJobs int

	out []byte // cola de salida hacia el socket
	in  []byte // acumulador de registros del cliente

	_ cpu.CacheLinePad

	// --- Atomic Counters (Hot Writes) ---
	BytesRx atomic.Uint64

	_ cpu.CacheLinePad

	BytesTx atomic.Uint64
}

// New envuelve fd, que ya debe ser no bloqueante. maxPending acota los jobs
// sin reenviar; el batch nunca admite más de dos buffers llenos.
func New(fd int, role Role, owner Owner, maxPending int) *Conn {
	c := &Conn{
		ID:    serials.Add(1),
		fd:    fd,
		role:  role,
		owner: owner,
	}
	c.pending.Init(maxPending)
	return c
}

// Pair une un cliente con su backend.
func Pair(client, backend *Conn) {
	client.peer = backend
	backend.peer = client
}

func (c *Conn) FD() int { return c.fd }

func (c *Conn) Role() Role { return c.role }

func (c *Conn) PeerConn() *Conn { return c.peer }

// SetKeys fija la clave y la base de IVs y reinicia la secuencia.
func (c *Conn) SetKeys(key, ivBase []byte) {
	c.key = append([]byte(nil), key...)
	c.ivBase = append([]byte(nil), ivBase...)
	c.seq = 0
	c.iv = crypto.RecordIV(c.iv, c.ivBase, 0)
}

func (c *Conn) advance() {
	c.seq++
	c.iv = crypto.RecordIV(c.iv, c.ivBase, c.seq)
}

// Read lee del socket. EAGAIN se devuelve como iox.ErrWouldBlock y el
// cierre ordenado como io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, iox.ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("read fd %d: %w", c.fd, err)
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		c.BytesRx.Add(uint64(n))
		return n, nil
	}
}

// batch.Conn

func (c *Conn) Key() []byte { return c.key }
func (c *Conn) IV() []byte  { return c.iv }

func (c *Conn) Peer() batch.Conn {
	if c.peer == nil {
		return nil
	}
	return c.peer
}

func (c *Conn) Batched() bool { return c.role == RoleBackend }

// AppendJob encola el job y avanza el IV para el siguiente registro.
func (c *Conn) AppendJob(j *batch.Job) error {
	if err := c.pending.Enqueue(&j); err != nil {
		if errors.Is(err, iox.ErrWouldBlock) {
			return ErrPendingFull
		}
		return err
	}
	c.pendingJobs++
	c.advance()
	return nil
}

// HasReady indica si el siguiente job en orden ya está cifrado.
func (c *Conn) HasReady() bool {
	if c.head == nil {
		j, err := c.pending.Dequeue()
		if err != nil {
			return false
		}
		c.head = j
	}
	return c.head.Ready()
}

// NextReady devuelve el siguiente job ya cifrado, en orden de admisión, o
// nil si el primero aún no está listo. Quien lo recibe debe llamar Release.
func (c *Conn) NextReady() *batch.Job {
	if !c.HasReady() {
		return nil
	}
	j := c.head
	c.head = nil
	c.pendingJobs--
	return j
}

// PendingJobs cuenta los jobs admitidos que aún no se entregaron.
func (c *Conn) PendingJobs() int { return c.pendingJobs }

// SetWriteInterest avisa al dueño de que hay jobs listos para esta
// conexión. Se llama desde el reenvío del batch, que puede correr en otro
// loop; el dueño los entrega desde su goroutine.
func (c *Conn) SetWriteInterest() error {
	if c.closed.Load() {
		return nil
	}
	c.owner.Ready(c)
	return nil
}

// Arm fija el interés del socket: lectura, o lectura y escritura. Solo
// desde el dueño.
func (c *Conn) Arm(write bool) error {
	if c.closed.Load() {
		return nil
	}
	return c.owner.Arm(c.fd, write)
}

// Queue añade p a la cola de salida.
func (c *Conn) Queue(p []byte) {
	c.out = append(c.out, p...)
}

// QueueRecord enmarca un registro de n bytes útiles cuyo cuerpo cifrado es body.
func (c *Conn) QueueRecord(n int, body []byte) error {
	var hdr [protocol.HeaderSize]byte
	if _, err := protocol.EncodeRecordHeader(hdr[:], n); err != nil {
		return err
	}
	c.out = append(c.out, hdr[:]...)
	c.out = append(c.out, body...)
	return nil
}

func (c *Conn) Buffered() int { return len(c.out) }

// Flush escribe lo posible de la cola de salida. done indica que se vació.
func (c *Conn) Flush() (done bool, err error) {
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("write fd %d: %w", c.fd, err)
		}
		c.BytesTx.Add(uint64(n))
		rest := copy(c.out, c.out[n:])
		c.out = c.out[:rest]
	}
	return true, nil
}

// Fill lee del socket al acumulador de entrada hasta vaciarlo. Devuelve
// io.EOF cuando el otro extremo cerró.
func (c *Conn) Fill() error {
	buf := pool.Get()
	defer pool.Put(buf)
	for {
		n, err := c.Read(buf[:])
		if n > 0 {
			c.in = append(c.in, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, iox.ErrWouldBlock) {
				return nil
			}
			return err
		}
		if n < len(buf) {
			return nil
		}
	}
}

// Records descifra cada registro completo del acumulador y pasa el texto
// plano a fn. Lo incompleto se queda para la próxima lectura.
func (c *Conn) Records(fn func(plaintext []byte) error) error {
	if c.key == nil {
		return ErrNoKeys
	}
	var plain []byte
	off := 0
	for {
		n, body, consumed, err := protocol.ParseRecord(c.in[off:], crypto.TagSize)
		if errors.Is(err, protocol.ErrShortRecord) {
			break
		}
		if err != nil {
			return err
		}
		plain, err = crypto.OpenRecord(plain[:0], c.key, c.iv, n, body)
		if err != nil {
			return err
		}
		c.advance()
		off += consumed
		if err := fn(plain); err != nil {
			return err
		}
	}
	rest := copy(c.in, c.in[off:])
	c.in = c.in[:rest]
	return nil
}

func (c *Conn) Closed() bool { return c.closed.Load() }

// Close libera los jobs pendientes y cierra el fd. Es idempotente.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.head != nil {
		c.head.Release()
		c.head = nil
	}
	for {
		j, err := c.pending.Dequeue()
		if err != nil {
			break
		}
		j.Release()
	}
	c.pendingJobs = 0
	c.out = nil
	c.in = nil
	return unix.Close(c.fd)
}
