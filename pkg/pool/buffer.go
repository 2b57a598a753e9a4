package pool

import (
	"sync"
)

// BufferSize es el tamaño de las lecturas de scratch del lado cliente.
// 16 KiB cubre varios registros por lectura sin crecer el acumulador.
const BufferSize = 16 << 10

// Buff es un array fijo: localidad de memoria y sin cabecera de slice en el pool.
type Buff [BufferSize]byte

var bPool = sync.Pool{
	New: func() interface{} {
		// Devolvemos puntero para no copiar el array al sacarlo del pool.
		return new(Buff)
	},
}

// Get obtiene un buffer del pool. No se limpia: quien lee usa solo lo que
// el socket escribió.
func Get() *Buff {
	return bPool.Get().(*Buff)
}

// Put devuelve un buffer al pool.
func Put(b *Buff) {
	bPool.Put(b)
}
