// Package pinned reserva las regiones de memoria que comparten la CPU y el
// dispositivo. Las regiones viven lo que vive el proceso.
package pinned

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var ErrInvalidSize = errors.New("pinned: invalid allocation size")

// Allocator entrega bloques de tamaño fijo direccionables por el dispositivo.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(b []byte) error
}

// Mmap reserva memoria anónima fuera del heap de Go. Con Lock las páginas
// quedan bloqueadas en RAM (mlock) y el kernel no puede paginarlas.
type Mmap struct {
	Lock bool
}

func roundToPage(size int) int {
	page := os.Getpagesize()
	return (size + page - 1) &^ (page - 1)
}

func (m Mmap) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	data, err := unix.Mmap(-1, 0, roundToPage(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	if m.Lock {
		if err := unix.Mlock(data); err != nil {
			_ = unix.Munmap(data)
			return nil, fmt.Errorf("mlock %d bytes: %w", len(data), err)
		}
	}
	return data[:size], nil
}

func (m Mmap) Free(b []byte) error {
	if cap(b) == 0 {
		return nil
	}
	full := b[:cap(b)]
	if m.Lock {
		_ = unix.Munlock(full)
	}
	return unix.Munmap(full)
}

// Heap usa slices normales. Sirve para tests y para hosts sin permisos de mlock.
type Heap struct{}

func (Heap) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return make([]byte, size), nil
}

func (Heap) Free([]byte) error { return nil }
