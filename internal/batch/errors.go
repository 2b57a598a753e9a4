package batch

import (
	"errors"
	"fmt"
)

// Kind clasifica los errores del núcleo. Todos salvo KindConn indican que un
// invariante compartido con el worker está roto: el host debe parar o
// reiniciar, nunca seguir admitiendo.
type Kind uint8

const (
	KindConn     Kind = iota + 1 // lectura fallida o vacía, solo afecta a esa conexión
	KindCapacity                 // buffer o tabla de jobs agotados
	KindProtocol                 // flags del handshake incoherentes
	KindConfig                   // conexión sin pareja, tamaños de clave, etc.
	KindAlloc                    // no hay memoria fijada para los buffers
)

func (k Kind) String() string {
	switch k {
	case KindConn:
		return "conn"
	case KindCapacity:
		return "capacity"
	case KindProtocol:
		return "protocol"
	case KindConfig:
		return "config"
	case KindAlloc:
		return "alloc"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrBatchFull    = errors.New("batch capacity exhausted")
	ErrProtocol     = errors.New("buffer protocol violation")
	ErrNoPeer       = errors.New("connection has no peer")
	ErrNotBatched   = errors.New("connection is not batched for encryption")
	ErrReadFailed   = errors.New("connection read failed")
	ErrEmptyPayload = errors.New("empty payload")
	ErrAlloc        = errors.New("pinned allocation failed")
)

// Error es el error del núcleo: qué operación, de qué tipo y la causa.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("batch %s (%s): %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

func capacityError(op, format string, args ...any) *Error {
	return newError(KindCapacity, op, fmt.Errorf("%w: "+format, append([]any{ErrBatchFull}, args...)...))
}

func protocolError(op, format string, args ...any) *Error {
	return newError(KindProtocol, op, fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...))
}

// KindOf devuelve el tipo del primer *Error de la cadena, o 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal indica si err rompe el estado compartido. Los errores que no
// vienen del núcleo no son fatales.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k != 0 && k != KindConn
}
