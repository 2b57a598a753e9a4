package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Soyunomas/hammer/pkg/layout"
)

// Constantes de tamaño
const (
	HeaderSize = 5  // 1 Type + 4 Length
	NonceSize  = 16 // nonce de sesión del hello
	HelloSize  = 1 + NonceSize

	// MaxRecordLength limita lo que aceptamos de un cliente.
	MaxRecordLength = 1 << 16
)

// Tipos de registro
const (
	MsgTypeHello uint8 = 0x01 // Proxy -> Cliente (nonce de sesión)
	MsgTypeData  uint8 = 0x03 // Registro cifrado en cualquier dirección
)

var (
	ErrBufferTooSmall = errors.New("buffer too small for header")
	ErrShortRecord    = errors.New("incomplete record")
	ErrBadType        = errors.New("unexpected record type")
	ErrRecordTooLarge = errors.New("record too large")
)

// RecordSize es lo que ocupa en el cable un registro de n bytes útiles.
func RecordSize(n, tagSize int) int {
	return HeaderSize + layout.PaddedLength(n, tagSize)
}

// EncodeRecordHeader escribe la cabecera de un registro de datos.
// La longitud es la útil; el cuerpo cifrado ocupa PaddedLength(n).
func EncodeRecordHeader(dst []byte, n int) (int, error) {
	if len(dst) < HeaderSize {
		return 0, ErrBufferTooSmall
	}
	if n < 0 || n > MaxRecordLength {
		return 0, fmt.Errorf("%w: %d", ErrRecordTooLarge, n)
	}
	dst[0] = MsgTypeData
	binary.BigEndian.PutUint32(dst[1:5], uint32(n))
	return HeaderSize, nil
}

// ParseRecord lee un registro completo de src sin alocar.
// Devuelve ErrShortRecord si aún faltan bytes; consumed es lo que ocupa.
func ParseRecord(src []byte, tagSize int) (n int, body []byte, consumed int, err error) {
	if len(src) < HeaderSize {
		return 0, nil, 0, ErrShortRecord
	}
	if src[0] != MsgTypeData {
		return 0, nil, 0, fmt.Errorf("%w: 0x%02x", ErrBadType, src[0])
	}
	length := binary.BigEndian.Uint32(src[1:5])
	if length > MaxRecordLength {
		return 0, nil, 0, fmt.Errorf("%w: %d", ErrRecordTooLarge, length)
	}
	n = int(length)
	total := RecordSize(n, tagSize)
	if len(src) < total {
		return 0, nil, 0, ErrShortRecord
	}
	return n, src[HeaderSize:total], total, nil
}

// EncodeHello serializa el saludo con el nonce de la sesión.
func EncodeHello(dst []byte, nonce []byte) (int, error) {
	if len(dst) < HelloSize {
		return 0, ErrBufferTooSmall
	}
	if len(nonce) != NonceSize {
		return 0, errors.New("invalid nonce size")
	}
	dst[0] = MsgTypeHello
	copy(dst[1:HelloSize], nonce)
	return HelloSize, nil
}

// ParseHello decodifica el saludo.
func ParseHello(src []byte) (nonce []byte, err error) {
	if len(src) < HelloSize {
		return nil, ErrShortRecord
	}
	if src[0] != MsgTypeHello {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadType, src[0])
	}
	return src[1:HelloSize], nil
}
