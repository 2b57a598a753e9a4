package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tamaños fijos del contrato con el kernel.
const (
	BlockSize  = 16 // AES trabaja en bloques completos
	OffsetSize = 4  // uint32 little-endian por slot
)

var (
	ErrSlotRange   = errors.New("slot out of range")
	ErrOutOfBounds = errors.New("span out of region bounds")
	ErrRegionSize  = errors.New("region size does not match layout")
)

// Params son los máximos configurados de los que se deriva todo el layout.
type Params struct {
	MaxBytes   int // bytes totales por batch (texto plano y salida)
	MaxJobs    int // jobs por batch
	KeySize    int
	IVSize     int
	OffsetSize int
	TagSize    int
}

func (p Params) Validate() error {
	switch {
	case p.MaxBytes <= 0 || p.MaxBytes%BlockSize != 0:
		return fmt.Errorf("max bytes must be a positive multiple of %d, got %d", BlockSize, p.MaxBytes)
	case p.MaxJobs <= 0:
		return fmt.Errorf("max jobs must be positive, got %d", p.MaxJobs)
	case p.KeySize <= 0:
		return fmt.Errorf("key size must be positive, got %d", p.KeySize)
	case p.IVSize <= 0:
		return fmt.Errorf("iv size must be positive, got %d", p.IVSize)
	case p.OffsetSize != OffsetSize:
		return fmt.Errorf("offset entry size must be %d, got %d", OffsetSize, p.OffsetSize)
	case p.TagSize < 0:
		return fmt.Errorf("tag size must not be negative, got %d", p.TagSize)
	case p.MaxBytes > int(^uint32(0)):
		return fmt.Errorf("max bytes %d does not fit an offset entry", p.MaxBytes)
	}
	return nil
}

// Layout fija la posición de cada subregión dentro del input:
//
//	[ texto plano | claves | offsets | IVs ]
//
// Se calcula una sola vez al arrancar; el kernel indexa por slot.
type Layout struct {
	Params

	KeysPos    int
	OffsetsPos int
	IVsPos     int
	InputSize  int
	OutputSize int
}

func New(p Params) (Layout, error) {
	if err := p.Validate(); err != nil {
		return Layout{}, err
	}
	l := Layout{Params: p}
	l.KeysPos = p.MaxBytes
	l.OffsetsPos = l.KeysPos + p.MaxJobs*p.KeySize
	l.IVsPos = l.OffsetsPos + p.MaxJobs*p.OffsetSize
	l.InputSize = l.IVsPos + p.MaxJobs*p.IVSize
	l.OutputSize = p.MaxBytes
	return l, nil
}

// PaddedLength reserva espacio para el tag y redondea al bloque.
func PaddedLength(n, tagSize int) int {
	return (n + tagSize + BlockSize - 1) &^ (BlockSize - 1)
}

// View es la vista tipada sobre las dos regiones de un buffer.
// Todas las escrituras por slot se comprueban contra el layout.
type View struct {
	l      Layout
	input  []byte
	output []byte
}

func NewView(l Layout, input, output []byte) (View, error) {
	if len(input) < l.InputSize || len(output) < l.OutputSize {
		return View{}, fmt.Errorf("%w: input %d/%d output %d/%d",
			ErrRegionSize, len(input), l.InputSize, len(output), l.OutputSize)
	}
	return View{l: l, input: input[:l.InputSize], output: output[:l.OutputSize]}, nil
}

func (v View) Layout() Layout { return v.l }
func (v View) Input() []byte  { return v.input }
func (v View) Output() []byte { return v.output }

func span(region []byte, off, n, limit int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > limit || off+n > len(region) {
		return nil, fmt.Errorf("%w: [%d:%d] limit %d", ErrOutOfBounds, off, off+n, limit)
	}
	return region[off : off+n : off+n], nil
}

// Plaintext devuelve el tramo [off, off+n) del área de texto plano.
func (v View) Plaintext(off, n int) ([]byte, error) {
	return span(v.input, off, n, v.l.MaxBytes)
}

// OutputSpan devuelve el tramo [off, off+n) de la región de salida.
func (v View) OutputSpan(off, n int) ([]byte, error) {
	return span(v.output, off, n, v.l.OutputSize)
}

func (v View) slot(pos, size, i int) ([]byte, error) {
	if i < 0 || i >= v.l.MaxJobs {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrSlotRange, i, v.l.MaxJobs)
	}
	start := pos + i*size
	return v.input[start : start+size : start+size], nil
}

func (v View) Key(i int) ([]byte, error) { return v.slot(v.l.KeysPos, v.l.KeySize, i) }
func (v View) IV(i int) ([]byte, error)  { return v.slot(v.l.IVsPos, v.l.IVSize, i) }

func (v View) PutKey(i int, key []byte) error {
	dst, err := v.Key(i)
	if err != nil {
		return err
	}
	if len(key) != len(dst) {
		return fmt.Errorf("invalid key size: %d", len(key))
	}
	copy(dst, key)
	return nil
}

func (v View) PutIV(i int, iv []byte) error {
	dst, err := v.IV(i)
	if err != nil {
		return err
	}
	if len(iv) != len(dst) {
		return fmt.Errorf("invalid iv size: %d", len(iv))
	}
	copy(dst, iv)
	return nil
}

func (v View) PutOffset(i int, off uint32) error {
	dst, err := v.slot(v.l.OffsetsPos, v.l.OffsetSize, i)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(dst, off)
	return nil
}

func (v View) Offset(i int) (uint32, error) {
	src, err := v.slot(v.l.OffsetsPos, v.l.OffsetSize, i)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(src), nil
}
