// Package gpu lanza el cifrado de un buffer completo y coordina el lado
// worker del doble buffer.
package gpu

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/Soyunomas/hammer/internal/batch"
	"github.com/Soyunomas/hammer/pkg/crypto"
	"github.com/Soyunomas/hammer/pkg/layout"
)

// Device cifra todos los jobs de un buffer tomado. Solo lee las tablas de
// slots y la región de texto plano, y solo escribe en la región de salida.
type Device interface {
	Name() string
	Launch(ctx context.Context, b *batch.Buffer) error
}

// Software es el kernel en CPU: reparte los slots entre Threads goroutines.
type Software struct {
	Threads int
}

func (s *Software) Name() string { return "software" }

func (s *Software) threads() int {
	if s.Threads > 0 {
		return s.Threads
	}
	return runtime.NumCPU()
}

func (s *Software) Launch(ctx context.Context, b *batch.Buffer) error {
	v := b.View()
	tag := v.Layout().TagSize
	jobs := b.JobCount()
	if jobs == 0 {
		return nil
	}

	workers := min(s.threads(), jobs)
	chunk := (jobs + workers - 1) / workers

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < jobs; start += chunk {
		end := min(start+chunk, jobs)
		g.Go(func() error {
			for slot := start; slot < end; slot++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := sealSlot(v, slot, b.Job(slot).Length, tag); err != nil {
					return fmt.Errorf("slot %d: %w", slot, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// sealSlot cifra el registro del slot con la clave, el IV y el offset de las
// tablas. La salida ocupa el mismo offset que el texto plano.
func sealSlot(v layout.View, slot, n, tag int) error {
	off, err := v.Offset(slot)
	if err != nil {
		return err
	}
	key, err := v.Key(slot)
	if err != nil {
		return err
	}
	iv, err := v.IV(slot)
	if err != nil {
		return err
	}
	plaintext, err := v.Plaintext(int(off), n)
	if err != nil {
		return err
	}
	out, err := v.OutputSpan(int(off), layout.PaddedLength(n, tag))
	if err != nil {
		return err
	}
	return crypto.SealRecord(out, plaintext, key, iv)
}
