package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Soyunomas/hammer/pkg/layout"
)

func testSecret() []byte {
	s := make([]byte, SecretSize)
	for i := range s {
		s[i] = byte(i * 7)
	}
	return s
}

func TestDeriveConnKeys(t *testing.T) {
	nonce, err := NewNonce()
	if err != nil {
		t.Fatal(err)
	}

	// Proxy y cliente derivan lo mismo
	a, err := DeriveConnKeys(testSecret(), nonce[:], 16)
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveConnKeys(testSecret(), nonce[:], 16)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.TxKey, b.TxKey) || !bytes.Equal(a.RxIV, b.RxIV) {
		t.Fatal("derivacion no determinista")
	}

	// Direcciones separadas
	if bytes.Equal(a.TxKey, a.RxKey) {
		t.Error("TxKey == RxKey")
	}
	if len(a.TxKey) != 16 || len(a.TxIV) != IVSize {
		t.Errorf("tamaños: key %d iv %d", len(a.TxKey), len(a.TxIV))
	}

	if _, err := DeriveConnKeys(testSecret()[:8], nonce[:], 16); err == nil {
		t.Error("secreto corto aceptado")
	}
	if _, err := DeriveConnKeys(testSecret(), nonce[:], 20); err == nil {
		t.Error("tamaño AES invalido aceptado")
	}
}

func TestRecordIV(t *testing.T) {
	base := bytes.Repeat([]byte{0xAB}, IVSize)
	iv0 := RecordIV(nil, base, 0)
	iv1 := RecordIV(nil, base, 1)
	if len(iv0) != IVSize {
		t.Fatalf("len %d", len(iv0))
	}
	if bytes.Equal(iv0, iv1) {
		t.Error("IVs repetidos entre registros")
	}
	if !bytes.Equal(iv1, RecordIV(make([]byte, 4), base, 1)) {
		t.Error("RecordIV depende del dst")
	}
}

func TestSealOpenRecord(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 16)
	iv := bytes.Repeat([]byte{2}, IVSize)

	for _, n := range []int{0, 1, 10, 15, 16, 17, 100, 1500} {
		msg := bytes.Repeat([]byte{'x'}, n)
		out := make([]byte, layout.PaddedLength(n, TagSize))

		if err := SealRecord(out, msg, key, iv); err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if n >= 8 && bytes.Contains(out, msg) {
			t.Fatalf("n=%d: texto plano visible en la salida", n)
		}

		got, err := OpenRecord(nil, key, iv, n, out)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if !bytes.Equal(got, msg) {
			t.Errorf("n=%d: mensaje corrupto", n)
		}
	}
}

func TestOpenRecordTampered(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 32)
	iv := bytes.Repeat([]byte{2}, IVSize)
	msg := []byte("Attack at dawn!")

	out := make([]byte, layout.PaddedLength(len(msg), TagSize))
	if err := SealRecord(out, msg, key, iv); err != nil {
		t.Fatal(err)
	}

	out[0] ^= 0x01
	if _, err := OpenRecord(nil, key, iv, len(msg), out); !errors.Is(err, ErrAuth) {
		t.Errorf("registro alterado: got %v", err)
	}
	if _, err := OpenRecord(nil, key, iv, len(msg)+20, out); !errors.Is(err, ErrRecordSize) {
		t.Errorf("longitud incoherente: got %v", err)
	}
}

func TestSealRecordSize(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 16)
	iv := bytes.Repeat([]byte{2}, IVSize)
	if err := SealRecord(make([]byte, 16), make([]byte, 10), key, iv); !errors.Is(err, ErrRecordSize) {
		t.Errorf("got %v", err)
	}
}

func BenchmarkSealRecord(b *testing.B) {
	key := bytes.Repeat([]byte{1}, 16)
	iv := bytes.Repeat([]byte{2}, IVSize)
	msg := make([]byte, 1400)
	out := make([]byte, layout.PaddedLength(len(msg), TagSize))

	b.SetBytes(int64(len(msg)))
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = SealRecord(out, msg, key, iv)
	}
}
