package protocol

import (
	"errors"
	"testing"
)

// Test funcional básico
func TestEncodeParseRecord(t *testing.T) {
	buf := make([]byte, 1024)

	n, err := EncodeRecordHeader(buf, 10)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if n != HeaderSize {
		t.Errorf("Expected size %d, got %d", HeaderSize, n)
	}

	// Cuerpo cifrado simulado: 10 + 16 -> 32
	for i := 0; i < 32; i++ {
		buf[n+i] = byte(i)
	}
	totalLen := n + 32

	length, body, consumed, err := ParseRecord(buf[:totalLen], 16)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if length != 10 {
		t.Errorf("Wrong length: %d", length)
	}
	if len(body) != 32 || body[31] != 31 {
		t.Errorf("Wrong body")
	}
	if consumed != totalLen {
		t.Errorf("Wrong consumed: %d", consumed)
	}

	// Registro incompleto
	if _, _, _, err := ParseRecord(buf[:totalLen-1], 16); !errors.Is(err, ErrShortRecord) {
		t.Errorf("Expected ErrShortRecord, got %v", err)
	}
	if _, _, _, err := ParseRecord(buf[:3], 16); !errors.Is(err, ErrShortRecord) {
		t.Errorf("Expected ErrShortRecord, got %v", err)
	}
}

func TestParseRecordErrors(t *testing.T) {
	buf := make([]byte, 64)
	buf[0] = MsgTypeHello
	if _, _, _, err := ParseRecord(buf, 16); !errors.Is(err, ErrBadType) {
		t.Errorf("got %v", err)
	}

	buf[0] = MsgTypeData
	buf[1] = 0xFF
	if _, _, _, err := ParseRecord(buf, 16); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("got %v", err)
	}

	if _, err := EncodeRecordHeader(buf[:2], 1); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("got %v", err)
	}
	if _, err := EncodeRecordHeader(buf, MaxRecordLength+1); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("got %v", err)
	}
}

func TestHello(t *testing.T) {
	buf := make([]byte, HelloSize)
	nonceIn := []byte("0123456789abcdef")

	n, err := EncodeHello(buf, nonceIn)
	if err != nil {
		t.Fatal(err)
	}
	if n != HelloSize {
		t.Errorf("size %d", n)
	}

	nonceOut, err := ParseHello(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(nonceOut) != string(nonceIn) {
		t.Errorf("Wrong nonce")
	}

	if _, err := EncodeHello(buf, nonceIn[:4]); err == nil {
		t.Error("nonce corto aceptado")
	}
	if _, err := ParseHello(buf[:4]); !errors.Is(err, ErrShortRecord) {
		t.Errorf("got %v", err)
	}
}

func TestRecordSize(t *testing.T) {
	if RecordSize(10, 16) != HeaderSize+32 {
		t.Errorf("RecordSize(10): %d", RecordSize(10, 16))
	}
	if RecordSize(16, 16) != HeaderSize+32 {
		t.Errorf("RecordSize(16): %d", RecordSize(16, 16))
	}
}

// Benchmark de ParseRecord para asegurar Zero-Allocation
func BenchmarkParseRecord(b *testing.B) {
	buf := make([]byte, HeaderSize+128)
	EncodeRecordHeader(buf, 100)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, _, _, _ = ParseRecord(buf, 16)
	}
}
