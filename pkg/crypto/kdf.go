package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
)

const (
	SecretSize = 32
	NonceSize  = 16
	IVSize     = 16
	TagSize    = 16
)

// ConnKeys son las claves de una pareja cliente/backend.
// Tx cifra proxy -> cliente (GPU), Rx descifra cliente -> proxy (CPU).
type ConnKeys struct {
	TxKey []byte
	TxIV  []byte
	RxKey []byte
	RxIV  []byte
}

// NewNonce genera el nonce de sesión que el proxy envía en el hello.
func NewNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("rng fail: %v", err)
	}
	return n, nil
}

// expand es un KDF simple: BLAKE2s con el secreto como clave y una etiqueta
// por dirección para separar material.
func expand(secret []byte, label string, nonce []byte, n int) ([]byte, error) {
	kdf, err := blake2s.New256(secret)
	if err != nil {
		return nil, err
	}
	kdf.Write([]byte(label))
	kdf.Write(nonce)
	out := kdf.Sum(nil)
	if n > len(out) {
		return nil, fmt.Errorf("cannot derive %d bytes", n)
	}
	return out[:n], nil
}

// DeriveConnKeys obtiene las claves de la sesión a partir del secreto
// compartido y del nonce enviado en el hello.
func DeriveConnKeys(secret []byte, nonce []byte, keySize int) (ConnKeys, error) {
	if len(secret) != SecretSize {
		return ConnKeys{}, fmt.Errorf("invalid secret size: %d", len(secret))
	}
	if keySize != 16 && keySize != 24 && keySize != 32 {
		return ConnKeys{}, fmt.Errorf("invalid aes key size: %d", keySize)
	}

	var k ConnKeys
	var err error
	if k.TxKey, err = expand(secret, "hammer tx key", nonce, keySize); err != nil {
		return ConnKeys{}, err
	}
	if k.TxIV, err = expand(secret, "hammer tx iv", nonce, IVSize); err != nil {
		return ConnKeys{}, err
	}
	if k.RxKey, err = expand(secret, "hammer rx key", nonce, keySize); err != nil {
		return ConnKeys{}, err
	}
	if k.RxIV, err = expand(secret, "hammer rx iv", nonce, IVSize); err != nil {
		return ConnKeys{}, err
	}
	return k, nil
}

// RecordIV deriva el IV del registro número seq. Ambos extremos llevan la
// misma secuencia, así que el IV nunca viaja por la red.
func RecordIV(dst, base []byte, seq uint64) []byte {
	var buf [IVSize + 8]byte
	n := copy(buf[:], base)
	binary.BigEndian.PutUint64(buf[n:], seq)
	sum := blake2s.Sum256(buf[:n+8])
	return append(dst[:0], sum[:len(base)]...)
}
