package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2s"

	"github.com/Soyunomas/hammer/pkg/layout"
)

var (
	ErrAuth       = errors.New("record authentication failed")
	ErrRecordSize = errors.New("invalid record size")
)

// macKey separa la clave del MAC de la clave AES.
func macKey(key []byte) [32]byte {
	var buf [32 + 10]byte
	n := copy(buf[:], "hammer mac")
	n += copy(buf[n:], key)
	return blake2s.Sum256(buf[:n])
}

func newMAC(key, iv []byte) (hash.Hash, error) {
	mk := macKey(key)
	mac, err := blake2s.New128(mk[:])
	if err != nil {
		return nil, err
	}
	mac.Write(iv)
	return mac, nil
}

// SealRecord cifra un registro dentro de out (su tramo reservado en la región
// de salida). El formato es AES-CBC sobre plaintext | tag | ceros, con
// len(out) == layout.PaddedLength(len(plaintext), TagSize).
// plaintext y out no deben solaparse.
func SealRecord(out, plaintext, key, iv []byte) error {
	n := len(plaintext)
	padded := layout.PaddedLength(n, TagSize)
	if len(out) != padded {
		return fmt.Errorf("%w: out %d, want %d", ErrRecordSize, len(out), padded)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	if len(iv) != block.BlockSize() {
		return fmt.Errorf("invalid iv size: %d", len(iv))
	}

	mac, err := newMAC(key, iv)
	if err != nil {
		return err
	}
	mac.Write(plaintext)

	copy(out, plaintext)
	mac.Sum(out[n:n])
	clear(out[n+TagSize:])

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, out)
	return nil
}

// OpenRecord descifra un registro de n bytes útiles y verifica el tag.
// Es el camino de CPU: el tráfico entrante es pequeño y AES-NI basta.
func OpenRecord(dst []byte, key, iv []byte, n int, ciphertext []byte) ([]byte, error) {
	if n < 0 || len(ciphertext) != layout.PaddedLength(n, TagSize) {
		return nil, fmt.Errorf("%w: %d bytes for length %d", ErrRecordSize, len(ciphertext), n)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid iv size: %d", len(iv))
	}

	buf := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(buf, ciphertext)

	mac, err := newMAC(key, iv)
	if err != nil {
		return nil, err
	}
	mac.Write(buf[:n])
	var tag [TagSize]byte
	if subtle.ConstantTimeCompare(mac.Sum(tag[:0]), buf[n:n+TagSize]) != 1 {
		return nil, ErrAuth
	}
	return append(dst, buf[:n]...), nil
}
