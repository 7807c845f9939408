// Package secrets implements the symmetric email codec used by the wider
// platform. Stored emails are AES-ECB encrypted with PKCS#7 padding and
// Base64 encoded. ECB leaks equal-plaintext block patterns and is a known
// weakness; the mode is kept for interoperability with existing rows and
// must not change without a data migration.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
)

// Codec encrypts and decrypts values with a fixed symmetric key.
type Codec struct {
	block cipher.Block
}

// NewCodec creates a codec from a 16, 24 or 32 byte key.
func NewCodec(key []byte) (*Codec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Codec{block: block}, nil
}

// Encrypt returns the Base64 ciphertext of plain.
func (c *Codec) Encrypt(plain string) string {
	padded := pad([]byte(plain), c.block.BlockSize())
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += c.block.BlockSize() {
		c.block.Encrypt(out[i:], padded[i:])
	}
	return base64.StdEncoding.EncodeToString(out)
}

// Decrypt reverses Encrypt.
func (c *Codec) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	bs := c.block.BlockSize()
	if len(raw) == 0 || len(raw)%bs != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(raw))
	}

	out := make([]byte, len(raw))
	for i := 0; i < len(raw); i += bs {
		c.block.Decrypt(out[i:], raw[i:])
	}

	plain, err := unpad(out, bs)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pad(b []byte, bs int) []byte {
	n := bs - len(b)%bs
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpad(b []byte, bs int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > bs || n > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
