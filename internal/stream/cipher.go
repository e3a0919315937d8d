package stream

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

// DecryptCBC decodes a base64 AES-CBC ciphertext and strips its PKCS#7
// padding.
func DecryptCBC(keys Keys, b64 string) ([]byte, error) {
	if len(keys.Key) == 0 || len(keys.IV) == 0 {
		return nil, errors.New("no decrypt key for session")
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	block, err := aes.NewCipher(keys.Key)
	if err != nil {
		return nil, err
	}
	if len(keys.IV) != block.BlockSize() {
		return nil, fmt.Errorf("iv is %d bytes, want %d", len(keys.IV), block.BlockSize())
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, keys.IV).CryptBlocks(plain, data)

	n := int(plain[len(plain)-1])
	if n == 0 || n > block.BlockSize() || n > len(plain) {
		return nil, errors.New("bad padding")
	}
	if !bytes.Equal(plain[len(plain)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, errors.New("bad padding")
	}
	return plain[:len(plain)-n], nil
}

// EncryptCBC is the inverse of DecryptCBC.
func EncryptCBC(keys Keys, plain []byte) (string, error) {
	block, err := aes.NewCipher(keys.Key)
	if err != nil {
		return "", err
	}
	if len(keys.IV) != block.BlockSize() {
		return "", fmt.Errorf("iv is %d bytes, want %d", len(keys.IV), block.BlockSize())
	}
	n := block.BlockSize() - len(plain)%block.BlockSize()
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(n)}, n)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, keys.IV).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}
