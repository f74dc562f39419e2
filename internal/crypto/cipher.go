package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// ErrDecryptionFailure is returned for any malformed or undecryptable
// ciphertext: wrong length, bad padding, parse failure. Callers get the
// sentinel and nothing else; no plaintext fragments leak through errors.
var ErrDecryptionFailure = errors.New("decryption failed")

// Encrypt encrypts plaintext under the per-message key derived from
// authKey and the plaintext's own fingerprint. The cipher is AES-256 in
// CBC mode with PKCS#7 padding. The source called this IGE but implemented
// CBC; CBC is what interoperates with the stored ciphertext, so CBC it is.
func Encrypt(plaintext, authKey []byte) (ciphertext []byte, msgKey [16]byte, err error) {
	msgKey = MessageKey(authKey, plaintext)
	aesKey, aesIV := DeriveKeyIV(authKey, msgKey[:])

	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		return nil, msgKey, fmt.Errorf("failed to init cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, aesIV[:]).CryptBlocks(ciphertext, padded)
	return ciphertext, msgKey, nil
}

// Decrypt reverses Encrypt given the stored message fingerprint and the
// session auth key. It returns ErrDecryptionFailure instead of panicking
// on any malformed input. Note that msgKey is trusted as given: there is
// no integrity check tying it back to the ciphertext.
func Decrypt(ciphertext, msgKey, authKey []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptionFailure
	}

	aesKey, aesIV := DeriveKeyIV(authKey, msgKey)
	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		return nil, ErrDecryptionFailure
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, aesIV[:]).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrDecryptionFailure
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrDecryptionFailure
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrDecryptionFailure
		}
	}
	return b[:len(b)-n], nil
}
