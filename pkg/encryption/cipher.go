package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// NonceSize is the AES-GCM nonce length (96 bit).
	NonceSize = 12
	tagSize   = 16
)

// Encrypt seals plaintext with AES-256-GCM under key using a fresh random
// nonce. The nonce is returned separately and must be stored with the file
// record.
func Encrypt(plaintext []byte, key FileKey) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, NonceSize)
	if err := readRandom(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}

	ciphertext, err = sealAESGCM(key[:], nonce, plaintext, nil)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext produced by Encrypt. Any authentication failure is
// reported as ErrDecryption; garbage is never returned.
func Decrypt(ciphertext []byte, key FileKey, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrDecryption, NonceSize, len(nonce))
	}
	if len(ciphertext) < tagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	plaintext, err := openAESGCM(key[:], nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// Hash returns the hex encoded SHA-256 of content. It is computed over the
// plaintext so it fingerprints the file independently of its FileKey.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func sealAESGCM(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aesgcm.Seal(nil, nonce, plaintext, aad), nil
}

func openAESGCM(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
