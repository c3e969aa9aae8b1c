// Package encryption implements the client-side key hierarchy of the vault:
// a password derived MasterKey wraps random per-file FileKeys, and FileKeys
// encrypt file contents with AES-256-GCM.
//
// Nothing in this package performs I/O or keeps state; every key is passed in
// explicitly so the same (password, identity) pair always reproduces the same
// MasterKey and no secret ever needs to be stored server side.
package encryption

import "errors"

var (
	// ErrEntropy is returned when the platform RNG cannot produce key material.
	ErrEntropy = errors.New("encryption: platform entropy unavailable")
	// ErrInvalidKey is returned by the unwrap functions when the wrapping key
	// does not match the key the material was wrapped with (wrong password).
	ErrInvalidKey = errors.New("encryption: invalid key")
	// ErrDecryption is returned when ciphertext fails authentication because it
	// was corrupted, tampered with or opened with the wrong key.
	ErrDecryption = errors.New("encryption: decryption failed")

	ErrEmptyPassword = errors.New("encryption: password must not be empty")
	ErrEmptySalt     = errors.New("encryption: identity salt must not be empty")
)
