package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of every symmetric key in the hierarchy (AES-256).
	KeySize = 32
	// MasterKeyIterations is the fixed PBKDF2-SHA256 work factor.
	MasterKeyIterations = 100_000

	wrapVersion   byte = 1
	keyCheckSize       = 8
	wrappedKeyLen      = 1 + keyCheckSize + NonceSize + KeySize + tagSize

	masterSaltPrefix = "ouroboros-vault/master/v1:"
	labelMasterWrap  = "vault/wrap/master/v1"
	labelMasterCheck = "vault/check/master/v1"
	labelShareWrap   = "vault/wrap/share/v1"
	labelShareCheck  = "vault/check/share/v1"
)

// MasterKey is derived from the user's password and wraps FileKeys. It is
// never persisted.
type MasterKey [KeySize]byte

// FileKey encrypts exactly one file.
type FileKey [KeySize]byte

// ShareKey is a random key handed to one recipient; it wraps the FileKey of
// the shared file so the recipient can decrypt without the owner's password.
type ShareKey [KeySize]byte

// WrappedFileKey is a FileKey encrypted under a MasterKey or ShareKey.
// Layout: version || key check value || nonce || ciphertext+tag.
type WrappedFileKey []byte

// Zero overwrites the key material.
func (k *MasterKey) Zero() { zero(k[:]) }

// Zero overwrites the key material.
func (k *FileKey) Zero() { zero(k[:]) }

// Zero overwrites the key material.
func (k *ShareKey) Zero() { zero(k[:]) }

// IsZero reports whether the key is unset.
func (k MasterKey) IsZero() bool { return k == MasterKey{} }

// NormalizeIdentity lowercases and trims an identity value (usually an email)
// so that cosmetic differences never produce a different key.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// DeriveMasterKey runs PBKDF2-SHA256 over the password with the normalized
// identity as salt. The result is deterministic for the same inputs.
func DeriveMasterKey(password, identitySalt string) (MasterKey, error) {
	if password == "" {
		return MasterKey{}, ErrEmptyPassword
	}
	salt := NormalizeIdentity(identitySalt)
	if salt == "" {
		return MasterKey{}, ErrEmptySalt
	}

	dk := pbkdf2.Key([]byte(password), []byte(masterSaltPrefix+salt), MasterKeyIterations, KeySize, sha256.New)
	defer zero(dk)

	var mk MasterKey
	copy(mk[:], dk)
	return mk, nil
}

// GenerateFileKey returns 256 fresh random bits from the platform RNG.
func GenerateFileKey() (FileKey, error) {
	return GenerateFileKeyFrom(rand.Reader)
}

// GenerateFileKeyFrom reads a FileKey from r. A short read or RNG failure is
// reported as ErrEntropy.
func GenerateFileKeyFrom(r io.Reader) (FileKey, error) {
	var fk FileKey
	if err := readRandom(r, fk[:]); err != nil {
		return FileKey{}, err
	}
	return fk, nil
}

// GenerateShareKey returns a fresh random ShareKey.
func GenerateShareKey() (ShareKey, error) {
	var sk ShareKey
	if err := readRandom(rand.Reader, sk[:]); err != nil {
		return ShareKey{}, err
	}
	return sk, nil
}

// WrapKey encrypts fileKey under masterKey.
func WrapKey(fileKey FileKey, masterKey MasterKey) (WrappedFileKey, error) {
	return wrap(masterKey[:], labelMasterWrap, labelMasterCheck, fileKey)
}

// UnwrapKey recovers a FileKey. It returns ErrInvalidKey when masterKey is not
// the key used for wrapping and ErrDecryption when the wrapped bytes are
// damaged.
func UnwrapKey(wrapped WrappedFileKey, masterKey MasterKey) (FileKey, error) {
	return unwrap(masterKey[:], labelMasterWrap, labelMasterCheck, wrapped)
}

// WrapWithShareKey encrypts fileKey under a recipient's ShareKey.
func WrapWithShareKey(fileKey FileKey, shareKey ShareKey) (WrappedFileKey, error) {
	return wrap(shareKey[:], labelShareWrap, labelShareCheck, fileKey)
}

// UnwrapWithShareKey is the ShareKey counterpart of UnwrapKey.
func UnwrapWithShareKey(wrapped WrappedFileKey, shareKey ShareKey) (FileKey, error) {
	return unwrap(shareKey[:], labelShareWrap, labelShareCheck, wrapped)
}

func wrap(secret []byte, wrapLabel, checkLabel string, fileKey FileKey) (WrappedFileKey, error) {
	wrapKey, err := subkey(secret, wrapLabel, KeySize)
	if err != nil {
		return nil, err
	}
	defer zero(wrapKey)

	check, err := subkey(secret, checkLabel, keyCheckSize)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if err := readRandom(rand.Reader, nonce); err != nil {
		return nil, err
	}

	header := make([]byte, 0, wrappedKeyLen)
	header = append(header, wrapVersion)
	header = append(header, check...)

	sealed, err := sealAESGCM(wrapKey, nonce, fileKey[:], header)
	if err != nil {
		return nil, err
	}

	out := append(header, nonce...)
	out = append(out, sealed...)
	return WrappedFileKey(out), nil
}

func unwrap(secret []byte, wrapLabel, checkLabel string, wrapped WrappedFileKey) (FileKey, error) {
	if len(wrapped) != wrappedKeyLen || wrapped[0] != wrapVersion {
		return FileKey{}, fmt.Errorf("%w: malformed wrapped key", ErrDecryption)
	}

	check, err := subkey(secret, checkLabel, keyCheckSize)
	if err != nil {
		return FileKey{}, err
	}
	header := wrapped[:1+keyCheckSize]
	if subtle.ConstantTimeCompare(check, header[1:]) != 1 {
		return FileKey{}, ErrInvalidKey
	}

	wrapKey, err := subkey(secret, wrapLabel, KeySize)
	if err != nil {
		return FileKey{}, err
	}
	defer zero(wrapKey)

	nonce := wrapped[len(header) : len(header)+NonceSize]
	body := wrapped[len(header)+NonceSize:]
	plain, err := openAESGCM(wrapKey, nonce, body, header)
	if err != nil {
		return FileKey{}, fmt.Errorf("%w: wrapped key failed authentication", ErrDecryption)
	}
	defer zero(plain)

	var fk FileKey
	copy(fk[:], plain)
	return fk, nil
}

func subkey(secret []byte, label string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(label)), out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", label, err)
	}
	return out, nil
}

func readRandom(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
