package encryption

import (
	"bytes"
	"errors"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	a, err := DeriveMasterKey("p1", "alice@example.com")
	require.NoError(t, err)
	b, err := DeriveMasterKey("p1", "  Alice@Example.com ")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := DeriveMasterKey("p2", "alice@example.com")
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	d, err := DeriveMasterKey("p1", "bob@example.com")
	require.NoError(t, err)
	require.NotEqual(t, a, d)
}

func TestDeriveMasterKeyRejectsEmptyInputs(t *testing.T) {
	_, err := DeriveMasterKey("", "alice@example.com")
	require.ErrorIs(t, err, ErrEmptyPassword)

	_, err = DeriveMasterKey("p1", "   ")
	require.ErrorIs(t, err, ErrEmptySalt)
}

func TestGenerateFileKeyUnique(t *testing.T) {
	seen := make(map[FileKey]struct{})
	for i := 0; i < 64; i++ {
		fk, err := GenerateFileKey()
		require.NoError(t, err)
		_, dup := seen[fk]
		require.False(t, dup, "file key repeated")
		seen[fk] = struct{}{}
	}
}

func TestGenerateFileKeyEntropyFailure(t *testing.T) {
	_, err := GenerateFileKeyFrom(iotest.ErrReader(errors.New("rng offline")))
	if !errors.Is(err, ErrEntropy) {
		t.Fatalf("expected ErrEntropy, got %v", err)
	}

	_, err = GenerateFileKeyFrom(bytes.NewReader(make([]byte, 5)))
	if !errors.Is(err, ErrEntropy) {
		t.Fatalf("expected ErrEntropy on short read, got %v", err)
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	mk, err := DeriveMasterKey("correct horse", "alice@example.com")
	require.NoError(t, err)
	fk, err := GenerateFileKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(fk, mk)
	require.NoError(t, err)
	require.Len(t, wrapped, wrappedKeyLen)

	again, err := DeriveMasterKey("correct horse", "alice@example.com")
	require.NoError(t, err)
	got, err := UnwrapKey(wrapped, again)
	require.NoError(t, err)
	require.Equal(t, fk, got)
}

func TestUnwrapWrongPasswordIsInvalidKey(t *testing.T) {
	mk, err := DeriveMasterKey("right", "alice@example.com")
	require.NoError(t, err)
	wrong, err := DeriveMasterKey("wrong", "alice@example.com")
	require.NoError(t, err)
	fk, err := GenerateFileKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(fk, mk)
	require.NoError(t, err)

	_, err = UnwrapKey(wrapped, wrong)
	require.ErrorIs(t, err, ErrInvalidKey)
	require.NotErrorIs(t, err, ErrDecryption)
}

func TestUnwrapCorruptedIsDecryptionError(t *testing.T) {
	mk, err := DeriveMasterKey("right", "alice@example.com")
	require.NoError(t, err)
	fk, err := GenerateFileKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(fk, mk)
	require.NoError(t, err)

	tampered := append(WrappedFileKey(nil), wrapped...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = UnwrapKey(tampered, mk)
	require.ErrorIs(t, err, ErrDecryption)
	require.NotErrorIs(t, err, ErrInvalidKey)

	_, err = UnwrapKey(wrapped[:10], mk)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestShareKeyWrapIsSeparateFromMasterWrap(t *testing.T) {
	fk, err := GenerateFileKey()
	require.NoError(t, err)
	sk, err := GenerateShareKey()
	require.NoError(t, err)

	wrapped, err := WrapWithShareKey(fk, sk)
	require.NoError(t, err)

	got, err := UnwrapWithShareKey(wrapped, sk)
	require.NoError(t, err)
	require.Equal(t, fk, got)

	var mk MasterKey
	copy(mk[:], sk[:])
	_, err = UnwrapKey(wrapped, mk)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	fk, err := GenerateFileKey()
	require.NoError(t, err)

	for _, size := range []int{0, 1, 10, 4096, 1 << 20} {
		plaintext := bytes.Repeat([]byte{0xAB}, size)
		ct, nonce, err := Encrypt(plaintext, fk)
		require.NoError(t, err)
		require.Len(t, nonce, NonceSize)
		require.Len(t, ct, size+tagSize)

		got, err := Decrypt(ct, fk, nonce)
		require.NoError(t, err)
		require.True(t, bytes.Equal(plaintext, got), "size %d", size)
	}
}

func TestDecryptRejectsTamperingAndWrongKey(t *testing.T) {
	fk, err := GenerateFileKey()
	require.NoError(t, err)
	other, err := GenerateFileKey()
	require.NoError(t, err)

	ct, nonce, err := Encrypt([]byte("ten bytes!"), fk)
	require.NoError(t, err)

	_, err = Decrypt(ct, other, nonce)
	require.ErrorIs(t, err, ErrDecryption)

	ct[0] ^= 0x01
	_, err = Decrypt(ct, fk, nonce)
	require.ErrorIs(t, err, ErrDecryption)

	_, err = Decrypt(ct, fk, nonce[:4])
	require.ErrorIs(t, err, ErrDecryption)
}

func TestHashIsPlaintextFingerprint(t *testing.T) {
	const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Hash(nil); got != emptySHA256 {
		t.Fatalf("unexpected hash of empty input: %s", got)
	}
	if Hash([]byte("a")) == Hash([]byte("b")) {
		t.Fatalf("distinct inputs hashed equal")
	}
}

func TestZeroClearsKey(t *testing.T) {
	mk, err := DeriveMasterKey("p1", "alice@example.com")
	require.NoError(t, err)
	require.False(t, mk.IsZero())
	mk.Zero()
	require.True(t, mk.IsZero())
}
