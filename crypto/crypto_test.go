package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOAEPRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("a short symmetric key and iv")
	ct, err := EncryptOAEP(kp.Public, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	pt, err := DecryptOAEP(kp.Private, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestMarshalParsePublicKeyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	der, err := MarshalPublicKey(kp.Public)
	require.NoError(t, err)

	parsed, err := ParsePublicKey(der)
	require.NoError(t, err)
	assert.Equal(t, kp.Public.N, parsed.N)
	assert.Equal(t, kp.Public.E, parsed.E)
}

func TestEncryptDecryptRoundTripVariousLengths(t *testing.T) {
	sk, err := GenerateSymmetricKey()
	require.NoError(t, err)

	lengths := []int{0, 1, 15, 16, 17, 31, 32, 4096, 4097, 9000}
	for _, n := range lengths {
		plaintext := make([]byte, n)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		enc := NewEncryptor(sk)
		ct, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Equal(t, 0, len(ct)%SymmetricIVSize, "ciphertext must be a whole number of blocks for length %d", n)

		dec, err := NewDecryptor(sk)
		require.NoError(t, err)
		pt, err := dec.Decrypt(ct)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, pt), "round trip mismatch for length %d", n)
	}
}

func TestDecryptRejectsBadCiphertextLength(t *testing.T) {
	sk, err := GenerateSymmetricKey()
	require.NoError(t, err)
	dec, err := NewDecryptor(sk)
	require.NoError(t, err)

	_, err = dec.Decrypt([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptorPreservesChainingAcrossMultipleChunks(t *testing.T) {
	sk, err := GenerateSymmetricKey()
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("0123456789abcdef"), 1000) // 16000 bytes, several chunks

	enc := NewEncryptor(sk)
	ct, err := enc.Encrypt(plaintext)
	require.NoError(t, err)

	dec, err := NewDecryptor(sk)
	require.NoError(t, err)
	pt, err := dec.Decrypt(ct)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, pt))
}
