// Package crypto implements the asymmetric key-wrapping and symmetric
// cipher used by the handshake and secure-channel layers: RSA-3072
// with OAEP padding for key exchange, and AES-256-CBC with ISO10126 padding
// for payload encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

// KeyBits is the RSA modulus size used for the asymmetric handshake.
const KeyBits = 3072

// Symmetric cipher sizes. AES-256 key, 128-bit IV (AES's block size).
const (
	SymmetricKeySize = 32
	SymmetricIVSize  = aes.BlockSize
)

var (
	// ErrDecryption wraps any OAEP or CBC decryption failure.
	ErrDecryption = errors.New("crypto: decryption failed")
	// ErrInvalidCiphertext indicates ciphertext length is not a multiple of
	// the cipher's block size, or is empty.
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext length")
	// ErrInvalidPadding indicates the ISO10126 pad-length byte is malformed.
	ErrInvalidPadding = errors.New("crypto: invalid padding")
)

// KeyPair is a local asymmetric keypair used to decrypt the symmetric
// material the peer addresses to us.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair creates a fresh RSA-3072 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate keypair: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// MarshalPublicKey serializes a public key to the portable blob form carried
// in the handshake's "R" attribute (PKIX DER).
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	return der, nil
}

// ParsePublicKey parses a PKIX DER-encoded public key blob.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: parsed key is not RSA")
	}
	return rsaKey, nil
}

// EncryptOAEP wraps plaintext under pub using OAEP with SHA-256.
func EncryptOAEP(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: OAEP encrypt: %w", err)
	}
	return ct, nil
}

// DecryptOAEP unwraps ciphertext under priv using OAEP with SHA-256.
func DecryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return pt, nil
}

// SymmetricKey is a per-direction AES-256 key and CBC initialization vector.
type SymmetricKey struct {
	Key []byte
	IV  []byte
}

// GenerateSymmetricKey creates a fresh AES-256 key and a random IV.
func GenerateSymmetricKey() (*SymmetricKey, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: generate symmetric key: %w", err)
	}
	iv := make([]byte, SymmetricIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: generate iv: %w", err)
	}
	return &SymmetricKey{Key: key, IV: iv}, nil
}

// Encryptor performs one-shot AES-CBC encryption with ISO10126 padding.
type Encryptor struct {
	key, iv []byte
}

// NewEncryptor builds an Encryptor over the given key and IV.
func NewEncryptor(sk *SymmetricKey) *Encryptor {
	return &Encryptor{key: sk.Key, iv: sk.IV}
}

// Encrypt pads plaintext to a multiple of the AES block size with ISO10126
// padding and encrypts it in one finalized pass.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	padded, err := padISO10126(plaintext, block.BlockSize())
	if err != nil {
		return nil, err
	}
	mode := cipher.NewCBCEncrypter(block, e.iv)
	ciphertext := make([]byte, len(padded))
	mode.CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decryptor performs one-shot AES-CBC decryption with ISO10126 padding
// removal. Each message is an independent CBC stream starting from the
// original IV, matching Encryptor's per-call construction, so Decryptor
// holds the block cipher and IV rather than a live cipher.BlockMode.
type Decryptor struct {
	block     cipher.Block
	iv        []byte
	blockSize int
}

// NewDecryptor builds a Decryptor over the given key and IV.
func NewDecryptor(sk *SymmetricKey) (*Decryptor, error) {
	block, err := aes.NewCipher(sk.Key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return &Decryptor{
		block:     block,
		iv:        sk.IV,
		blockSize: block.BlockSize(),
	}, nil
}

// ChunkSize is the size Decrypt processes ciphertext in; purely a local
// implementation choice, not observable on the wire.
const ChunkSize = 4096

// Decrypt decrypts the full ciphertext, processing it in ChunkSize-sized
// chunks against a fresh CBC chain rooted at the original IV, and strips
// ISO10126 padding from the result.
func (d *Decryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%d.blockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	mode := cipher.NewCBCDecrypter(d.block, d.iv)

	// ChunkSize is a multiple of the block size and the overall ciphertext
	// length was checked above, so every chunk (including a short final one)
	// is itself a whole number of blocks.
	plaintext := make([]byte, len(ciphertext))
	for offset := 0; offset < len(ciphertext); offset += ChunkSize {
		end := offset + ChunkSize
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		mode.CryptBlocks(plaintext[offset:end], ciphertext[offset:end])
	}

	return unpadISO10126(plaintext, d.blockSize)
}

// padISO10126 pads data to a multiple of blockSize with random bytes, the
// final byte holding the pad length (1..blockSize).
func padISO10126(data []byte, blockSize int) ([]byte, error) {
	padLen := blockSize - (len(data) % blockSize)
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	if _, err := rand.Read(padded[len(data) : len(padded)-1]); err != nil {
		return nil, fmt.Errorf("crypto: generate padding: %w", err)
	}
	padded[len(padded)-1] = byte(padLen)
	return padded, nil
}

// unpadISO10126 strips ISO10126 padding, validating the declared pad length.
func unpadISO10126(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen < 1 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	return data[:len(data)-padLen], nil
}
