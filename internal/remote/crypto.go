package remote

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32
)

// DeriveKey derives a 32-byte encryption key from a passphrase and salt
// using scrypt. Both inputs are normalized to NFKC before hashing so a
// passphrase typed on different platforms derives the same key.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)
	salt = norm.NFKC.String(salt)

	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// KeyHash returns hex(SHA-256(key)). Uploaded alongside encrypted
// snapshots so the server can reject writes from a client holding the
// wrong passphrase without ever seeing the key.
func KeyHash(key []byte) string {
	h := sha256.Sum256(key)
	return hex.EncodeToString(h[:])
}

// ZeroKey overwrites the key material in the given slice. Call this
// after passing the key to NewCipher.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Cipher encrypts snapshot payloads with AES-256-GCM. Payloads are
// stored as [12-byte IV][ciphertext+GCM tag] with a random IV per
// encryption.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != scryptKeyLen {
		return nil, fmt.Errorf("invalid key length %d: expected %d bytes", len(key), scryptKeyLen)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Encrypt seals a snapshot payload. Returns [12-byte IV][ciphertext+tag].
func (c *Cipher) Encrypt(data []byte) ([]byte, error) {
	iv := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ciphertext := c.gcm.Seal(nil, iv, data, nil)
	result := make([]byte, len(iv)+len(ciphertext))
	copy(result, iv)
	copy(result[len(iv):], ciphertext)

	return result, nil
}

// Decrypt opens a sealed snapshot payload.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize+c.gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}
