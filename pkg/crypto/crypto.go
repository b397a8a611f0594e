// Package crypto derives archive keys from a password and seals archives
// with AES-256-GCM.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the size of the encryption key in bytes (32 bytes = 256 bits)
	KeySize = 32
	// SaltSize is the size of the salt used in key derivation
	SaltSize = 16
	// Memory in KiB used by Argon2
	Memory = 64 * 1024
	// Iterations used by Argon2
	Iterations = 3
	// Parallelism used by Argon2
	Parallelism = 2
)

// Magic prefixes every sealed archive.
var Magic = []byte("OXAR1")

var (
	ErrNotSealed = errors.New("data is not a sealed archive")
	ErrWrongKey  = errors.New("wrong key or corrupted archive")
)

// deriveSalt makes the salt a function of the password, so a lost key file
// can be regenerated from the password alone.
func deriveSalt(password []byte) []byte {
	sum := sha256.Sum256(password)
	salt := make([]byte, SaltSize)
	copy(salt, sum[:SaltSize])
	return salt
}

// DeriveKey derives an encryption key and its salt from a password.
func DeriveKey(password []byte) (key, salt []byte) {
	salt = deriveSalt(password)
	return RecreateKey(password, salt), salt
}

// RecreateKey recreates an encryption key from a password and salt
func RecreateKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, Iterations, Memory, Parallelism, KeySize)
}

// SaveKey saves the encryption key to a file
func SaveKey(key, salt []byte, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	// Save key and salt as hex strings
	content := fmt.Sprintf("%x\n%x", key, salt)
	return os.WriteFile(keyPath, []byte(content), 0o600)
}

// LoadKey loads the encryption key from a file
func LoadKey(keyPath string) (key, salt []byte, err error) {
	content, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if _, err := fmt.Sscanf(string(content), "%x\n%x", &key, &salt); err != nil {
		return nil, nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("key file holds a %d byte key, want %d", len(key), KeySize)
	}
	return key, salt, nil
}

// GenerateAndSaveKey derives a key from password and writes it to path.
func GenerateAndSaveKey(password []byte, path string) error {
	key, salt := DeriveKey(password)
	if err := SaveKey(key, salt, path); err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// IsSealed reports whether data starts with the sealed archive header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, Magic)
}

// Seal encrypts plaintext as Magic || nonce || ciphertext. The header is
// authenticated along with the payload.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(Magic)+gcm.NonceSize(), len(Magic)+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	copy(out, Magic)
	nonce := out[len(Magic):]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(out, nonce, plaintext, Magic), nil
}

// Open reverses Seal.
func Open(key, sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	body := sealed[len(Magic):]
	if len(body) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: %w", ErrWrongKey)
	}
	nonce, ciphertext := body[:gcm.NonceSize()], body[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, Magic)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", ErrWrongKey)
	}
	return plaintext, nil
}
