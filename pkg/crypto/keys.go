package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey      = errors.New("invalid key")
	ErrEmptyPassphrase = errors.New("empty passphrase")
)

// KeySize is the size of a pre-shared AES-128 key
const KeySize = 16

// keyDerivationInfo binds derived keys to this protocol
var keyDerivationInfo = []byte("zentalk-link pre-shared key v1")

// GenerateKey generates a random pre-shared key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParseKey parses a hex encoded pre-shared key (an optional 0x prefix is allowed)
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")

	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	return key, nil
}

// DeriveKey derives a pre-shared key from a passphrase using HKDF-SHA256.
// Both devices must use the same passphrase and salt.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	r := hkdf.New(sha256.New, []byte(passphrase), salt, keyDerivationInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// SaveKeyToFile saves a key to file as hex
func SaveKeyToFile(filename string, key []byte) error {
	return os.WriteFile(filename, []byte(hex.EncodeToString(key)+"\n"), 0600)
}

// LoadKeyFromFile loads a hex encoded key from file
func LoadKeyFromFile(filename string) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseKey(string(data))
}
