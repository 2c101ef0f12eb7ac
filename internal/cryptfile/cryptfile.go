// Package cryptfile encrypts credential files at rest. Each file is sealed
// under its own key derived from a long-lived 32-byte master key, so a leak
// of one file key never exposes a sibling file. File format:
//
//	[nonce: 24 bytes][AEAD ciphertext]
package cryptfile

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// NonceSize is the length of the random nonce prefixed to every file.
const NonceSize = chacha20poly1305.NonceSizeX

// KeySize is the required master key length.
const KeySize = chacha20poly1305.KeySize

// ErrMalformedFile signals a file too short to carry a nonce prefix. Such a
// file is never treated as plaintext.
var ErrMalformedFile = errors.New("cryptfile: malformed file")

// Factory derives per-file keys for one account and seals/opens its files.
type Factory struct {
	key []byte
}

// NewFactory derives the factory key for the given account from the master
// key. The caller keeps ownership of masterKey.
func NewFactory(accountID uuid.UUID, masterKey []byte) (*Factory, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("cryptfile: master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	key, err := deriveKey(masterKey, accountID[:], []byte("kx-account-file"))
	if err != nil {
		return nil, err
	}
	return &Factory{key: key}, nil
}

// deriveKey is a keyed-hash derivation: HKDF-SHA256 over the secret with
// the concatenated info fields.
func deriveKey(secret []byte, info ...[]byte) ([]byte, error) {
	var all []byte
	for _, part := range info {
		all = append(all, part...)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, all), key); err != nil {
		return nil, fmt.Errorf("cryptfile: derive key: %w", err)
	}
	return key, nil
}

func (f *Factory) fileKey(fileName string, nonce []byte) ([]byte, error) {
	if f.key == nil {
		return nil, errors.New("cryptfile: factory is closed")
	}
	return deriveKey(f.key, []byte(fileName), nonce)
}

// Encrypt seals plaintext under a fresh nonce and the key derived for
// fileName, returning nonce || ciphertext.
func (f *Factory) Encrypt(fileName string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptfile: nonce: %w", err)
	}
	key, err := f.fileKey(fileName, nonce)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptfile: init cipher: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. A short nonce prefix is a hard failure; a wrong
// key or tampered content fails authentication and returns no plaintext.
func (f *Factory) Decrypt(fileName string, content []byte) ([]byte, error) {
	if len(content) < NonceSize {
		return nil, fmt.Errorf("%w: missing nonce prefix", ErrMalformedFile)
	}
	nonce, ciphertext := content[:NonceSize], content[NonceSize:]
	key, err := f.fileKey(fileName, nonce)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptfile: init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptfile: decrypt %s: %w", fileName, err)
	}
	return plaintext, nil
}

// WriteFile encrypts plaintext and writes it to path. The per-file key is
// bound to the base file name.
func (f *Factory) WriteFile(path string, plaintext []byte) error {
	content, err := f.Encrypt(filepath.Base(path), plaintext)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return fmt.Errorf("cryptfile: write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads and decrypts the file at path.
func (f *Factory) ReadFile(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cryptfile: read %s: %w", path, err)
	}
	return f.Decrypt(filepath.Base(path), content)
}

// Close wipes the factory key. The factory is unusable afterwards.
func (f *Factory) Close() {
	Zero(f.key)
	f.key = nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
