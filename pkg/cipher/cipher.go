// Package cipher encrypts personally identifying fields at rest.
// A single 32-byte key is loaded from disk, or generated and persisted on
// first use. There is no rotation: data sealed under a lost key cannot be
// recovered.
package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/MrCodeEU/faceattend/pkg/logging"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the size of the nonce prefixed to every ciphertext.
	NonceSize = 24
	// KeySize is the size of the master key file.
	KeySize = 32
)

// ErrDecryption is returned for malformed ciphertext or a key mismatch.
var ErrDecryption = errors.New("decryption failed")

// ErrInvalidKey is returned when the key file has the wrong length.
var ErrInvalidKey = errors.New("invalid key file")

var indexInfo = []byte("faceattend email index v1")

// Cipher seals and opens PII strings. It is read-only after construction
// and safe for concurrent use.
type Cipher struct {
	key      [KeySize]byte
	indexKey [KeySize]byte
}

// New builds a Cipher around an existing key.
func New(key [KeySize]byte) *Cipher {
	c := &Cipher{key: key}

	// A separate subkey keeps blind index hashes unrelated to the sealing key.
	r := hkdf.New(sha256.New, key[:], nil, indexInfo)
	if _, err := io.ReadFull(r, c.indexKey[:]); err != nil {
		// hkdf only fails after 255*32 bytes of output
		panic(err)
	}
	return c
}

// Load reads the key at path, generating and persisting a new one when the
// file does not exist yet.
func Load(path string) (*Cipher, error) {
	log := logging.Component("cipher")

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != KeySize {
			return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrInvalidKey, path, len(data), KeySize)
		}
		var key [KeySize]byte
		copy(key[:], data)
		log.Debugf("Loaded encryption key from %s", path)
		return New(key), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	// O_EXCL: another process may have created the key meanwhile.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return Load(path)
		}
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(key[:]); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	log.Infof("Generated new encryption key at %s", path)
	return New(key), nil
}

// Encrypt seals plaintext with a random nonce and returns base64url text.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens text produced by Encrypt under the same key.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: not base64", ErrDecryption)
	}
	if len(raw) < NonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], raw[:NonceSize])

	plaintext, ok := secretbox.Open(nil, raw[NonceSize:], &nonce, &c.key)
	if !ok {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return string(plaintext), nil
}

// Index returns a keyed hash of an already-normalized value. Equal inputs
// give equal outputs, so it can be stored beside ciphertext for lookups
// without decrypting every record.
func (c *Cipher) Index(normalized string) string {
	h, err := blake2b.New256(c.indexKey[:])
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	h.Write([]byte(normalized))
	return hex.EncodeToString(h.Sum(nil))
}
