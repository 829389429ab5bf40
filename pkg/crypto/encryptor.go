// Package crypto encrypts synchronized objects before they leave the device.
//
// Objects are sealed with XChaCha20-Poly1305. The object key ("type/id") is
// bound as associated data, so a ciphertext cannot be replayed under another
// key. Keys are either random or derived from a passphrase with Argon2id.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/froyosync/froyosync/pkg/changes"
)

// KeySize is the size of an encryption key in bytes.
const KeySize = chacha20poly1305.KeySize

// SaltSize is the size of the salt used for passphrase derivation.
const SaltSize = 16

// Argon2id parameters for passphrase derivation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ErrDecrypt is returned when a ciphertext cannot be opened.
var ErrDecrypt = errors.New("failed to decrypt object")

// envelope is the JSON document stored on the remote for an encrypted object.
type envelope struct {
	Version    int    `json:"v"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"data"`
}

const envelopeVersion = 1

// Encryptor seals and opens objects. It is safe for concurrent use; SetKey
// may be called while other goroutines encrypt.
type Encryptor struct {
	mu  sync.RWMutex
	key []byte
}

// NewEncryptor creates an Encryptor with the given key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	e := &Encryptor{}
	if err := e.SetKey(key); err != nil {
		return nil, err
	}
	return e, nil
}

// NewRandomEncryptor creates an Encryptor with a freshly generated key.
func NewRandomEncryptor() (*Encryptor, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewEncryptor(key)
}

// GenerateKey returns a new random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateSalt returns a new random salt for DeriveKey.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a key from passphrase and salt with Argon2id.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("salt must be at least 8 bytes, got %d", len(salt))
	}
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize), nil
}

// Key returns a copy of the current key.
func (e *Encryptor) Key() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]byte(nil), e.key...)
}

// SetKey replaces the key.
func (e *Encryptor) SetKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), KeySize)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.key = append([]byte(nil), key...)
	return nil
}

// Encrypt seals object for key and returns the envelope as JSON.
func (e *Encryptor) Encrypt(key changes.ObjectKey, object json.RawMessage) (json.RawMessage, error) {
	aead, err := e.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, object, []byte(key.String()))
	out, err := json.Marshal(envelope{
		Version:    envelopeVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return out, nil
}

// Decrypt opens an envelope produced by Encrypt for the same key.
func (e *Encryptor) Decrypt(key changes.ObjectKey, data json.RawMessage) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecrypt, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrDecrypt, env.Version)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed nonce: %v", ErrDecrypt, err)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext: %v", ErrDecrypt, err)
	}

	aead, err := e.aead()
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce size %d", ErrDecrypt, len(nonce))
	}

	plain, err := aead.Open(nil, nonce, sealed, []byte(key.String()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

func (e *Encryptor) aead() (cipher.AEAD, error) {
	e.mu.RLock()
	key := e.key
	e.mu.RUnlock()

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}
