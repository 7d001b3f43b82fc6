// Package crypto encrypts operation payloads end to end with a key derived
// from the user's sync password.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/model"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopePrefix = "enc:v1:"
	saltSize       = 16
)

// Params are the argon2id key derivation parameters
type Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultParams returns the parameters used for real passwords
func DefaultParams() Params {
	return Params{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}
}

// Cipher encrypts and decrypts payloads. Each payload carries the salt its
// key was derived with, so payloads written under an older salt stay
// readable. Derived keys are cached per salt.
type Cipher struct {
	password []byte
	params   Params
	salt     []byte

	mu   sync.Mutex
	keys map[string][]byte
}

// NewCipher creates a cipher for password with a fresh encryption salt
func NewCipher(password string, params Params) (*Cipher, error) {
	if password == "" {
		return nil, fmt.Errorf("encryption password must not be empty")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return &Cipher{
		password: []byte(password),
		params:   params,
		salt:     salt,
		keys:     make(map[string][]byte),
	}, nil
}

func (c *Cipher) key(salt []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if k, ok := c.keys[string(salt)]; ok {
		return k
	}
	k := argon2.IDKey(c.password, salt, c.params.Time, c.params.MemoryKiB, c.params.Threads, chacha20poly1305.KeySize)
	c.keys[string(salt)] = k
	return k
}

// Seal encrypts plaintext bound to additional data ad
func (c *Cipher) Seal(plaintext, ad []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key(c.salt))
	if err != nil {
		return "", fmt.Errorf("failed to create aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	buf := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	buf = append(buf, c.salt...)
	buf = append(buf, nonce...)
	buf = aead.Seal(buf, nonce, plaintext, ad)

	return envelopePrefix + base64.RawStdEncoding.EncodeToString(buf), nil
}

// Open reverses Seal
func (c *Cipher) Open(envelope string, ad []byte) ([]byte, error) {
	if !strings.HasPrefix(envelope, envelopePrefix) {
		return nil, fmt.Errorf("unknown envelope format")
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(envelope, envelopePrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if len(raw) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("envelope too short")
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	sealed := raw[saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(c.key(salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// EncryptOperation returns a copy of op with its payload sealed. The op ID
// is bound as additional data.
func (c *Cipher) EncryptOperation(op model.Operation) (model.Operation, error) {
	if op.IsPayloadEncrypted {
		return op, nil
	}
	envelope, err := c.Seal(op.Payload, []byte(op.ID))
	if err != nil {
		return op, fmt.Errorf("failed to encrypt op %s: %w", op.ID, err)
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return op, fmt.Errorf("failed to encode envelope: %w", err)
	}

	out := op.Clone()
	out.Payload = data
	out.IsPayloadEncrypted = true
	return out, nil
}

// DecryptOperation returns a copy of op with its payload opened. Failures
// are DecryptFailed errors, which are recoverable by re-entering the
// password.
func (c *Cipher) DecryptOperation(op model.Operation) (model.Operation, error) {
	if !op.IsPayloadEncrypted {
		return op, nil
	}
	var envelope string
	if err := json.Unmarshal(op.Payload, &envelope); err != nil {
		return op, syncerrors.DecryptFailed(op.ID, err)
	}
	plaintext, err := c.Open(envelope, []byte(op.ID))
	if err != nil {
		return op, syncerrors.DecryptFailed(op.ID, err)
	}

	out := op.Clone()
	out.Payload = plaintext
	if len(plaintext) == 0 {
		out.Payload = nil
	}
	out.IsPayloadEncrypted = false
	return out, nil
}

// DecryptOperations decrypts ops in order and stops at the first failure
func (c *Cipher) DecryptOperations(ops []model.Operation) ([]model.Operation, error) {
	out := make([]model.Operation, 0, len(ops))
	for _, op := range ops {
		dec, err := c.DecryptOperation(op)
		if err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, nil
}
