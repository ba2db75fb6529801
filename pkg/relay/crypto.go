package relay

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecrypt is returned when a ciphertext cannot be opened with the
// session key. Unrelated or corrupted traffic is expected on a shared
// channel, so callers drop these silently.
var ErrDecrypt = errors.New("cannot decrypt payload with session key")

const (
	sessionKeySize = 32
	nonceSize      = 24
)

// SessionEncryption encrypts and decrypts structured payloads with a
// session-scoped symmetric key. The wire form is base64(nonce || box).
type SessionEncryption struct {
	key [sessionKeySize]byte
}

// NewSessionEncryption creates an encryption context from a raw 32-byte key.
func NewSessionEncryption(secret []byte) (*SessionEncryption, error) {
	if len(secret) != sessionKeySize {
		return nil, errors.Errorf("session key must be %d bytes, got %d", sessionKeySize, len(secret))
	}
	e := &SessionEncryption{}
	copy(e.key[:], secret)
	return e, nil
}

// SessionEncryptionFromBase64 creates an encryption context from a
// base64-encoded session key, the form keys take in configuration.
func SessionEncryptionFromBase64(secret string) (*SessionEncryption, error) {
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base64 session key")
	}
	return NewSessionEncryption(raw)
}

// Encrypt marshals v to JSON and seals it under a fresh random nonce.
func (e *SessionEncryption) Encrypt(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "marshal payload")
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &e.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 nonce||box ciphertext and unmarshals it into v.
// Returns ErrDecrypt when the ciphertext does not verify under the key.
func (e *SessionEncryption) Decrypt(cipher string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(cipher)
	if err != nil {
		return ErrDecrypt
	}
	if len(raw) <= nonceSize {
		return ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &e.key)
	if !ok {
		return ErrDecrypt
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return errors.Wrap(err, "unmarshal decrypted payload")
	}
	return nil
}

// Keyring maps session ids to their encryption contexts. A gateway tracks
// one session today, but the channel is shared and nothing in the protocol
// limits a client to a single session.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*SessionEncryption
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]*SessionEncryption)}
}

// Add registers the encryption context for a session.
func (k *Keyring) Add(sessionID string, enc *SessionEncryption) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[sessionID] = enc
}

// Get returns the encryption context for a session.
func (k *Keyring) Get(sessionID string) (*SessionEncryption, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	enc, ok := k.keys[sessionID]
	return enc, ok
}
