package relay

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewSessionEncryption(testKey(1))
	if err != nil {
		t.Fatalf("NewSessionEncryption failed: %v", err)
	}

	payload := map[string]any{
		"role": "user",
		"content": map[string]any{
			"type": "text",
			"text": "hello, relay",
		},
		"nested": []any{"a", float64(42), true},
	}

	cipher, err := enc.Encrypt(payload)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	var got map[string]any
	if err := enc.Decrypt(cipher, &got); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if got["role"] != "user" {
		t.Errorf("Expected role user, got %v", got["role"])
	}
	content, ok := got["content"].(map[string]any)
	if !ok || content["text"] != "hello, relay" {
		t.Errorf("Round trip lost content: %v", got["content"])
	}
}

func TestEncryptProducesFreshNonces(t *testing.T) {
	enc, _ := NewSessionEncryption(testKey(2))

	a, err := enc.Encrypt("same payload")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := enc.Encrypt("same payload")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if a == b {
		t.Error("Two encryptions of the same payload produced identical ciphertexts")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc1, _ := NewSessionEncryption(testKey(3))
	enc2, _ := NewSessionEncryption(testKey(4))

	cipher, err := enc1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	var out string
	if err := enc2.Decrypt(cipher, &out); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Expected ErrDecrypt with wrong key, got %v", err)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	enc, _ := NewSessionEncryption(testKey(5))
	cipher, _ := enc.Encrypt("secret")

	raw, _ := base64.StdEncoding.DecodeString(cipher)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	var out string
	if err := enc.Decrypt(tampered, &out); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Expected ErrDecrypt for tampered ciphertext, got %v", err)
	}
}

func TestDecryptGarbage(t *testing.T) {
	enc, _ := NewSessionEncryption(testKey(6))

	var out string
	for _, cipher := range []string{"", "not-base64!!!", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0}, 10))} {
		if err := enc.Decrypt(cipher, &out); !errors.Is(err, ErrDecrypt) {
			t.Errorf("Expected ErrDecrypt for %q, got %v", cipher, err)
		}
	}
}

func TestSessionEncryptionKeySize(t *testing.T) {
	if _, err := NewSessionEncryption(make([]byte, 16)); err == nil {
		t.Error("Expected error for short key")
	}
	if _, err := SessionEncryptionFromBase64("%%%"); err == nil {
		t.Error("Expected error for invalid base64")
	}
	b64 := base64.StdEncoding.EncodeToString(testKey(7))
	if _, err := SessionEncryptionFromBase64(b64); err != nil {
		t.Errorf("Expected valid base64 key to load, got %v", err)
	}
}

func TestKeyring(t *testing.T) {
	kr := NewKeyring()
	if _, ok := kr.Get("sess-1"); ok {
		t.Error("Expected empty keyring miss")
	}

	enc, _ := NewSessionEncryption(testKey(8))
	kr.Add("sess-1", enc)

	got, ok := kr.Get("sess-1")
	if !ok || got != enc {
		t.Error("Expected keyring to return the registered context")
	}
}
