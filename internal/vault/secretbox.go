package vault

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

const (
	// KeySize is the shared secret length
	KeySize = 32
	// NonceSize is the per-message nonce length
	NonceSize = 24
)

// ParseKey decodes a base64 shared secret and checks its length
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode shared secret key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("shared secret key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Decrypt opens a token of the form base64(nonce):base64(box). Any malformed or
// tampered input is a DecryptError, never an empty token.
func Decrypt(cipherText string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", &domain.DecryptError{Reason: "no valid shared secret key configured"}
	}

	nonceB64, boxB64, ok := strings.Cut(cipherText, ":")
	if !ok {
		return "", &domain.DecryptError{Reason: "token is not in nonce:ciphertext form"}
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return "", &domain.DecryptError{Reason: "nonce is not valid base64"}
	}
	if len(nonceBytes) != NonceSize {
		return "", &domain.DecryptError{Reason: fmt.Sprintf("nonce must be %d bytes", NonceSize)}
	}

	box, err := base64.StdEncoding.DecodeString(boxB64)
	if err != nil {
		return "", &domain.DecryptError{Reason: "ciphertext is not valid base64"}
	}
	if len(box) < secretbox.Overhead {
		return "", &domain.DecryptError{Reason: "ciphertext is too short"}
	}

	var nonce [NonceSize]byte
	var k [KeySize]byte
	copy(nonce[:], nonceBytes)
	copy(k[:], key)

	plain, ok := secretbox.Open(nil, box, &nonce, &k)
	if !ok {
		return "", &domain.DecryptError{Reason: "message authentication failed"}
	}
	if len(plain) == 0 {
		return "", &domain.DecryptError{Reason: "decrypted token is empty"}
	}
	return string(plain), nil
}

// Encrypt seals a token with a random nonce. Used by tooling and tests.
func Encrypt(plainText string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("shared secret key must be %d bytes", KeySize)
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	var k [KeySize]byte
	copy(k[:], key)

	box := secretbox.Seal(nil, []byte(plainText), &nonce, &k)
	return base64.StdEncoding.EncodeToString(nonce[:]) + ":" + base64.StdEncoding.EncodeToString(box), nil
}
