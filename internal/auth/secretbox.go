package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// SecretBox encrypts small secrets (agent passwords) at rest with AES-GCM,
// keyed by the SHA-256 of the server's signing secret.
type SecretBox struct {
	key []byte
}

// NewSecretBox derives the AES key from secret.
func NewSecretBox(secret string) *SecretBox {
	hash := sha256.Sum256([]byte(secret))
	return &SecretBox{key: hash[:]}
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (b *SecretBox) Seal(plaintext string) (string, error) {
	aesGCM, err := b.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := aesGCM.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal.
func (b *SecretBox) Open(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	aesGCM, err := b.gcm()
	if err != nil {
		return "", err
	}
	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (b *SecretBox) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
