package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSettingKey - ключ в bot_settings, под которым хранится соль установки
	SaltSettingKey = "contact_cipher_salt"

	saltSize         = 16
	keySize          = 32
	pbkdf2Iterations = 100_000
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// FieldCipher шифрует контактные данные AES-256-GCM со случайным nonce на каждую запись
type FieldCipher struct {
	aead cipher.AEAD
}

// SaltStore - хранилище соли установки
type SaltStore interface {
	SettingOrInit(key, description string, init func() (string, error)) (string, error)
}

// NewFieldCipher выводит ключ из секрета и соли установки через PBKDF2
func NewFieldCipher(secret string, salt []byte) (*FieldCipher, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt is empty")
	}

	key := pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// LoadFieldCipher берет соль из хранилища, создавая ее при первом запуске
func LoadFieldCipher(secret string, store SaltStore) (*FieldCipher, error) {
	encoded, err := store.SettingOrInit(SaltSettingKey, "Соль шифрования контактных данных", func() (string, error) {
		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(salt), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load cipher salt: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cipher salt: %w", err)
	}
	return NewFieldCipher(secret, salt)
}

// Encrypt возвращает nonce||ciphertext. Пустая строка шифруется в nil.
func (c *FieldCipher) Encrypt(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (c *FieldCipher) Decrypt(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
