// Package vault encrypts accounting OAuth tokens at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/smallbiznis/sitebridge/internal/config"
	"go.uber.org/fx"
)

const versionPrefix = "v1:"

var (
	ErrKeyMissing        = errors.New("token_encryption_key_missing")
	ErrInvalidCiphertext = errors.New("invalid_token_ciphertext")
)

// Cipher is the contract consumers depend on.
type Cipher interface {
	EncryptToken(plaintext string) (string, error)
	DecryptToken(ciphertext string) (string, error)
}

// Vault seals tokens with AES-256-GCM. The key is the SHA-256 digest of the
// configured secret so any secret length yields a valid key.
type Vault struct {
	aead cipher.AEAD
}

var Module = fx.Module("vault",
	fx.Provide(
		ProvideVault,
		func(v *Vault) Cipher { return v },
	),
)

// ProvideVault fails the fx graph when QBO_TOKEN_ENCRYPTION_KEY is absent.
func ProvideVault(cfg config.Config) (*Vault, error) {
	return New(cfg.TokenEncryptionKey)
}

func New(secret string) (*Vault, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrKeyMissing
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: gcm}, nil
}

// EncryptToken returns "v1:" + base64(nonce || sealed).
func (v *Vault) EncryptToken(plaintext string) (string, error) {
	if v == nil || v.aead == nil {
		return "", ErrKeyMissing
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return versionPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) DecryptToken(ciphertext string) (string, error) {
	if v == nil || v.aead == nil {
		return "", ErrKeyMissing
	}
	encoded, ok := strings.CutPrefix(strings.TrimSpace(ciphertext), versionPrefix)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize+v.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plain, err := v.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}
