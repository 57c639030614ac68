package service

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/smallbiznis/sitebridge/internal/config"
	"github.com/smallbiznis/sitebridge/internal/portal/domain"
)

const sessionTokenBytes = 32

// BidTokenHasher keys the HMAC that bid link tokens are stored under.
type BidTokenHasher struct {
	key []byte
}

func ProvideBidTokenHasher(cfg config.Config) (*BidTokenHasher, error) {
	return NewBidTokenHasher(cfg.BidPortalSecret)
}

func NewBidTokenHasher(secret string) (*BidTokenHasher, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrSecretMissing
	}
	return &BidTokenHasher{key: []byte(secret)}, nil
}

func (h *BidTokenHasher) Hash(raw string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func newOpaqueToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashSessionToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
