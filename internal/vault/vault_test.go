package vault

import (
	"strings"
	"testing"

	"github.com/smallbiznis/sitebridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	v, err := New("super-secret")
	require.NoError(t, err)

	sealed, err := v.EncryptToken("refresh-token-123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1:"))
	assert.NotContains(t, sealed, "refresh-token-123")

	plain, err := v.DecryptToken(sealed)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-123", plain)
}

func TestNonceIsRandom(t *testing.T) {
	v, err := New("super-secret")
	require.NoError(t, err)

	a, err := v.EncryptToken("same")
	require.NoError(t, err)
	b, err := v.EncryptToken("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMissingKeyIsFatal(t *testing.T) {
	_, err := New("   ")
	assert.ErrorIs(t, err, ErrKeyMissing)

	_, err = ProvideVault(config.Config{})
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestRejectsForeignCiphertext(t *testing.T) {
	v, err := New("key-a")
	require.NoError(t, err)
	other, err := New("key-b")
	require.NoError(t, err)

	sealed, err := other.EncryptToken("token")
	require.NoError(t, err)

	tampered := []byte(sealed)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}

	cases := map[string]string{
		"wrong_key":  sealed,
		"plaintext":  "token",
		"bad_base64": "v1:***",
		"too_short":  "v1:AAAA",
		"tampered":   string(tampered),
		"no_version": strings.TrimPrefix(sealed, "v1:"),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.DecryptToken(input)
			assert.ErrorIs(t, err, ErrInvalidCiphertext)
		})
	}
}
