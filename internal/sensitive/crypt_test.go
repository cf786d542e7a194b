package sensitive

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/logger"
)

func newTestCryptor() *Cryptor {
	return NewCryptor("pii-key", "secret-key", "confidential-key", logger.Nop())
}

func TestEncryptPublicIsNoop(t *testing.T) {
	c := newTestCryptor()
	_, ok := c.Encrypt([]byte(`{"a":1}`), LevelPublic)
	require.False(t, ok, "public content must be stored as-is")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCryptor()
	plain := []byte(`{"theme":"dark","count":3}`)

	for _, level := range []Level{LevelPII, LevelSecret, LevelConfidential} {
		env, ok := c.Encrypt(plain, level)
		require.True(t, ok, "level %s", level)
		require.Len(t, strings.Split(env, ":"), 3)
		require.NotContains(t, env, "dark")

		got := c.Decrypt(env, level)
		require.JSONEq(t, string(plain), string(got))
	}
}

func TestFreshNoncePerCall(t *testing.T) {
	c := newTestCryptor()
	a, _ := c.Encrypt([]byte("x"), LevelPII)
	b, _ := c.Encrypt([]byte("x"), LevelPII)
	require.NotEqual(t, a, b)
}

func TestDecryptMalformedReturnsInput(t *testing.T) {
	c := newTestCryptor()

	for _, in := range []string{"", "nonsense", "a:b", "zz:zz:zz", "00:00:00"} {
		got := c.Decrypt(in, LevelSecret)
		require.Equal(t, in, string(got))
	}

	// Tampered ciphertext fails authentication and passes through.
	env, ok := c.Encrypt([]byte("payload"), LevelSecret)
	require.True(t, ok)
	tampered := env[:len(env)-2] + "00"
	got := c.Decrypt(tampered, LevelSecret)
	require.Equal(t, tampered, string(got))
}

func TestWrapUnwrap(t *testing.T) {
	c := newTestCryptor()
	content := json.RawMessage(`{"ssn":"123-45-6789"}`)

	wrapped := c.Wrap(content, LevelPII)
	env, ok := IsEnvelope(wrapped)
	require.True(t, ok)
	require.Equal(t, LevelPII, env.Sensitivity)

	require.JSONEq(t, string(content), string(c.Unwrap(wrapped)))

	// Public content passes through both directions.
	require.Equal(t, content, c.Wrap(content, LevelPublic))
	require.Equal(t, content, c.Unwrap(content))
}
