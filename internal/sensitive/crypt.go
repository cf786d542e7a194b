// Package sensitive encrypts memory payloads at rest, keyed by a
// sensitivity label.
package sensitive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// Level classifies how a payload must be protected at rest.
type Level string

const (
	LevelPublic       Level = "public"
	LevelPII          Level = "pii"
	LevelSecret       Level = "secret"
	LevelConfidential Level = "confidential"
)

// ShouldEncrypt reports whether content at this level is stored encrypted.
func ShouldEncrypt(level Level) bool {
	return level != "" && level != LevelPublic
}

// Envelope is the stored form of an encrypted payload. The underscore field
// names mark it as ciphertext so callers cannot mistake it for plaintext.
type Envelope struct {
	Encrypted   string `json:"_encrypted"`
	Sensitivity Level  `json:"_sensitivity"`
}

// IsEnvelope reports whether raw parses as an encrypted envelope.
func IsEnvelope(raw json.RawMessage) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false
	}
	if env.Encrypted == "" || env.Sensitivity == "" {
		return Envelope{}, false
	}
	return env, true
}

const nonceLen = 16

// Cryptor performs AES-256-GCM encryption with one derived key per
// sensitivity level. Ciphertext wire format is nonce:authTag:cipher in hex.
type Cryptor struct {
	keys map[Level][]byte
	log  zerolog.Logger
}

// NewCryptor derives a 32-byte key per level from the configured secrets.
func NewCryptor(piiKey, secretKey, confidentialKey string, log zerolog.Logger) *Cryptor {
	derive := func(s string) []byte {
		sum := sha256.Sum256([]byte(s))
		return sum[:]
	}
	return &Cryptor{
		keys: map[Level][]byte{
			LevelPII:          derive(piiKey),
			LevelSecret:       derive(secretKey),
			LevelConfidential: derive(confidentialKey),
		},
		log: log,
	}
}

func (c *Cryptor) aead(level Level) (cipher.AEAD, bool) {
	key, ok := c.keys[level]
	if !ok {
		return nil, false
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, false
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, false
	}
	return gcm, true
}

// Encrypt seals plaintext under the level's key with a fresh random nonce.
// The second return is false for public content (store as-is) and on any
// internal failure.
func (c *Cryptor) Encrypt(plaintext []byte, level Level) (string, bool) {
	if !ShouldEncrypt(level) {
		return "", false
	}
	gcm, ok := c.aead(level)
	if !ok {
		c.log.Warn().Str("sensitivity", string(level)).Msg("no key for sensitivity level")
		return "", false
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		c.log.Error().Err(err).Msg("nonce generation failed")
		return "", false
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagAt := len(sealed) - gcm.Overhead()
	return hex.EncodeToString(nonce) + ":" +
		hex.EncodeToString(sealed[tagAt:]) + ":" +
		hex.EncodeToString(sealed[:tagAt]), true
}

// Decrypt opens an envelope produced by Encrypt. Malformed or tampered
// input is returned unchanged; the read path must never crash on it.
func (c *Cryptor) Decrypt(envelope string, level Level) []byte {
	if !ShouldEncrypt(level) || envelope == "" {
		return []byte(envelope)
	}
	gcm, ok := c.aead(level)
	if !ok {
		return []byte(envelope)
	}

	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		c.log.Warn().Msg("malformed encrypted envelope")
		return []byte(envelope)
	}
	nonce, err1 := hex.DecodeString(parts[0])
	tag, err2 := hex.DecodeString(parts[1])
	ct, err3 := hex.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || len(nonce) != nonceLen {
		c.log.Warn().Msg("malformed encrypted envelope")
		return []byte(envelope)
	}

	plain, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("envelope authentication failed")
		return []byte(envelope)
	}
	return plain
}

// Wrap encrypts raw JSON content and returns the stored envelope form.
// For public content (or on failure) it returns the input unchanged.
func (c *Cryptor) Wrap(content json.RawMessage, level Level) json.RawMessage {
	enc, ok := c.Encrypt(content, level)
	if !ok {
		return content
	}
	out, err := json.Marshal(Envelope{Encrypted: enc, Sensitivity: level})
	if err != nil {
		return content
	}
	return out
}

// Unwrap reverses Wrap: envelopes are decrypted, anything else passes
// through untouched.
func (c *Cryptor) Unwrap(raw json.RawMessage) json.RawMessage {
	env, ok := IsEnvelope(raw)
	if !ok {
		return raw
	}
	return c.Decrypt(env.Encrypted, env.Sensitivity)
}
