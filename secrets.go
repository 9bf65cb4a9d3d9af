package session

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/goliatone/go-errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// credentialSealer protects remembered credentials at rest. Persistent stores
// hold only the sealed form; the plaintext exists in memory just long enough
// to pre-populate the login form.
type credentialSealer struct {
	key []byte
}

func newCredentialSealer(key []byte) (*credentialSealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("seal key must be 32 bytes", errors.CategoryBadInput).
			WithMetadata(map[string]any{"key_len": len(key)})
	}
	return &credentialSealer{key: key}, nil
}

func (s *credentialSealer) Seal(plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to build AEAD")
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to generate nonce")
	}

	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func (s *credentialSealer) Open(sealed string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryBadInput, "sealed credential is not base64")
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to build AEAD")
	}

	if len(raw) < aead.NonceSize() {
		return "", errors.New("sealed credential too short", errors.CategoryBadInput)
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryBadInput, "sealed credential failed to open")
	}

	return string(plain), nil
}
