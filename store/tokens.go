package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/onnwee/karma-tender/crypto"
)

// Blob prefixes record whether a persisted token blob is sealed.
const (
	plainPrefix  = "v0:"
	sealedPrefix = "v1:"
)

// ErrSealedWithoutKey is returned when a sealed token blob is read but no
// encryption key is configured.
var ErrSealedWithoutKey = errors.New("tokens are encrypted but ENCRYPTION_KEY not configured")

// TokenCodec turns Tokens into the opaque text every backend persists. With a
// nil Encryptor blobs are stored as plaintext JSON.
type TokenCodec struct {
	Enc crypto.Encryptor
}

// Encode marshals and, when configured, seals t.
func (c TokenCodec) Encode(t Tokens) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal tokens: %w", err)
	}
	if c.Enc == nil {
		return plainPrefix + string(raw), nil
	}
	sealed, err := crypto.EncryptString(c.Enc, string(raw))
	if err != nil {
		return "", fmt.Errorf("seal tokens: %w", err)
	}
	return sealedPrefix + sealed, nil
}

// Decode reverses Encode. Unprefixed blobs are treated as plaintext JSON
// written before blobs were versioned.
func (c TokenCodec) Decode(blob string) (*Tokens, error) {
	raw := blob
	switch {
	case strings.HasPrefix(blob, sealedPrefix):
		if c.Enc == nil {
			return nil, ErrSealedWithoutKey
		}
		pt, err := crypto.DecryptString(c.Enc, strings.TrimPrefix(blob, sealedPrefix))
		if err != nil {
			return nil, fmt.Errorf("open tokens: %w", err)
		}
		raw = pt
	case strings.HasPrefix(blob, plainPrefix):
		raw = strings.TrimPrefix(blob, plainPrefix)
	}
	var t Tokens
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal tokens: %w", err)
	}
	return &t, nil
}

// IsSealed reports whether blob was written with encryption enabled.
func IsSealed(blob string) bool { return strings.HasPrefix(blob, sealedPrefix) }
