package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// encPrefix marks a setting value that is AEAD-encrypted at rest.
const encPrefix = "enc:"

// IsSensitiveKey reports whether a setting key holds a credential and must be
// encrypted at rest and masked on read.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "api_key") ||
		strings.Contains(k, "apikey") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "secret")
}

// SetSetting upserts one key. Sensitive keys are encrypted when the store
// holds a cipher key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	start := time.Now()
	stored := value
	if IsSensitiveKey(key) && len(s.cipherKey) > 0 {
		enc, err := s.seal(value)
		if err != nil {
			return fmt.Errorf("set setting: %w", err)
		}
		stored = enc
	}
	st, err := s.stmt(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, key, stored, nowMillis()); err != nil {
		s.logger.Error("sqlite: set setting failed", "key", key, "error", err)
		return fmt.Errorf("set setting: %w", err)
	}
	s.logger.Debug("sqlite: set setting", "key", key, "encrypted", stored != value, "duration", time.Since(start))
	return nil
}

// GetSetting returns the plaintext value for key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	st, err := s.stmt(ctx, `SELECT value FROM settings WHERE key = ?`)
	if err != nil {
		return "", err
	}
	var v string
	if err := st.QueryRowContext(ctx, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return s.open(v)
}

// AllSettings returns every key with its plaintext value.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("all settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		plain, err := s.open(v)
		if err != nil {
			// An undecryptable value (rotated key) is surfaced as empty rather
			// than failing the whole listing.
			s.logger.Error("sqlite: setting decrypt failed", "key", k, "error", err)
			plain = ""
		}
		out[k] = plain
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return out, nil
}

// DeleteSetting removes one key.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	st, err := s.stmt(ctx, `DELETE FROM settings WHERE key = ?`)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	return nil
}

// MaskValue hides all but the last four characters of a credential.
func MaskValue(v string) string {
	if len(v) <= 4 {
		return strings.Repeat("*", len(v))
	}
	return strings.Repeat("*", 4) + v[len(v)-4:]
}

// seal encrypts plaintext with XChaCha20-Poly1305 under the store key, with a
// fresh random nonce per value.
func (s *Store) seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.cipherKey)
	if err != nil {
		return "", fmt.Errorf("cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// open decrypts a stored value if it carries the encryption prefix; plain
// values pass through.
func (s *Store) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if len(s.cipherKey) == 0 {
		return "", fmt.Errorf("encrypted value with no cipher key")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.cipherKey)
	if err != nil {
		return "", fmt.Errorf("cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}
