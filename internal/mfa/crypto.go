package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts TOTP secrets at rest with XChaCha20-Poly1305. The user ID
// is bound as additional data so a sealed secret cannot be moved to another
// account.
type Sealer struct {
	key []byte
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("mfa: encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte, userID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("mfa: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(userID)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte, userID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("mfa: sealed secret too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("mfa: open sealed secret: %w", err)
	}
	return plaintext, nil
}

// backupAlphabet omits 0/O and 1/I. It has 32 symbols so masking a random
// byte is unbiased.
const backupAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

func newBackupCode() (string, error) {
	b := make([]byte, BackupCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = backupAlphabet[b[i]&31]
	}
	return string(b), nil
}

// newBackupCodes returns plaintext codes and their bcrypt hashes.
func newBackupCodes(cost int) ([]string, []string, error) {
	codes := make([]string, BackupCodeCount)
	hashes := make([]string, BackupCodeCount)
	for i := range codes {
		code, err := newBackupCode()
		if err != nil {
			return nil, nil, fmt.Errorf("mfa: generate backup code: %w", err)
		}
		h, err := bcrypt.GenerateFromPassword([]byte(code), cost)
		if err != nil {
			return nil, nil, fmt.Errorf("mfa: hash backup code: %w", err)
		}
		codes[i], hashes[i] = code, string(h)
	}
	return codes, hashes, nil
}

// matchBackupCode returns the stored hash code matches, or "".
func matchBackupCode(hashes []string, code string) string {
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(code)) == nil {
			return h
		}
	}
	return ""
}

// normalizeCode strips separators users tend to type and upper-cases
// backup codes.
func normalizeCode(code string) string {
	code = strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(code))
	return strings.ToUpper(code)
}

func isTOTPCode(code string) bool {
	if len(code) != Digits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secretMatches(secret, hash string) bool {
	if hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(hash)) == 1
}
