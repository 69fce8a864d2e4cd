// Package gate keeps the optional passphrase that locks the UI.
package gate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/l0p7/linkshelf/internal/logging"
	"github.com/l0p7/linkshelf/internal/persist"
)

// Key is the storage key of the hashed passphrase.
const Key = "password"

// MinLength is the shortest accepted passphrase, in characters.
const MinLength = 4

const saltBytes = 16

var (
	ErrTooShort        = fmt.Errorf("gate: passphrase must be at least %d characters", MinLength)
	ErrMismatch        = errors.New("gate: passphrase confirmation does not match")
	ErrWrongPassphrase = errors.New("gate: wrong passphrase")
)

// Gate stores the passphrase as "salt:hash", where salt is 16 random bytes
// in hex and hash is the hex SHA-256 of passphrase followed by salt.
type Gate struct {
	slot   *persist.Slot[string]
	logger *slog.Logger
}

// New opens the passphrase slot.
func New(ctx context.Context, store *persist.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gate{
		slot:   persist.Open(ctx, store, Key, ""),
		logger: logger.With(slog.String("agent", "gate")),
	}
}

// IsSet reports whether a passphrase is configured.
func (g *Gate) IsSet() bool {
	return g.slot.Get() != ""
}

// Set replaces the passphrase.
func (g *Gate) Set(passphrase, confirm string) error {
	if utf8.RuneCountInString(passphrase) < MinLength {
		return ErrTooShort
	}
	if passphrase != confirm {
		return ErrMismatch
	}
	stored, err := hashNew(passphrase)
	if err != nil {
		return err
	}
	g.slot.Set(stored)
	g.logger.Info("passphrase set")
	return nil
}

// Verify checks passphrase against the stored value. Without a stored
// passphrase every attempt succeeds. A legacy plaintext value is upgraded to
// the salted form after a successful match.
func (g *Gate) Verify(passphrase string) error {
	stored := g.slot.Get()
	if stored == "" {
		return nil
	}
	salt, hash, ok := strings.Cut(stored, ":")
	if !ok {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(passphrase)) != 1 {
			return ErrWrongPassphrase
		}
		if upgraded, err := hashNew(passphrase); err == nil {
			g.slot.Set(upgraded)
			g.logger.Info("legacy passphrase upgraded")
		}
		return nil
	}
	if salt == "" || hash == "" {
		return ErrWrongPassphrase
	}
	computed := digest(passphrase, salt)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(hash))) != 1 {
		return ErrWrongPassphrase
	}
	return nil
}

// Clear removes the passphrase.
func (g *Gate) Clear() {
	g.slot.Remove()
	g.logger.Info("passphrase cleared")
}

func hashNew(passphrase string) (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("gate: generate salt: %w", err)
	}
	salt := hex.EncodeToString(buf)
	return salt + ":" + digest(passphrase, salt), nil
}

func digest(passphrase, salt string) string {
	sum := sha256.Sum256([]byte(passphrase + salt))
	return hex.EncodeToString(sum[:])
}
