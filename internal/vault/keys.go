package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"gorm.io/gorm"

	"github.com/gluk-w/easyscp-core/internal/database"
)

// KeySource produces the vault key. It is consulted once, on first use.
type KeySource interface {
	LoadKey(db *gorm.DB) ([]byte, error)
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func(db *gorm.DB) ([]byte, error)

func (f KeySourceFunc) LoadKey(db *gorm.DB) ([]byte, error) { return f(db) }

// StaticKey returns a source that always yields a copy of key.
func StaticKey(key []byte) KeySource {
	k := append([]byte(nil), key...)
	return KeySourceFunc(func(*gorm.DB) ([]byte, error) {
		return append([]byte(nil), k...), nil
	})
}

// EnvKey reads a base64-encoded 32-byte key from the named environment
// variable.
func EnvKey(name string) KeySource {
	return KeySourceFunc(func(*gorm.DB) ([]byte, error) {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return nil, fmt.Errorf("environment variable %s is not set", name)
		}
		return DecodeKey(v)
	})
}

// DecodeKey accepts standard or URL-safe base64, padded or not.
func DecodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if k, err := enc.DecodeString(s); err == nil {
			if len(k) != KeySize {
				return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(k))
			}
			return k, nil
		}
	}
	return nil, errors.New("vault key is not valid base64")
}

// GenerateKey returns a fresh random key and its base64 encoding.
func GenerateKey() ([]byte, string, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, "", err
	}
	return k, base64.StdEncoding.EncodeToString(k), nil
}

const (
	metaSalt = "kdf_salt"

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// PassphraseKey derives the key from a master passphrase with argon2id.
// The salt is generated on first use and stored in the vault meta table;
// the derived key is not.
func PassphraseKey(passphrase func() ([]byte, error)) KeySource {
	return KeySourceFunc(func(db *gorm.DB) ([]byte, error) {
		pass, err := passphrase()
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		defer clear(pass)
		if len(pass) == 0 {
			return nil, errors.New("empty passphrase")
		}

		salt, err := database.GetMeta(db, metaSalt)
		if errors.Is(err, database.ErrMetaNotFound) {
			salt = make([]byte, 16)
			if _, err := io.ReadFull(rand.Reader, salt); err != nil {
				return nil, fmt.Errorf("generate salt: %w", err)
			}
			if err := database.SetMeta(db, metaSalt, salt); err != nil {
				return nil, fmt.Errorf("store salt: %w", err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("load salt: %w", err)
		}
		return argon2.IDKey(pass, salt, argonTime, argonMemory, argonThreads, KeySize), nil
	})
}
