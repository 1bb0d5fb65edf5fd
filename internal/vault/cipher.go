package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/fernet/fernet-go"
)

// Scheme names an authenticated encryption scheme for vault records.
type Scheme string

const (
	SchemeAESGCM Scheme = "aes-256-gcm"
	// SchemeFernet is kept for records written by older releases.
	SchemeFernet Scheme = "fernet"
)

// KeySize is the length of every vault key in bytes.
const KeySize = 32

const gcmTagSize = 16

func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeAESGCM, SchemeFernet:
		return Scheme(s), nil
	}
	return "", fmt.Errorf("unknown vault scheme %q", s)
}

// sealed is the persisted form of one encrypted payload.
type sealed struct {
	nonce      []byte
	ciphertext []byte
	tag        []byte
}

type sealer interface {
	seal(plaintext, aad []byte) (sealed, error)
	// open must authenticate before returning any plaintext.
	open(s sealed, aad []byte) ([]byte, error)
}

func newSealer(scheme Scheme, key []byte) (sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(key))
	}
	switch scheme {
	case SchemeAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		return gcmSealer{aead: gcm}, nil
	case SchemeFernet:
		var k fernet.Key
		copy(k[:], key)
		return fernetSealer{key: &k}, nil
	}
	return nil, fmt.Errorf("unknown vault scheme %q", scheme)
}

type gcmSealer struct {
	aead cipher.AEAD
}

func (g gcmSealer) seal(plaintext, aad []byte) (sealed, error) {
	nonce := make([]byte, g.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	out := g.aead.Seal(nil, nonce, plaintext, aad)
	split := len(out) - gcmTagSize
	return sealed{nonce: nonce, ciphertext: out[:split], tag: out[split:]}, nil
}

func (g gcmSealer) open(s sealed, aad []byte) ([]byte, error) {
	if len(s.nonce) != g.aead.NonceSize() || len(s.tag) != gcmTagSize {
		return nil, ErrTamperedOrCorrupt
	}
	buf := make([]byte, 0, len(s.ciphertext)+len(s.tag))
	buf = append(buf, s.ciphertext...)
	buf = append(buf, s.tag...)
	pt, err := g.aead.Open(nil, s.nonce, buf, aad)
	if err != nil {
		return nil, ErrTamperedOrCorrupt
	}
	return pt, nil
}

// fernetSealer stores the decoded token bytes so that every bit of the
// persisted ciphertext is covered by the token's HMAC. Fernet has no
// associated data; the vault binds the identity inside the payload instead.
type fernetSealer struct {
	key *fernet.Key
}

func (f fernetSealer) seal(plaintext, _ []byte) (sealed, error) {
	tok, err := fernet.EncryptAndSign(plaintext, f.key)
	if err != nil {
		return sealed{}, fmt.Errorf("encrypt: %w", err)
	}
	raw, err := base64.URLEncoding.DecodeString(string(tok))
	if err != nil {
		return sealed{}, fmt.Errorf("decode token: %w", err)
	}
	return sealed{ciphertext: raw}, nil
}

func (f fernetSealer) open(s sealed, _ []byte) ([]byte, error) {
	tok := base64.URLEncoding.EncodeToString(s.ciphertext)
	msg := fernet.VerifyAndDecrypt([]byte(tok), 0*time.Second, []*fernet.Key{f.key})
	if msg == nil {
		return nil, ErrTamperedOrCorrupt
	}
	return msg, nil
}
