package identity

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/kayrus/putty"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrAuthRejected means the credential was refused, either by the
	// server or locally (wrong or missing key passphrase). It is never
	// retried automatically.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrInvalidKey means a key file could not be decoded at all.
	ErrInvalidKey = fmt.Errorf("invalid private key: %w", ErrAuthRejected)

	// ErrKindMismatch means the credential's kind differs from the kind
	// configured on the identity.
	ErrKindMismatch = fmt.Errorf("credential kind does not match identity: %w", ErrAuthRejected)
)

// Credential is a tagged union: exactly the fields for Kind are meaningful.
//
//	Password: Secret
//	KeyFile:  Path, Format, Passphrase (optional)
type Credential struct {
	Kind       AuthKind  `json:"kind"`
	Secret     []byte    `json:"secret,omitempty"`
	Path       string    `json:"path,omitempty"`
	Format     KeyFormat `json:"format,omitempty"`
	Passphrase []byte    `json:"passphrase,omitempty"`
}

func Password(secret string) Credential {
	return Credential{Kind: AuthPassword, Secret: []byte(secret)}
}

// KeyFile builds a key-file credential. An empty passphrase means the key
// is not encrypted.
func KeyFile(path string, format KeyFormat, passphrase string) Credential {
	c := Credential{Kind: AuthKeyFile, Path: path, Format: format}
	if passphrase != "" {
		c.Passphrase = []byte(passphrase)
	}
	return c
}

// ForIdentity builds the credential matching id's auth kind from a secret:
// the password for password identities, the key passphrase otherwise.
func ForIdentity(id Identity, secret string) Credential {
	if id.AuthKind == AuthKeyFile {
		return KeyFile(id.KeyPath, id.KeyFormat, secret)
	}
	return Password(secret)
}

// String never includes secret material.
func (c Credential) String() string {
	switch c.Kind {
	case AuthKeyFile:
		return fmt.Sprintf("Credential{kind=%s path=%s format=%s passphrase=%t}", c.Kind, c.Path, c.format(), len(c.Passphrase) > 0)
	default:
		return fmt.Sprintf("Credential{kind=%s}", c.Kind)
	}
}

func (c Credential) format() KeyFormat {
	if c.Format == "" {
		return FormatPEM
	}
	return c.Format
}

func (c Credential) Validate() error {
	switch c.Kind {
	case AuthPassword:
		if len(c.Secret) == 0 {
			return errors.New("password credential has no secret")
		}
	case AuthKeyFile:
		if c.Path == "" {
			return errors.New("key file credential has no path")
		}
		switch c.format() {
		case FormatPEM, FormatPPK:
		default:
			return fmt.Errorf("key file credential has unknown format %q", c.Format)
		}
	default:
		return fmt.Errorf("unknown credential kind %q", c.Kind)
	}
	return nil
}

// Equal compares two credentials field by field.
func (c Credential) Equal(o Credential) bool {
	return c.Kind == o.Kind &&
		bytes.Equal(c.Secret, o.Secret) &&
		c.Path == o.Path &&
		c.format() == o.format() &&
		bytes.Equal(c.Passphrase, o.Passphrase)
}

// Zero overwrites the secret bytes in place.
func (c *Credential) Zero() {
	clear(c.Secret)
	clear(c.Passphrase)
}

// ReadFileFunc loads raw key bytes for a path. os.ReadFile is the default.
type ReadFileFunc func(path string) ([]byte, error)

// AuthMethods returns the SSH auth methods for this credential and nothing
// else: a password credential never offers a key and vice versa. id must
// have the same auth kind.
func (c Credential) AuthMethods(id Identity, readFile ReadFileFunc) ([]ssh.AuthMethod, error) {
	if c.Kind != id.AuthKind {
		return nil, fmt.Errorf("%w: identity wants %s, got %s", ErrKindMismatch, id.AuthKind, c.Kind)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if readFile == nil {
		readFile = os.ReadFile
	}

	switch c.Kind {
	case AuthPassword:
		secret := string(c.Secret)
		return []ssh.AuthMethod{
			ssh.Password(secret),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = secret
				}
				return answers, nil
			}),
		}, nil
	case AuthKeyFile:
		signer, err := c.Signer(readFile)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("unknown credential kind %q", c.Kind)
}

// Signer loads and decodes the key file.
func (c Credential) Signer(readFile ReadFileFunc) (ssh.Signer, error) {
	if c.Kind != AuthKeyFile {
		return nil, fmt.Errorf("credential kind %s has no signer", c.Kind)
	}
	if readFile == nil {
		readFile = os.ReadFile
	}
	data, err := readFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	defer clear(data)

	switch c.format() {
	case FormatPPK:
		return parsePPK(data, c.Passphrase)
	default:
		return parsePEM(data, c.Passphrase)
	}
}

func parsePEM(data, passphrase []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: key is encrypted and no passphrase was given", ErrAuthRejected)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
	if err != nil {
		if errors.Is(err, x509.IncorrectPasswordError) {
			return nil, fmt.Errorf("%w: incorrect key passphrase", ErrAuthRejected)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return signer, nil
}

func parsePPK(data, passphrase []byte) (ssh.Signer, error) {
	key, err := putty.New(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	encrypted := key.Encryption != "" && key.Encryption != "none"
	if encrypted && len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: key is encrypted and no passphrase was given", ErrAuthRejected)
	}
	var pass []byte
	if encrypted {
		pass = passphrase
	}
	raw, err := key.ParseRawPrivateKey(pass)
	if err != nil {
		if encrypted {
			return nil, fmt.Errorf("%w: incorrect key passphrase", ErrAuthRejected)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return signer, nil
}
