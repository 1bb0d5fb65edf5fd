// Package identity defines the logical key for a configured remote endpoint
// and the credentials used to authenticate to it.
//
// An Identity is immutable and is passed around by value. Its Key is the
// lookup key for the session registry and the vault. A Credential is a
// closed tagged union over the supported auth kinds. It only exists in
// plaintext between vault decryption and the SSH auth handshake.
package identity

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// AuthKind selects the single authentication method used for an identity.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKeyFile  AuthKind = "key_file"
)

// KeyFormat is the on-disk encoding of a private key file.
type KeyFormat string

const (
	FormatPEM KeyFormat = "pem"
	FormatPPK KeyFormat = "ppk"
)

const defaultPort = 22

// Identity identifies one remote endpoint.
type Identity struct {
	Name      string    `yaml:"name" json:"name"`
	Host      string    `yaml:"host" json:"host"`
	Port      int       `yaml:"port" json:"port"`
	Username  string    `yaml:"username" json:"username"`
	AuthKind  AuthKind  `yaml:"auth_kind" json:"auth_kind"`
	KeyPath   string    `yaml:"key_path,omitempty" json:"key_path,omitempty"`
	KeyFormat KeyFormat `yaml:"key_format,omitempty" json:"key_format,omitempty"`
}

// Key returns the canonical lookup key, e.g. "root@example.org:22/password".
// The display name is deliberately not part of it.
func (id Identity) Key() string {
	return fmt.Sprintf("%s@%s:%d/%s", id.Username, id.Host, id.port(), id.AuthKind)
}

// Address returns host:port suitable for dialing.
func (id Identity) Address() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.port()))
}

func (id Identity) port() int {
	if id.Port == 0 {
		return defaultPort
	}
	return id.Port
}

func (id Identity) String() string {
	if id.Name != "" {
		return id.Name + " (" + id.Key() + ")"
	}
	return id.Key()
}

// Validate reports whether the identity has enough information to dial.
func (id Identity) Validate() error {
	if id.Host == "" {
		return fmt.Errorf("identity %q: host is required", id.Name)
	}
	if id.Port < 0 || id.Port > 65535 {
		return fmt.Errorf("identity %q: port %d out of range", id.Name, id.Port)
	}
	if id.Username == "" {
		return fmt.Errorf("identity %q: username is required", id.Name)
	}
	switch id.AuthKind {
	case AuthPassword:
	case AuthKeyFile:
		if id.KeyPath == "" {
			return fmt.Errorf("identity %q: key_path is required for key_file auth", id.Name)
		}
		switch id.KeyFormat {
		case "", FormatPEM, FormatPPK:
		default:
			return fmt.Errorf("identity %q: unknown key format %q", id.Name, id.KeyFormat)
		}
	default:
		return fmt.Errorf("identity %q: unknown auth kind %q", id.Name, id.AuthKind)
	}
	return nil
}

type identitiesFile struct {
	Servers []Identity `yaml:"servers"`
}

// LoadFile reads identities from a YAML file of the form
//
//	servers:
//	  - name: web
//	    host: web.example.org
//	    username: deploy
//	    auth_kind: key_file
//	    key_path: ~/.ssh/id_ed25519
func LoadFile(path string) ([]Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identities: %w", err)
	}
	var f identitiesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse identities %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Servers))
	for i := range f.Servers {
		id := &f.Servers[i]
		if id.Port == 0 {
			id.Port = defaultPort
		}
		if id.AuthKind == AuthKeyFile && id.KeyFormat == "" {
			id.KeyFormat = FormatPEM
		}
		if err := id.Validate(); err != nil {
			return nil, err
		}
		if seen[id.Name] {
			return nil, fmt.Errorf("identities %s: duplicate name %q", path, id.Name)
		}
		seen[id.Name] = true
	}
	return f.Servers, nil
}

// Find returns the identity with the given display name.
func Find(ids []Identity, name string) (Identity, bool) {
	for _, id := range ids {
		if id.Name == name {
			return id, true
		}
	}
	return Identity{}, false
}
