package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`

	// Vault settings
	VaultKeyEnv string `envconfig:"VAULT_KEY_ENV" default:"EASYSCP_VAULT_KEY"`
	// When set, the vault key is derived from the passphrase held in this
	// variable and VaultKeyEnv is ignored.
	VaultPassphraseEnv string `envconfig:"VAULT_PASSPHRASE_ENV" default:""`
	VaultScheme        string `envconfig:"VAULT_SCHEME" default:"aes-256-gcm"`

	// Session settings
	ConnectTimeout      time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	KeepaliveInterval   time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"60s"`
	KeepaliveTimeout    time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"10s"`
	ReconnectAttempts   int           `envconfig:"RECONNECT_ATTEMPTS" default:"3"`
	ReconnectBackoff    time.Duration `envconfig:"RECONNECT_BACKOFF" default:"1s"`
	ReconnectMaxBackoff time.Duration `envconfig:"RECONNECT_MAX_BACKOFF" default:"16s"`
	KnownHosts          string        `envconfig:"KNOWN_HOSTS" default:""`

	// Registry settings
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"10m"`
	IdleSweepInterval time.Duration `envconfig:"IDLE_SWEEP_INTERVAL" default:"30s"`

	// Transfer settings
	TransferChunkSize int `envconfig:"TRANSFER_CHUNK_SIZE" default:"32768"`
	TransferRetries   int `envconfig:"TRANSFER_RETRIES" default:"3"`

	// Terminal settings
	TerminalScrollback int `envconfig:"TERMINAL_SCROLLBACK" default:"10000"`
	TerminalWriteQueue int `envconfig:"TERMINAL_WRITE_QUEUE" default:"256"`

	// Connection log rows older than this are purged at startup; 0 keeps them.
	ConnectionLogRetention time.Duration `envconfig:"CONNECTION_LOG_RETENTION" default:"2160h"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`
	LogPath   string `envconfig:"LOG_PATH" default:""`
}

var Cfg Settings

// Load reads EASYSCP_* environment variables into Cfg and fills in the
// paths that default relative to the user's home directory.
func Load() error {
	var s Settings
	if err := envconfig.Process("EASYSCP", &s); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if s.DataPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		s.DataPath = filepath.Join(home, ".easyscp")
	}
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "easyscp.db")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	Cfg = s
	return nil
}

// Validate rejects values that would make the session or transfer loops
// spin or never make progress.
func (s Settings) Validate() error {
	switch {
	case s.ConnectTimeout <= 0:
		return fmt.Errorf("config: CONNECT_TIMEOUT must be positive")
	case s.KeepaliveInterval <= 0:
		return fmt.Errorf("config: KEEPALIVE_INTERVAL must be positive")
	case s.KeepaliveTimeout <= 0:
		return fmt.Errorf("config: KEEPALIVE_TIMEOUT must be positive")
	case s.ReconnectAttempts < 0:
		return fmt.Errorf("config: RECONNECT_ATTEMPTS must not be negative")
	case s.ReconnectBackoff <= 0:
		return fmt.Errorf("config: RECONNECT_BACKOFF must be positive")
	case s.IdleSweepInterval <= 0:
		return fmt.Errorf("config: IDLE_SWEEP_INTERVAL must be positive")
	case s.TransferChunkSize <= 0:
		return fmt.Errorf("config: TRANSFER_CHUNK_SIZE must be positive")
	case s.TransferRetries < 0:
		return fmt.Errorf("config: TRANSFER_RETRIES must not be negative")
	case s.TerminalWriteQueue <= 0:
		return fmt.Errorf("config: TERMINAL_WRITE_QUEUE must be positive")
	case s.ConnectionLogRetention < 0:
		return fmt.Errorf("config: CONNECTION_LOG_RETENTION must not be negative")
	}
	return nil
}
