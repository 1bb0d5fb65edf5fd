package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EASYSCP_DATA_PATH", t.TempDir())

	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Cfg.ConnectTimeout != 30*time.Second {
		t.Errorf("ConnectTimeout = %s, want 30s", Cfg.ConnectTimeout)
	}
	if Cfg.KeepaliveInterval != 60*time.Second {
		t.Errorf("KeepaliveInterval = %s, want 60s", Cfg.KeepaliveInterval)
	}
	if Cfg.TerminalScrollback != 10000 {
		t.Errorf("TerminalScrollback = %d, want 10000", Cfg.TerminalScrollback)
	}
	if Cfg.VaultScheme != "aes-256-gcm" {
		t.Errorf("VaultScheme = %q, want aes-256-gcm", Cfg.VaultScheme)
	}
	if Cfg.VaultPassphraseEnv != "" {
		t.Errorf("VaultPassphraseEnv = %q, want empty", Cfg.VaultPassphraseEnv)
	}
	if filepath.Base(Cfg.DatabasePath) != "easyscp.db" {
		t.Errorf("DatabasePath = %q, want it under the data path", Cfg.DatabasePath)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EASYSCP_DATA_PATH", t.TempDir())
	t.Setenv("EASYSCP_RECONNECT_ATTEMPTS", "7")
	t.Setenv("EASYSCP_IDLE_TIMEOUT", "90s")
	t.Setenv("EASYSCP_DATABASE_PATH", "/tmp/other.db")

	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Cfg.ReconnectAttempts != 7 {
		t.Errorf("ReconnectAttempts = %d, want 7", Cfg.ReconnectAttempts)
	}
	if Cfg.IdleTimeout != 90*time.Second {
		t.Errorf("IdleTimeout = %s, want 90s", Cfg.IdleTimeout)
	}
	if Cfg.DatabasePath != "/tmp/other.db" {
		t.Errorf("DatabasePath = %q, want /tmp/other.db", Cfg.DatabasePath)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		env   string
		value string
		want  string
	}{
		{"EASYSCP_CONNECT_TIMEOUT", "0s", "CONNECT_TIMEOUT"},
		{"EASYSCP_TRANSFER_CHUNK_SIZE", "0", "TRANSFER_CHUNK_SIZE"},
		{"EASYSCP_RECONNECT_ATTEMPTS", "-1", "RECONNECT_ATTEMPTS"},
		{"EASYSCP_KEEPALIVE_INTERVAL", "soon", "KEEPALIVE_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("EASYSCP_DATA_PATH", t.TempDir())
			t.Setenv(tt.env, tt.value)
			err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%s", tt.env, tt.value)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}
