package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func passwordConfig() *Config {
	cfg := DefaultConfig("sync.example.com", "sync")
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "secret"
	return cfg
}

// writeTestKey writes a fresh unencrypted ed25519 key in OpenSSH format and
// returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("sync.example.com", "sync")

	if cfg.Host != "sync.example.com" || cfg.User != "sync" || cfg.Port != 22 {
		t.Errorf("endpoint = %+v", cfg.Endpoint)
	}
	if cfg.AuthMethod != AuthMethodKey {
		t.Errorf("auth method = %q, want key", cfg.AuthMethod)
	}
	if !cfg.StrictHostKeyChecking {
		t.Error("host keys should be checked by default")
	}
	if cfg.ConnectionTimeout != 30*time.Second {
		t.Errorf("connection timeout = %v, want 30s", cfg.ConnectionTimeout)
	}
	if cfg.Jump != nil {
		t.Error("no jump host expected by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing host", mutate: func(c *Config) { c.Host = "" }, wantErr: "host is required"},
		{name: "zero port", mutate: func(c *Config) { c.Port = 0 }, wantErr: "invalid port"},
		{name: "port out of range", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "invalid port"},
		{name: "missing user", mutate: func(c *Config) { c.User = "" }, wantErr: "user is required"},
		{name: "password missing", mutate: func(c *Config) { c.Password = "" }, wantErr: "password is required"},
		{
			name: "key file missing",
			mutate: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			wantErr: "private key file not found",
		},
		{name: "agent auth", mutate: func(c *Config) { c.AuthMethod = "agent" }, wantErr: "unsupported auth method"},
		{name: "zero timeout", mutate: func(c *Config) { c.ConnectionTimeout = 0 }, wantErr: "connection timeout must be positive"},
		{name: "negative keep-alive", mutate: func(c *Config) { c.KeepAliveInterval = -time.Second }, wantErr: "must not be negative"},
		{name: "keep-alive without retries", mutate: func(c *Config) { c.MaxKeepAliveRetries = 0 }, wantErr: "retries must be positive"},
		{
			name: "keep-alive off without retries",
			mutate: func(c *Config) {
				c.KeepAliveInterval = 0
				c.MaxKeepAliveRetries = 0
			},
		},
		{
			name: "jump host",
			mutate: func(c *Config) {
				c.Jump = &Endpoint{Host: "bastion.example.com", User: "jump", Credentials: c.Credentials}
			},
		},
		{
			name: "jump host without user",
			mutate: func(c *Config) {
				c.Jump = &Endpoint{Host: "bastion.example.com", Credentials: c.Credentials}
			},
			wantErr: "jump host: user is required",
		},
		{
			name: "jump host without credentials",
			mutate: func(c *Config) {
				c.Jump = &Endpoint{Host: "bastion.example.com", User: "jump"}
			},
			wantErr: "jump host: unsupported auth method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := passwordConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidate_JumpDefaultPort(t *testing.T) {
	cfg := passwordConfig()
	cfg.Jump = &Endpoint{Host: "bastion.example.com", User: "jump", Credentials: cfg.Credentials}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := cfg.Jump.Address(); got != "bastion.example.com:22" {
		t.Errorf("jump address = %q", got)
	}
}

func TestEndpointAddress(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"sync.example.com", 2222, "sync.example.com:2222"},
		{"10.0.0.5", 22, "10.0.0.5:22"},
		{"::1", 22, "[::1]:22"},
	}
	for _, tt := range tests {
		e := Endpoint{Host: tt.host, Port: tt.port}
		if got := e.Address(); got != tt.want {
			t.Errorf("Address(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password", func(t *testing.T) {
		cfg := passwordConfig()
		cfg.StrictHostKeyChecking = false

		cc, err := cfg.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("BuildSSHClientConfig() error = %v", err)
		}
		if cc.User != "sync" {
			t.Errorf("user = %q", cc.User)
		}
		// password plus keyboard-interactive
		if len(cc.Auth) != 2 {
			t.Errorf("got %d auth methods, want 2", len(cc.Auth))
		}
		if cc.Timeout != 30*time.Second {
			t.Errorf("timeout = %v", cc.Timeout)
		}
	})

	t.Run("key", func(t *testing.T) {
		cfg := DefaultConfig("sync.example.com", "sync")
		cfg.PrivateKeyPath = writeTestKey(t)
		cfg.StrictHostKeyChecking = false

		cc, err := cfg.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("BuildSSHClientConfig() error = %v", err)
		}
		if len(cc.Auth) != 1 {
			t.Errorf("got %d auth methods, want 1", len(cc.Auth))
		}
	})

	t.Run("unreadable key", func(t *testing.T) {
		cfg := DefaultConfig("sync.example.com", "sync")
		path := filepath.Join(t.TempDir(), "garbage")
		if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg.PrivateKeyPath = path

		if _, err := cfg.BuildSSHClientConfig(); err == nil || !strings.Contains(err.Error(), "parse private key") {
			t.Errorf("error = %v, want parse failure", err)
		}
	})

	t.Run("missing known_hosts", func(t *testing.T) {
		cfg := passwordConfig()
		cfg.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := cfg.BuildSSHClientConfig(); err == nil || !strings.Contains(err.Error(), "known_hosts") {
			t.Errorf("error = %v, want known_hosts failure", err)
		}
	})

	t.Run("jump host uses its own account", func(t *testing.T) {
		cfg := passwordConfig()
		cfg.StrictHostKeyChecking = false
		cfg.Jump = &Endpoint{
			Host:        "bastion.example.com",
			Port:        22,
			User:        "jump",
			Credentials: Credentials{AuthMethod: AuthMethodKey, PrivateKeyPath: writeTestKey(t)},
		}

		cc, err := cfg.clientConfig(cfg.Jump)
		if err != nil {
			t.Fatalf("clientConfig() error = %v", err)
		}
		if cc.User != "jump" || len(cc.Auth) != 1 {
			t.Errorf("jump client config = user %q, %d auth methods", cc.User, len(cc.Auth))
		}
	})
}
