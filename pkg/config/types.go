package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/froyosync/froyosync/pkg/crypto"
	"github.com/froyosync/froyosync/pkg/policy"
	"github.com/froyosync/froyosync/pkg/remote"
	"github.com/froyosync/froyosync/pkg/stores"
	"github.com/froyosync/froyosync/pkg/telemetry"
)

// DefaultPassphraseEnv is the environment variable holding the encryption
// passphrase when none is configured.
const DefaultPassphraseEnv = "FROYOSYNC_PASSPHRASE"

// Config is the configuration of one froyosync device.
type Config struct {
	// Device identifies this device.
	Device DeviceConfig `yaml:"device" json:"device"`

	// Store configures the local SQLite replica.
	Store stores.Config `yaml:"store" json:"store"`

	// Remote selects and configures the remote replica.
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// Policy selects the conflict policies and merge strategy.
	Policy policy.Config `yaml:"policy" json:"policy"`

	// Encryption configures payload encryption on the remote.
	Encryption EncryptionConfig `yaml:"encryption" json:"encryption"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`

	// Source is the file the configuration was loaded from.
	Source string `yaml:"-" json:"-"`
}

// DeviceConfig identifies the device.
type DeviceConfig struct {
	// ID is the device's stable identifier on the remote.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Name is a human-readable device name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// RemoteConfig selects the remote connector.
type RemoteConfig struct {
	// Kind is the connector kind (memory, sftp, redis).
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=memory sftp redis"`

	// SFTP configures the sftp connector.
	SFTP *remote.SFTPConfig `yaml:"sftp,omitempty" json:"sftp,omitempty" validate:"required_if=Kind sftp"`

	// Redis configures the redis connector.
	Redis *remote.RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty" validate:"required_if=Kind redis"`
}

// EncryptionConfig configures payload encryption.
type EncryptionConfig struct {
	// Enabled turns encryption on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// PassphraseEnv names the environment variable holding the passphrase.
	PassphraseEnv string `yaml:"passphrase_env,omitempty" json:"passphrase_env,omitempty"`

	// Salt is the base64 salt used to derive the key from the passphrase.
	// Every device sharing a remote must use the same salt.
	Salt string `yaml:"salt,omitempty" json:"salt,omitempty" validate:"required_if=Enabled true,omitempty,base64"`
}

// Encryptor returns the Encryptor described by c, or nil when encryption is
// disabled. The passphrase is read from the environment.
func (c EncryptionConfig) Encryptor() (*crypto.Encryptor, error) {
	if !c.Enabled {
		return nil, nil
	}

	env := c.PassphraseEnv
	if env == "" {
		env = DefaultPassphraseEnv
	}
	passphrase := os.Getenv(env)
	if passphrase == "" {
		return nil, fmt.Errorf("encryption is enabled but %s is not set", env)
	}

	salt, err := base64.StdEncoding.DecodeString(c.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption salt: %w", err)
	}

	key, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return crypto.NewEncryptor(key)
}

// DefaultConfig returns a configuration for a device whose data lives in
// dataDir. It uses the in-memory remote and keeps local changes on conflict.
func DefaultConfig(dataDir, deviceID string) *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Device: DeviceConfig{ID: deviceID},
		Store: stores.Config{
			Path:            filepath.Join(dataDir, "froyosync.db"),
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
		},
		Remote: RemoteConfig{Kind: remote.KindMemory},
		Policy: policy.Config{
			Merge:    policy.MergeMerge,
			Sync:     policy.SyncPreferUpdated,
			Strategy: policy.StrategyStatic,
		},
		Encryption: EncryptionConfig{PassphraseEnv: DefaultPassphraseEnv},
		Telemetry:  tel,
	}
}

// ValidationError describes one configuration problem with its location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "remote.sftp.root").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors is returned by Load when the configuration is invalid.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return "invalid configuration: " + e[0].String()
	}
	msg := fmt.Sprintf("invalid configuration (%d errors):", len(e))
	for _, ve := range e {
		msg += "\n  " + ve.String()
	}
	return msg
}
