package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how a client proves its identity to an SSH server.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// Credentials authenticate a user on one SSH server.
type Credentials struct {
	AuthMethod AuthMethod `yaml:"auth_method,omitempty" json:"auth_method,omitempty" validate:"omitempty,oneof=password key"`
	Password   string     `yaml:"password,omitempty" json:"-"`

	// PrivateKeyPath defaults to the first of ~/.ssh/id_ed25519, id_rsa and
	// id_ecdsa that exists.
	PrivateKeyPath       string `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase,omitempty" json:"-"`
}

// Endpoint is an SSH server and the account used on it.
type Endpoint struct {
	Host string `yaml:"host" json:"host" validate:"required"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" validate:"gte=0,lte=65535"`
	User string `yaml:"user" json:"user" validate:"required"`

	Credentials `yaml:",inline"`
}

// Address returns host:port.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Config holds the SSH settings of a remote replica host.
type Config struct {
	Endpoint `yaml:",inline"`

	// KnownHostsPath is only consulted when StrictHostKeyChecking is set.
	KnownHostsPath        string `yaml:"known_hosts_path,omitempty" json:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty" json:"connection_timeout,omitempty"`

	// A zero KeepAliveInterval disables keep-alives. Otherwise the
	// connection is dropped after MaxKeepAliveRetries missed answers in a
	// row.
	KeepAliveInterval   time.Duration `yaml:"keep_alive_interval,omitempty" json:"keep_alive_interval,omitempty"`
	MaxKeepAliveRetries int           `yaml:"max_keep_alive_retries,omitempty" json:"max_keep_alive_retries,omitempty"`

	// Jump is an optional bastion the connection is tunnelled through. It
	// shares the host key and timeout settings of the target.
	Jump *Endpoint `yaml:"jump,omitempty" json:"jump,omitempty"`
}

// DefaultConfig returns key-authenticated settings for user@host:22 with
// host keys checked against ~/.ssh/known_hosts.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Endpoint: Endpoint{
			Host:        host,
			Port:        22,
			User:        user,
			Credentials: Credentials{AuthMethod: AuthMethodKey},
		},
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		KeepAliveInterval:     15 * time.Second,
		MaxKeepAliveRetries:   3,
	}
}

// Validate checks c and fills in the default private key of key-authenticated
// endpoints.
func (c *Config) Validate() error {
	if err := c.Endpoint.validate(); err != nil {
		return err
	}
	if c.Jump != nil {
		if c.Jump.Port == 0 {
			c.Jump.Port = 22
		}
		if err := c.Jump.validate(); err != nil {
			return fmt.Errorf("jump host: %w", err)
		}
	}

	switch {
	case c.ConnectionTimeout <= 0:
		return errors.New("connection timeout must be positive")
	case c.KeepAliveInterval < 0:
		return errors.New("keep-alive interval must not be negative")
	case c.KeepAliveInterval > 0 && c.MaxKeepAliveRetries <= 0:
		return errors.New("max keep-alive retries must be positive when keep-alive is enabled")
	}
	return nil
}

func (e *Endpoint) validate() error {
	switch {
	case e.Host == "":
		return errors.New("host is required")
	case e.Port <= 0 || e.Port > 65535:
		return fmt.Errorf("invalid port: %d", e.Port)
	case e.User == "":
		return errors.New("user is required")
	}

	switch e.AuthMethod {
	case AuthMethodPassword:
		if e.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		if e.PrivateKeyPath == "" {
			e.PrivateKeyPath = defaultPrivateKey()
		}
		if e.PrivateKeyPath == "" {
			return errors.New("private key path is required for key authentication and no default key found")
		}
		if _, err := os.Stat(e.PrivateKeyPath); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("private key file not found: %s", e.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %q", e.AuthMethod)
	}
	return nil
}

func defaultPrivateKey() string {
	dir := filepath.Join(os.Getenv("HOME"), ".ssh")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		if p := filepath.Join(dir, name); fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// BuildSSHClientConfig returns the client settings for the target host.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	return c.clientConfig(&c.Endpoint)
}

// clientConfig returns the client settings for e, which is either the target
// or the jump host.
func (c *Config) clientConfig(e *Endpoint) (*ssh.ClientConfig, error) {
	auth, err := e.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		if hostKeys, err = knownhosts.New(c.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            e.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (e *Endpoint) authMethods() ([]ssh.AuthMethod, error) {
	switch e.AuthMethod {
	case AuthMethodPassword:
		// Many servers only offer keyboard-interactive for password prompts.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = e.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(e.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		pem, err := os.ReadFile(e.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if e.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(e.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("unsupported auth method: %q", e.AuthMethod)
	}
}
