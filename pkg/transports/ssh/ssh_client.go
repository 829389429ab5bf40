package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// closedDone is returned by Done when there is no connection.
var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// SSHClient implements Transport over a single SSH connection.
type SSHClient struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	jumpClient  *ssh.Client
	done        chan struct{}
	connectedAt time.Time
	lastUsedAt  time.Time
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{config: config}, nil
}

// Connect establishes an SSH connection to the remote host. An existing
// connection that still answers a keep-alive is reused.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		if err := sendKeepAlive(ctx, c.client); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		_ = c.client.Close()
		c.client, c.jumpClient = nil, nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	client, proxy, err := c.dial(ctx, clientConfig)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	c.client = client
	c.jumpClient = proxy
	c.done = done
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	go c.watch(client, proxy, done)
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(client, done)
	}

	log.Info().
		Str("address", c.config.Address()).
		Bool("via_jump", proxy != nil).
		Msg("SSH connection established")
	return nil
}

// dial opens the connection to the target, through the jump host when one is
// configured. The returned jump client is nil for direct connections.
func (c *SSHClient) dial(ctx context.Context, targetConfig *ssh.ClientConfig) (*ssh.Client, *ssh.Client, error) {
	target := c.config.Address()
	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}

	if c.config.Jump == nil {
		log.Debug().Str("address", target).Msg("establishing SSH connection")

		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
		}
		client, err := handshake(ctx, conn, target, targetConfig)
		if err != nil {
			return nil, nil, handshakeError("connect", err)
		}
		return client, nil, nil
	}

	jump := c.config.Jump
	jumpConfig, err := c.config.clientConfig(jump)
	if err != nil {
		return nil, nil, &TransportError{
			Op:          "connect-jump",
			Err:         fmt.Errorf("failed to build jump host config: %w", err),
			IsAuthError: true,
		}
	}

	log.Debug().Str("jump", jump.Address()).Msg("connecting to jump host")

	jumpConn, err := dialer.DialContext(ctx, "tcp", jump.Address())
	if err != nil {
		return nil, nil, &TransportError{Op: "connect-jump", Err: err, IsTemporary: true}
	}
	proxy, err := handshake(ctx, jumpConn, jump.Address(), jumpConfig)
	if err != nil {
		return nil, nil, handshakeError("connect-jump", err)
	}

	log.Debug().Str("target", target).Msg("connecting to target through jump host")

	conn, err := proxy.DialContext(ctx, "tcp", target)
	if err != nil {
		_ = proxy.Close()
		return nil, nil, &TransportError{Op: "connect-via-jump", Err: err, IsTemporary: true}
	}
	client, err := handshake(ctx, conn, target, targetConfig)
	if err != nil {
		_ = proxy.Close()
		return nil, nil, handshakeError("connect-via-jump", err)
	}
	return client, proxy, nil
}

// handshake runs the SSH handshake on conn, bounded by the client timeout and
// by ctx. conn is closed on failure.
func handshake(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	deadline := time.Now().Add(config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	// Unblock the handshake when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		if err == nil {
			_ = ncc.Close()
		}
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

func handshakeError(op string, err error) *TransportError {
	auth := strings.Contains(err.Error(), "unable to authenticate")
	return &TransportError{
		Op:          op,
		Err:         err,
		IsTemporary: !auth,
		IsAuthError: auth,
	}
}

// watch waits for the connection to end and then closes done.
func (c *SSHClient) watch(client, proxy *ssh.Client, done chan struct{}) {
	err := client.Wait()
	if proxy != nil {
		_ = proxy.Close()
	}

	c.connMu.Lock()
	if c.client == client {
		c.client, c.jumpClient = nil, nil
	}
	c.connMu.Unlock()

	close(done)
	log.Debug().Err(err).Str("host", c.config.Host).Msg("SSH connection ended")
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	client := c.client
	c.client, c.jumpClient = nil, nil
	c.connMu.Unlock()

	if client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	if err := client.Close(); err != nil && !isClosedConnError(err) {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

// Done returns a channel that is closed when the current connection ends.
func (c *SSHClient) Done() <-chan struct{} {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.client == nil {
		return closedDone
	}
	return c.done
}

// HealthCheck sends a keep-alive request and waits for the answer.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	client, err := c.getClient("healthcheck")
	if err != nil {
		return err
	}

	if err := sendKeepAlive(ctx, client); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	c.touch()
	return nil
}

// SFTP opens a new SFTP client on the connection.
func (c *SSHClient) SFTP() (*sftp.Client, error) {
	client, err := c.getClient("sftp-init")
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	c.touch()
	return sftpClient, nil
}

// keepAlive sends periodic keep-alive requests and closes the connection
// after MaxKeepAliveRetries consecutive failures.
func (c *SSHClient) keepAlive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.KeepAliveInterval)
		err := sendKeepAlive(ctx, client)
		cancel()

		if err == nil {
			retries = 0
			c.touch()
			continue
		}

		retries++
		log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
		if retries >= c.config.MaxKeepAliveRetries {
			log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, dropping connection")
			_ = client.Close()
			return
		}
	}
}

// sendKeepAlive sends a keepalive@openssh.com request. Servers that do not
// know the request still answer it, so only transport failures are errors.
func sendKeepAlive(ctx context.Context, client *ssh.Client) error {
	errCh := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaJump:      c.jumpClient != nil,
	}
}

func (c *SSHClient) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

func (c *SSHClient) getClient(op string) (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.client == nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

func isClosedConnError(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}
