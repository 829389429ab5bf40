// Package ssh dials the SSH sessions that carry remote replica traffic.
//
// A Transport owns one SSH connection. Callers open SFTP clients on it and
// watch Done to learn when the connection is lost.
package ssh

import (
	"context"
	"time"

	"github.com/pkg/sftp"
)

// Transport is an SSH connection to a remote replica host.
type Transport interface {
	// Connect establishes the SSH connection.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// SFTP opens a new SFTP client on the connection. The caller closes it.
	SFTP() (*sftp.Client, error)

	// Done returns a channel that is closed when the current connection ends,
	// either through Disconnect or because it was lost. It returns a closed
	// channel when not connected.
	Done() <-chan struct{}

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host string
	Port int
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection last answered a request
	LastActivity time.Time

	// ViaJump is set when the connection runs through a jump host
	ViaJump bool
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "sftp-init")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
