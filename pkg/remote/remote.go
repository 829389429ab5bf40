package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/crypto"
	"github.com/froyosync/froyosync/pkg/engine"
)

// ErrNotFound is returned when an object does not exist on the remote.
var ErrNotFound = fmt.Errorf("remote store: %w", engine.ErrNotFound)

// Connector kinds.
const (
	KindMemory = "memory"
	KindSFTP   = "sftp"
	KindRedis  = "redis"
)

// Options holds the settings shared by every connector.
type Options struct {
	// DeviceID identifies this device's change log on the remote.
	DeviceID string

	// Encryptor seals payloads before they are stored. Optional.
	Encryptor *crypto.Encryptor

	Logger zerolog.Logger

	// Backoff returns the delay before reconnect attempt n. Defaults to
	// engine.Backoff.
	Backoff func(attempt int, err error) time.Duration
}

func (o Options) validate() error {
	if o.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	return nil
}

func (o Options) backoff() func(int, error) time.Duration {
	if o.Backoff != nil {
		return o.Backoff
	}
	return engine.Backoff
}

// ConnectError reports that the remote could not be reached.
type ConnectError struct {
	Kind string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s remote unavailable: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// connectionError classifies err as a transient connection failure.
func connectionError(kind string, err error) error {
	return engine.NewTransientError("remote unavailable", &ConnectError{Kind: kind, Err: err}).
		WithCode(engine.ErrCodeConnectionFailed)
}

// errNotConnected is returned by operations attempted between sessions.
var errNotConnected = fmt.Errorf("not connected")

// codec prepares payloads for storage on the remote, encrypting them when an
// Encryptor is configured.
type codec struct {
	enc *crypto.Encryptor
}

func (c codec) seal(key changes.ObjectKey, payload json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(payload) {
		return nil, engine.NewPermanentError("payload is not valid JSON", nil).
			WithCode(engine.ErrCodeMalformedPayload)
	}
	if c.enc == nil {
		return payload, nil
	}
	sealed, err := c.enc.Encrypt(key, payload)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encrypt object", err).
			WithCode(engine.ErrCodeEncryptionFailed)
	}
	return sealed, nil
}

func (c codec) open(key changes.ObjectKey, data []byte) (json.RawMessage, error) {
	if c.enc != nil {
		plain, err := c.enc.Decrypt(key, data)
		if err != nil {
			return nil, engine.NewPermanentError("failed to decrypt object", err).
				WithCode(engine.ErrCodeEncryptionFailed)
		}
		data = plain
	}
	if !json.Valid(data) {
		return nil, engine.NewPermanentError("stored object is not valid JSON", nil).
			WithCode(engine.ErrCodeMalformedPayload)
	}
	return json.RawMessage(data), nil
}
