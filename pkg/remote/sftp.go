package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/engine"
	sshtransport "github.com/froyosync/froyosync/pkg/transports/ssh"
)

const (
	defaultPollInterval = 5 * time.Second
	tmpPrefix           = ".tmp-"
)

// SFTPConfig describes a remote kept as a directory tree on an SFTP server.
//
// Layout under Root:
//
//	objects/<type>/<id>.json        stored objects
//	changes/<device>/<type>/<id>    change entries ("changed" or "deleted")
type SFTPConfig struct {
	SSH  sshtransport.Config `yaml:"ssh" json:"ssh"`
	Root string              `yaml:"root" json:"root" validate:"required"`

	// PollInterval is how often the device's change entries are rescanned.
	PollInterval time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
}

// SFTPConnector stores the remote replica on an SFTP server. Other devices'
// changes are discovered by polling.
type SFTPConnector struct {
	transport sshtransport.Transport
	root      string
	poll      time.Duration
	device    string
	codec     codec
	sess      *session

	mu     sync.Mutex
	client *sftp.Client
	known  changes.ChangeLog
	// touched holds keys this device changed since the current poll began.
	touched map[changes.ObjectKey]struct{}
}

var _ engine.RemoteConnector = (*SFTPConnector)(nil)

// NewSFTPConnector creates a connector that reaches cfg.Root through
// transport.
func NewSFTPConnector(transport sshtransport.Transport, cfg SFTPConfig, opts Options) (*SFTPConnector, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("sftp root is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	info := transport.GetConnectionInfo()
	c := &SFTPConnector{
		transport: transport,
		root:      path.Clean(cfg.Root),
		poll:      poll,
		device:    opts.DeviceID,
		codec:     codec{enc: opts.Encryptor},
		touched:   make(map[changes.ObjectKey]struct{}),
	}
	address := fmt.Sprintf("%s:%d%s", info.Host, info.Port, c.root)
	c.sess = newSession(KindSFTP, address, (*sftpBackend)(c), opts)
	return c, nil
}

// Connect implements engine.RemoteConnector.
func (c *SFTPConnector) Connect(ctx context.Context, observer engine.RemoteObserver) error {
	return c.sess.start(ctx, observer)
}

// Reload implements engine.RemoteConnector.
func (c *SFTPConnector) Reload(ctx context.Context) error {
	c.sess.requestReload()
	return nil
}

// Close implements engine.RemoteConnector.
func (c *SFTPConnector) Close() error {
	c.sess.stop()
	return nil
}

// Load implements engine.Store.
func (c *SFTPConnector) Load(ctx context.Context, key changes.ObjectKey) (json.RawMessage, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	data, err := readFile(client, c.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, c.opError("load", err)
	}
	return c.codec.open(key, data)
}

// Save implements engine.Store.
func (c *SFTPConnector) Save(ctx context.Context, key changes.ObjectKey, payload json.RawMessage) error {
	sealed, err := c.codec.seal(key, payload)
	if err != nil {
		return err
	}
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	objectPath := c.objectPath(key)
	if err := client.MkdirAll(path.Dir(objectPath)); err != nil {
		return c.opError("save", err)
	}
	if err := writeFileAtomic(client, objectPath, sealed); err != nil {
		return c.opError("save", err)
	}
	return c.record(client, key, changes.Changed)
}

// Remove implements engine.Store.
func (c *SFTPConnector) Remove(ctx context.Context, key changes.ObjectKey) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	if err := client.Remove(c.objectPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return c.opError("remove", err)
	}
	return c.record(client, key, changes.Deleted)
}

// MarkUnchanged implements engine.Store.
func (c *SFTPConnector) MarkUnchanged(ctx context.Context, key changes.ObjectKey) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	if err := c.clearOwnEntry(client, key); err != nil {
		return c.opError("mark unchanged", err)
	}
	return nil
}

// record marks key with state for every other registered device and clears
// this device's entry.
func (c *SFTPConnector) record(client *sftp.Client, key changes.ObjectKey, state changes.ChangeState) error {
	devices, err := client.ReadDir(c.changesDir())
	if err != nil {
		return c.opError("list devices", err)
	}

	for _, d := range devices {
		if !d.IsDir() || d.Name() == segment(c.device) || strings.HasPrefix(d.Name(), tmpPrefix) {
			continue
		}
		entryPath := path.Join(c.changesDir(), d.Name(), segment(key.TypeName), segment(key.ID))
		if err := client.MkdirAll(path.Dir(entryPath)); err != nil {
			return c.opError("record change", err)
		}
		if err := writeFileAtomic(client, entryPath, []byte(state.String())); err != nil {
			return c.opError("record change", err)
		}
	}

	if err := c.clearOwnEntry(client, key); err != nil {
		return c.opError("record change", err)
	}
	return nil
}

func (c *SFTPConnector) clearOwnEntry(client *sftp.Client, key changes.ObjectKey) error {
	c.mu.Lock()
	delete(c.known, key)
	c.touched[key] = struct{}{}
	c.mu.Unlock()

	err := client.Remove(c.entryPath(c.device, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *SFTPConnector) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, connectionError(KindSFTP, errNotConnected)
	}
	return c.client, nil
}

// opError classifies a failed SFTP call. Failures on a dead connection are
// transient.
func (c *SFTPConnector) opError(op string, err error) error {
	if !c.transport.IsConnected() {
		return connectionError(KindSFTP, fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("sftp %s: %w", op, err)
}

func (c *SFTPConnector) objectsDir() string {
	return path.Join(c.root, "objects")
}

func (c *SFTPConnector) changesDir() string {
	return path.Join(c.root, "changes")
}

func (c *SFTPConnector) objectPath(key changes.ObjectKey) string {
	return path.Join(c.objectsDir(), segment(key.TypeName), segment(key.ID)+".json")
}

func (c *SFTPConnector) entryPath(device string, key changes.ObjectKey) string {
	return path.Join(c.changesDir(), segment(device), segment(key.TypeName), segment(key.ID))
}

// readChangeLog reads the change entries of device.
func (c *SFTPConnector) readChangeLog(client *sftp.Client, device string) (changes.ChangeLog, error) {
	log := make(changes.ChangeLog)
	dir := path.Join(c.changesDir(), segment(device))

	types, err := client.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		if !t.IsDir() {
			continue
		}
		typeName, err := unsegment(t.Name())
		if err != nil {
			continue
		}

		entries, err := client.ReadDir(path.Join(dir, t.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), tmpPrefix) {
				continue
			}
			id, err := unsegment(e.Name())
			if err != nil {
				continue
			}

			data, err := readFile(client, path.Join(dir, t.Name(), e.Name()))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, err
			}
			state, err := changes.ParseState(strings.TrimSpace(string(data)))
			if err != nil || state == changes.Unchanged {
				continue
			}
			log[changes.NewKey(typeName, id)] = state
		}
	}
	return log, nil
}

// listObjects returns the keys of every stored object.
func (c *SFTPConnector) listObjects(client *sftp.Client) ([]changes.ObjectKey, error) {
	types, err := client.ReadDir(c.objectsDir())
	if err != nil {
		return nil, err
	}

	var keys []changes.ObjectKey
	for _, t := range types {
		if !t.IsDir() {
			continue
		}
		typeName, err := unsegment(t.Name())
		if err != nil {
			continue
		}
		files, err := client.ReadDir(path.Join(c.objectsDir(), t.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, ".json") {
				continue
			}
			id, err := unsegment(strings.TrimSuffix(name, ".json"))
			if err != nil {
				continue
			}
			keys = append(keys, changes.NewKey(typeName, id))
		}
	}
	return keys, nil
}

// sftpBackend is the session side of an SFTPConnector.
type sftpBackend SFTPConnector

func (b *sftpBackend) connector() *SFTPConnector {
	return (*SFTPConnector)(b)
}

func (b *sftpBackend) dial(ctx context.Context) error {
	c := b.connector()

	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	client, err := c.transport.SFTP()
	if err != nil {
		_ = c.transport.Disconnect()
		return err
	}

	if err := b.register(client); err != nil {
		_ = client.Close()
		_ = c.transport.Disconnect()
		return err
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

// register creates the directory tree and this device's change directory. A
// new device starts with every stored object marked Changed.
func (b *sftpBackend) register(client *sftp.Client) error {
	c := b.connector()

	for _, dir := range []string{c.objectsDir(), c.changesDir()} {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	deviceDir := path.Join(c.changesDir(), segment(c.device))
	if _, err := client.Stat(deviceDir); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	keys, err := c.listObjects(client)
	if err != nil {
		return fmt.Errorf("failed to list objects: %w", err)
	}

	// Entries are written to a staging directory first so a half registered
	// device is never visible.
	staging := path.Join(c.changesDir(), tmpPrefix+uuid.NewString())
	for _, key := range keys {
		entryPath := path.Join(staging, segment(key.TypeName), segment(key.ID))
		if err := client.MkdirAll(path.Dir(entryPath)); err != nil {
			return err
		}
		if err := writeFile(client, entryPath, []byte(changes.Changed.String())); err != nil {
			return err
		}
	}
	if err := client.MkdirAll(staging); err != nil {
		return err
	}
	if err := client.PosixRename(staging, deviceDir); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	return nil
}

func (b *sftpBackend) changeLog(ctx context.Context) (changes.ChangeLog, error) {
	c := b.connector()
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	log, err := c.readChangeLog(client, c.device)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.known = log.Clone()
	c.mu.Unlock()
	return log, nil
}

func (b *sftpBackend) watch(ctx context.Context, emit func(changes.ObjectKey, changes.ChangeState)) error {
	c := b.connector()
	done := c.transport.Done()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return fmt.Errorf("ssh connection lost")
		case <-ticker.C:
			if err := b.rescan(emit); err != nil {
				return err
			}
		}
	}
}

// rescan reads the change entries and reports every difference from the
// last known log, skipping keys this device wrote in the meantime.
func (b *sftpBackend) rescan(emit func(changes.ObjectKey, changes.ChangeState)) error {
	c := b.connector()
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.touched = make(map[changes.ObjectKey]struct{})
	c.mu.Unlock()

	fresh, err := c.readChangeLog(client, c.device)
	if err != nil {
		return err
	}

	type update struct {
		key   changes.ObjectKey
		state changes.ChangeState
	}
	var updates []update

	c.mu.Lock()
	if c.known == nil {
		c.known = make(changes.ChangeLog)
	}
	for key, state := range fresh {
		if _, ok := c.touched[key]; ok {
			continue
		}
		if c.known.Get(key) != state {
			c.known[key] = state
			updates = append(updates, update{key, state})
		}
	}
	for key := range c.known {
		if _, ok := c.touched[key]; ok {
			continue
		}
		if _, ok := fresh[key]; !ok {
			delete(c.known, key)
			updates = append(updates, update{key, changes.Unchanged})
		}
	}
	c.mu.Unlock()

	for _, u := range updates {
		emit(u.key, u.state)
	}
	return nil
}

func (b *sftpBackend) hangup() {
	c := b.connector()

	c.mu.Lock()
	client := c.client
	c.client = nil
	c.known = nil
	c.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	_ = c.transport.Disconnect()
}

// segment escapes s for use as a single path element.
func segment(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), ".", "%2E")
}

func unsegment(s string) (string, error) {
	return url.PathUnescape(s)
}

func readFile(client *sftp.Client, p string) ([]byte, error) {
	f, err := client.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeFile(client *sftp.Client, p string, data []byte) error {
	f, err := client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// writeFileAtomic writes data next to p and renames it into place.
func writeFileAtomic(client *sftp.Client, p string, data []byte) error {
	tmp := path.Join(path.Dir(p), tmpPrefix+uuid.NewString())
	if err := writeFile(client, tmp, data); err != nil {
		_ = client.Remove(tmp)
		return err
	}
	if err := client.PosixRename(tmp, p); err != nil {
		_ = client.Remove(tmp)
		return err
	}
	return nil
}
