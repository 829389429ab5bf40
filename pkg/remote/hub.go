package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/engine"
)

// hubQueueSize bounds the notifications buffered per device. A device that
// falls further behind is disconnected and reloads its full change log.
const hubQueueSize = 1024

var (
	errHubOffline  = errors.New("hub is offline")
	errSessionLost = errors.New("session lost")
	errQueueFull   = errors.New("notification queue overflow")
)

// Hub is an in-memory remote shared by the devices of one process. It keeps
// one object set and a change log per registered device.
type Hub struct {
	mu      sync.Mutex
	online  bool
	objects map[changes.ObjectKey][]byte
	logs    map[string]changes.ChangeLog
	subs    map[string]*hubSubscriber
}

// NewHub creates an online, empty hub.
func NewHub() *Hub {
	return &Hub{
		online:  true,
		objects: make(map[changes.ObjectKey][]byte),
		logs:    make(map[string]changes.ChangeLog),
		subs:    make(map[string]*hubSubscriber),
	}
}

// SetOnline switches the hub's availability. Going offline drops every
// session; connectors reconnect once the hub is back.
func (h *Hub) SetOnline(online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.online = online
	if online {
		return
	}
	for device, sub := range h.subs {
		sub.drop(errHubOffline)
		delete(h.subs, device)
	}
}

// Online reports whether the hub accepts sessions.
func (h *Hub) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// Object returns the stored bytes of key as they sit on the hub.
func (h *Hub) Object(key changes.ObjectKey) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.objects[key]
	return append([]byte(nil), data...), ok
}

// Len returns the number of stored objects.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}

// Changes returns a copy of the change log of device.
func (h *Hub) Changes(device string) changes.ChangeLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logs[device].Clone()
}

// Devices returns the registered device IDs in order.
func (h *Hub) Devices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	devices := make([]string, 0, len(h.logs))
	for d := range h.logs {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return devices
}

// register adds device to the hub. A new device starts with every stored
// object marked Changed so it downloads the existing data set.
func (h *Hub) register(device string) changes.ChangeLog {
	log, ok := h.logs[device]
	if ok {
		return log
	}
	log = make(changes.ChangeLog, len(h.objects))
	for key := range h.objects {
		log[key] = changes.Changed
	}
	h.logs[device] = log
	return log
}

// record stores the change made by device and marks it for everyone else.
// The caller holds h.mu.
func (h *Hub) record(device string, key changes.ObjectKey, state changes.ChangeState) {
	for d, log := range h.logs {
		if d == device {
			delete(log, key)
			continue
		}
		log[key] = state
		if sub, ok := h.subs[d]; ok {
			sub.push(hubEntry{key: key, state: state})
		}
	}
}

type hubEntry struct {
	key   changes.ObjectKey
	state changes.ChangeState
}

type hubSubscriber struct {
	entries chan hubEntry
	lost    chan struct{}

	once sync.Once
	err  error
}

func newHubSubscriber() *hubSubscriber {
	return &hubSubscriber{
		entries: make(chan hubEntry, hubQueueSize),
		lost:    make(chan struct{}),
	}
}

func (s *hubSubscriber) push(e hubEntry) {
	select {
	case s.entries <- e:
	default:
		s.drop(errQueueFull)
	}
}

func (s *hubSubscriber) drop(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.lost)
	})
}

func (s *hubSubscriber) alive() bool {
	select {
	case <-s.lost:
		return false
	default:
		return true
	}
}

// HubConnector is one device's connection to a Hub.
type HubConnector struct {
	hub    *Hub
	device string
	codec  codec
	sess   *session

	mu  sync.Mutex
	sub *hubSubscriber
}

var _ engine.RemoteConnector = (*HubConnector)(nil)

// NewHubConnector creates a connector for opts.DeviceID on hub.
func NewHubConnector(hub *Hub, opts Options) (*HubConnector, error) {
	if hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := &HubConnector{
		hub:    hub,
		device: opts.DeviceID,
		codec:  codec{enc: opts.Encryptor},
	}
	c.sess = newSession(KindMemory, "hub", (*hubBackend)(c), opts)
	return c, nil
}

// Connect implements engine.RemoteConnector.
func (c *HubConnector) Connect(ctx context.Context, observer engine.RemoteObserver) error {
	return c.sess.start(ctx, observer)
}

// Reload implements engine.RemoteConnector.
func (c *HubConnector) Reload(ctx context.Context) error {
	c.sess.requestReload()
	return nil
}

// Close implements engine.RemoteConnector.
func (c *HubConnector) Close() error {
	c.sess.stop()
	return nil
}

// Load implements engine.Store.
func (c *HubConnector) Load(ctx context.Context, key changes.ObjectKey) (json.RawMessage, error) {
	h := c.hub
	h.mu.Lock()
	if err := c.checkLocked(); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	data, ok := h.objects[key]
	h.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return c.codec.open(key, data)
}

// Save implements engine.Store.
func (c *HubConnector) Save(ctx context.Context, key changes.ObjectKey, payload json.RawMessage) error {
	sealed, err := c.codec.seal(key, payload)
	if err != nil {
		return err
	}

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return err
	}
	h.objects[key] = append([]byte(nil), sealed...)
	h.record(c.device, key, changes.Changed)
	return nil
}

// Remove implements engine.Store.
func (c *HubConnector) Remove(ctx context.Context, key changes.ObjectKey) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return err
	}
	delete(h.objects, key)
	h.record(c.device, key, changes.Deleted)
	return nil
}

// MarkUnchanged implements engine.Store.
func (c *HubConnector) MarkUnchanged(ctx context.Context, key changes.ObjectKey) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return err
	}
	delete(h.logs[c.device], key)
	return nil
}

// checkLocked fails unless the connector has a live session. The caller
// holds the hub lock.
func (c *HubConnector) checkLocked() error {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil || !sub.alive() {
		return connectionError(KindMemory, errNotConnected)
	}
	return nil
}

// hubBackend is the session side of a HubConnector.
type hubBackend HubConnector

func (b *hubBackend) dial(ctx context.Context) error {
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.online {
		return errHubOffline
	}
	h.register(b.device)
	if old, ok := h.subs[b.device]; ok {
		old.drop(errSessionLost)
	}
	sub := newHubSubscriber()
	h.subs[b.device] = sub

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

func (b *hubBackend) changeLog(ctx context.Context) (changes.ChangeLog, error) {
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil || !sub.alive() {
		return nil, errSessionLost
	}
	return h.logs[b.device].Clone(), nil
}

func (b *hubBackend) watch(ctx context.Context, emit func(changes.ObjectKey, changes.ChangeState)) error {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil {
		return errSessionLost
	}

	for {
		select {
		case e := <-sub.entries:
			emit(e.key, e.state)
		case <-sub.lost:
			return sub.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *hubBackend) hangup() {
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub == nil {
		return
	}
	if h.subs[b.device] == sub {
		delete(h.subs, b.device)
	}
	sub.drop(errSessionLost)
}
