package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/crypto"
	"github.com/froyosync/froyosync/pkg/engine"
	"github.com/froyosync/froyosync/pkg/reconcile"
)

// recorder is an engine.RemoteObserver that keeps everything it is told.
type recorder struct {
	mu      sync.Mutex
	states  []reconcile.ConnectivityState
	readies []changes.ChangeLog
	entries changes.ChangeLog
}

func newRecorder() *recorder {
	return &recorder{entries: make(changes.ChangeLog)}
}

func (r *recorder) RemoteStateChanged(state reconcile.ConnectivityState, log changes.ChangeLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	if state == reconcile.ConnReady {
		r.readies = append(r.readies, log.Clone())
	}
}

func (r *recorder) RemoteEntryChanged(key changes.ObjectKey, state changes.ChangeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = state
}

func (r *recorder) lastState() reconcile.ConnectivityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

func (r *recorder) readyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readies)
}

func (r *recorder) lastReady() changes.ChangeLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.readies) == 0 {
		return nil
	}
	return r.readies[len(r.readies)-1]
}

func (r *recorder) entry(key changes.ObjectKey) (changes.ChangeState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.entries[key]
	return state, ok
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastBackoff(int, error) time.Duration {
	return 10 * time.Millisecond
}

func testOptions(device string) Options {
	return Options{
		DeviceID: device,
		Logger:   zerolog.Nop(),
		Backoff:  fastBackoff,
	}
}

// connectHub creates a connected HubConnector and waits for Ready.
func connectHub(t *testing.T, hub *Hub, opts Options) (*HubConnector, *recorder) {
	t.Helper()

	conn, err := NewHubConnector(hub, opts)
	if err != nil {
		t.Fatalf("NewHubConnector failed: %v", err)
	}
	rec := newRecorder()
	if err := conn.Connect(context.Background(), rec); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	waitFor(t, "ready", func() bool { return rec.readyCount() > 0 })
	return conn, rec
}

func TestNewHubConnector_Validation(t *testing.T) {
	if _, err := NewHubConnector(nil, testOptions("a")); err == nil {
		t.Error("expected error for nil hub")
	}
	if _, err := NewHubConnector(NewHub(), Options{}); err == nil {
		t.Error("expected error for missing device id")
	}
}

func TestHubConnector_SessionStates(t *testing.T) {
	hub := NewHub()
	_, rec := connectHub(t, hub, testOptions("a"))

	rec.mu.Lock()
	states := append([]reconcile.ConnectivityState(nil), rec.states...)
	rec.mu.Unlock()

	want := []reconcile.ConnectivityState{reconcile.ConnConnecting, reconcile.ConnLoadingSession, reconcile.ConnReady}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}

	if devices := hub.Devices(); len(devices) != 1 || devices[0] != "a" {
		t.Errorf("Devices() = %v, want [a]", devices)
	}
}

func TestHubConnector_ConnectTwice(t *testing.T) {
	conn, _ := connectHub(t, NewHub(), testOptions("a"))
	if err := conn.Connect(context.Background(), newRecorder()); err == nil {
		t.Error("expected second Connect to fail")
	}
	if err := conn.Connect(context.Background(), nil); err == nil {
		t.Error("expected Connect with nil observer to fail")
	}
}

func TestHubConnector_MultiDevice(t *testing.T) {
	hub := NewHub()
	a, recA := connectHub(t, hub, testOptions("a"))
	b, recB := connectHub(t, hub, testOptions("b"))
	ctx := context.Background()
	key := changes.NewKey("note", "n1")

	if err := a.Save(ctx, key, json.RawMessage(`{"title":"hello"}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	waitFor(t, "b to see the change", func() bool {
		state, ok := recB.entry(key)
		return ok && state == changes.Changed
	})
	if _, ok := recA.entry(key); ok {
		t.Error("writer must not be notified of its own change")
	}
	if got := hub.Changes("a").Get(key); got != changes.Unchanged {
		t.Errorf("writer entry = %s, want unchanged", got)
	}
	if got := hub.Changes("b").Get(key); got != changes.Changed {
		t.Errorf("other device entry = %s, want changed", got)
	}

	payload, err := b.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(payload) != `{"title":"hello"}` {
		t.Errorf("Load = %s", payload)
	}

	if err := b.MarkUnchanged(ctx, key); err != nil {
		t.Fatalf("MarkUnchanged failed: %v", err)
	}
	if got := hub.Changes("b").Get(key); got != changes.Unchanged {
		t.Errorf("entry after MarkUnchanged = %s, want unchanged", got)
	}

	if err := a.Remove(ctx, key); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	waitFor(t, "b to see the deletion", func() bool {
		state, _ := recB.entry(key)
		return state == changes.Deleted
	})

	_, err = b.Load(ctx, key)
	if !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Load after Remove = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after Remove = %v, want remote.ErrNotFound", err)
	}
}

func TestHubConnector_NewDeviceSeesExistingObjects(t *testing.T) {
	hub := NewHub()
	a, _ := connectHub(t, hub, testOptions("a"))
	ctx := context.Background()

	keys := []changes.ObjectKey{changes.NewKey("note", "n1"), changes.NewKey("note", "n2")}
	for _, key := range keys {
		if err := a.Save(ctx, key, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	_, recC := connectHub(t, hub, testOptions("c"))
	log := recC.lastReady()
	if len(log) != len(keys) {
		t.Fatalf("initial log = %v, want %d entries", log, len(keys))
	}
	for _, key := range keys {
		if log.Get(key) != changes.Changed {
			t.Errorf("initial log[%s] = %s, want changed", key, log.Get(key))
		}
	}
}

func TestHubConnector_OfflineAndReconnect(t *testing.T) {
	hub := NewHub()
	a, recA := connectHub(t, hub, testOptions("a"))
	ctx := context.Background()
	key := changes.NewKey("note", "n1")

	hub.SetOnline(false)
	waitFor(t, "disconnected", func() bool { return recA.lastState() == reconcile.ConnDisconnected })

	err := a.Save(ctx, key, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected Save to fail while offline")
	}
	if !engine.IsTransient(err) {
		t.Errorf("offline error should be transient: %v", err)
	}
	if code := engine.Classify(err).Code; code != engine.ErrCodeConnectionFailed {
		t.Errorf("error code = %s, want %s", code, engine.ErrCodeConnectionFailed)
	}
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Errorf("expected a ConnectError in the chain: %v", err)
	}

	hub.SetOnline(true)
	waitFor(t, "ready again", func() bool {
		return recA.readyCount() >= 2 && recA.lastState() == reconcile.ConnReady
	})

	if err := a.Save(ctx, key, json.RawMessage(`{}`)); err != nil {
		t.Errorf("Save after reconnect failed: %v", err)
	}
}

func TestHubConnector_ChangesWhileOfflineArriveOnReady(t *testing.T) {
	hub := NewHub()
	a, _ := connectHub(t, hub, testOptions("a"))
	b, recB := connectHub(t, hub, testOptions("b"))
	ctx := context.Background()
	key := changes.NewKey("note", "n1")

	// Disconnect b only.
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := a.Save(ctx, key, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	b2, err := NewHubConnector(hub, testOptions("b"))
	if err != nil {
		t.Fatalf("NewHubConnector failed: %v", err)
	}
	rec := newRecorder()
	if err := b2.Connect(ctx, rec); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer b2.Close()

	waitFor(t, "ready", func() bool { return rec.readyCount() > 0 })
	if got := rec.lastReady().Get(key); got != changes.Changed {
		t.Errorf("ready log[%s] = %s, want changed", key, got)
	}
	if _, ok := recB.entry(key); ok {
		t.Error("closed connector must not be notified")
	}
}

func TestHubConnector_Reload(t *testing.T) {
	hub := NewHub()
	a, recA := connectHub(t, hub, testOptions("a"))

	if err := a.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	waitFor(t, "second ready", func() bool { return recA.readyCount() == 2 })
}

func TestHubConnector_Close(t *testing.T) {
	hub := NewHub()
	a, _ := connectHub(t, hub, testOptions("a"))

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	_, err := a.Load(context.Background(), changes.NewKey("note", "n1"))
	if !engine.IsTransient(err) {
		t.Errorf("Load after Close = %v, want transient connection error", err)
	}
}

func TestHubConnector_MalformedPayload(t *testing.T) {
	a, _ := connectHub(t, NewHub(), testOptions("a"))

	err := a.Save(context.Background(), changes.NewKey("note", "n1"), json.RawMessage(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if code := engine.Classify(err).Code; code != engine.ErrCodeMalformedPayload {
		t.Errorf("error code = %s, want %s", code, engine.ErrCodeMalformedPayload)
	}
	if !engine.IsPermanent(err) {
		t.Error("malformed payload should be permanent")
	}
}

func TestHubConnector_Encryption(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	key := changes.NewKey("note", "secret")
	payload := json.RawMessage(`{"body":"top secret"}`)

	enc, err := crypto.NewRandomEncryptor()
	if err != nil {
		t.Fatalf("NewRandomEncryptor failed: %v", err)
	}

	optsA := testOptions("a")
	optsA.Encryptor = enc
	a, _ := connectHub(t, hub, optsA)

	if err := a.Save(ctx, key, payload); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	stored, ok := hub.Object(key)
	if !ok {
		t.Fatal("object not stored")
	}
	if bytes.Contains(stored, []byte("top secret")) {
		t.Error("stored object contains plaintext")
	}

	got, err := a.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Load = %s, want %s", got, payload)
	}

	// A device with another key cannot read the object.
	other, err := crypto.NewRandomEncryptor()
	if err != nil {
		t.Fatalf("NewRandomEncryptor failed: %v", err)
	}
	optsB := testOptions("b")
	optsB.Encryptor = other
	b, _ := connectHub(t, hub, optsB)

	_, err = b.Load(ctx, key)
	if err == nil {
		t.Fatal("expected decrypt failure")
	}
	if code := engine.Classify(err).Code; code != engine.ErrCodeEncryptionFailed {
		t.Errorf("error code = %s, want %s", code, engine.ErrCodeEncryptionFailed)
	}
	if !errors.Is(err, crypto.ErrDecrypt) {
		t.Errorf("expected ErrDecrypt in chain: %v", err)
	}
}

func TestHubSubscriber_Overflow(t *testing.T) {
	sub := newHubSubscriber()
	for i := 0; i < hubQueueSize; i++ {
		sub.push(hubEntry{key: changes.NewKey("t", "x"), state: changes.Changed})
	}
	if !sub.alive() {
		t.Fatal("subscriber dropped before its queue was full")
	}

	sub.push(hubEntry{key: changes.NewKey("t", "y"), state: changes.Changed})
	if sub.alive() {
		t.Fatal("expected subscriber to be dropped on overflow")
	}
	if !errors.Is(sub.err, errQueueFull) {
		t.Errorf("err = %v, want errQueueFull", sub.err)
	}
}
