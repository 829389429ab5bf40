package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/engine"
	"github.com/froyosync/froyosync/pkg/reconcile"
	"github.com/froyosync/froyosync/pkg/telemetry"
)

// backend is the transport specific half of a remote session.
type backend interface {
	// dial connects to the remote, registers the device and starts listening
	// for change notifications.
	dial(ctx context.Context) error

	// changeLog reads the device's full change log.
	changeLog(ctx context.Context) (changes.ChangeLog, error)

	// watch reports change log updates made by other devices until the
	// connection is lost or ctx is done.
	watch(ctx context.Context, emit func(changes.ObjectKey, changes.ChangeState)) error

	// hangup closes the connection.
	hangup()
}

// session keeps a backend connected and reports its connectivity and change
// log to an observer. It reconnects with backoff until stopped.
type session struct {
	kind    string
	address string
	backend backend
	backoff func(int, error) time.Duration
	logger  zerolog.Logger

	reload chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(kind, address string, b backend, opts Options) *session {
	return &session{
		kind:    kind,
		address: address,
		backend: b,
		backoff: opts.backoff(),
		logger: opts.Logger.With().
			Str("remote_kind", kind).
			Str("remote_address", address).
			Logger(),
		reload: make(chan struct{}, 1),
	}
}

func (s *session) start(ctx context.Context, observer engine.RemoteObserver) error {
	if observer == nil {
		return fmt.Errorf("observer is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("%s remote is already connected", s.kind)
	}

	if telemetry.FromTelemetryContext(ctx) != nil {
		ctx = telemetry.WithRemoteContext(ctx, s.kind, s.address)
		s.logger = telemetry.FromContext(ctx).Zerolog()
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, observer, s.done)
	return nil
}

// stop ends the session and waits for it to wind down. Nothing is reported
// to the observer after stop returns.
func (s *session) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *session) requestReload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

func (s *session) run(ctx context.Context, observer engine.RemoteObserver, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		ready, err := s.serve(ctx, observer)
		if ctx.Err() != nil {
			return
		}
		if ready {
			attempt = 0
		}

		observer.RemoteStateChanged(reconcile.ConnDisconnected, nil)

		delay := s.backoff(attempt, connectionError(s.kind, err))
		attempt++
		s.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Remote session lost")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// serve runs one connection. It reports whether the session became ready,
// and the error that ended it.
func (s *session) serve(ctx context.Context, observer engine.RemoteObserver) (bool, error) {
	observer.RemoteStateChanged(reconcile.ConnConnecting, nil)
	if err := s.backend.dial(ctx); err != nil {
		return false, err
	}
	defer s.backend.hangup()

	observer.RemoteStateChanged(reconcile.ConnLoadingSession, nil)
	log, err := s.backend.changeLog(ctx)
	if err != nil {
		return false, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	lost := make(chan error, 1)
	go func() {
		lost <- s.backend.watch(watchCtx, observer.RemoteEntryChanged)
	}()
	stopWatch := func() {
		cancel()
		<-lost
	}

	observer.RemoteStateChanged(reconcile.ConnReady, log)
	s.logger.Info().Int("remote_changes", len(log)).Msg("Remote session ready")

	for {
		select {
		case err := <-lost:
			cancel()
			return true, err
		case <-s.reload:
			log, err := s.backend.changeLog(ctx)
			if err != nil {
				stopWatch()
				return true, err
			}
			s.logger.Debug().Int("remote_changes", len(log)).Msg("Remote change log reloaded")
			observer.RemoteStateChanged(reconcile.ConnReady, log)
		case <-ctx.Done():
			stopWatch()
			return true, ctx.Err()
		}
	}
}
