package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hubenchang0515/todo/internal/task"
	"github.com/hubenchang0515/todo/internal/transport"
)

// Phase is the state of a session.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseWaitingForID Phase = "waiting_for_id"
	PhaseReady        Phase = "ready"
	PhaseExporting    Phase = "exporting"
	PhaseImporting    Phase = "importing"
	PhaseFailed       Phase = "failed"
)

func (p Phase) String() string { return string(p) }

// Role is the part a session plays in the current exchange.
type Role string

const (
	RoleNone  Role = "none"
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

func (r Role) String() string { return string(r) }

var (
	// ErrIdentityUnavailable means the transport assigned no identity.
	ErrIdentityUnavailable = transport.ErrIdentityUnavailable
	// ErrConnectionFailed means the guest could not reach the host.
	ErrConnectionFailed = transport.ErrConnectionFailed
	// ErrChannel means the channel terminated abnormally mid-transfer.
	ErrChannel = transport.ErrChannel

	// ErrEmptyPeerIdentity rejects an import without a host identity.
	ErrEmptyPeerIdentity = errors.New("peer identity is empty")
	// ErrSelfImportRejected rejects an import from the session's own identity.
	ErrSelfImportRejected = errors.New("cannot import from this instance")
	// ErrNotReady rejects an import while the session is not ready.
	ErrNotReady = errors.New("session is not ready")
	// ErrSessionClosed is returned once Close has been called.
	ErrSessionClosed = errors.New("session closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
)

// EventKind names what an Event reports.
type EventKind string

const (
	EventPhaseChanged   EventKind = "phase_changed"
	EventCleared        EventKind = "cleared"
	EventRecordImported EventKind = "record_imported"
	EventRecordExported EventKind = "record_exported"
	EventImportComplete EventKind = "import_complete"
	EventExportComplete EventKind = "export_complete"
	EventError          EventKind = "error"
)

// Event is delivered to the observer. Phase, Role, Local and Peer are
// the session's state at the time of the event.
type Event struct {
	Kind  EventKind
	Phase Phase
	Role  Role
	Local string
	Peer  string
	// Records counts records transferred so far in the current exchange.
	Records int
	Err     error
}

// Store is the part of the record store replication needs.
type Store interface {
	Clear(ctx context.Context) error
	Put(ctx context.Context, t task.Task) error
	Each(ctx context.Context, batch int, fn func(task.Task) error) error
}

// DefaultExportBatch is the number of records read per store query
// while exporting.
const DefaultExportBatch = 100

// Option configures a Session.
type Option func(*Session)

// WithObserver sets the event callback. It is called synchronously with
// the session locked, so it must not call back into the session.
func WithObserver(fn func(Event)) Option {
	return func(s *Session) {
		s.observer = fn
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithExportBatch sets the store batch size used while exporting.
func WithExportBatch(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.batch = n
		}
	}
}

// Session is one instance's replication endpoint.
type Session struct {
	store    Store
	tr       transport.Transport
	observer func(Event)
	logger   *zap.Logger
	batch    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	phase     Phase
	role      Role
	local     string
	peer      string
	ch        transport.Channel
	acceptErr error
	closed    bool
}

// New creates an idle session over store and tr. The session owns tr
// and closes it on Close.
func New(store Store, tr transport.Transport, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		store:    store,
		tr:       tr,
		observer: func(Event) {},
		logger:   zap.NewNop(),
		batch:    DefaultExportBatch,
		ctx:      ctx,
		cancel:   cancel,
		phase:    PhaseIdle,
		role:     RoleNone,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("replication")
	return s
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Role returns the role in the current exchange.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// LocalIdentity returns the identity assigned by the transport, or ""
// before it was assigned.
func (s *Session) LocalIdentity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Peer returns the identity of the other side of the current exchange.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) emitLocked(ev Event) {
	ev.Phase = s.phase
	ev.Role = s.role
	ev.Local = s.local
	ev.Peer = s.peer
	s.observer(ev)
}

func (s *Session) setPhaseLocked(p Phase) {
	if s.phase == p {
		return
	}
	s.logger.Debug("phase", zap.Stringer("from", s.phase), zap.Stringer("to", p))
	s.phase = p
	s.emitLocked(Event{Kind: EventPhaseChanged})
}

// settleLocked ends the current exchange. The session goes back to
// ready unless the accept loop died meanwhile.
func (s *Session) settleLocked() {
	s.ch = nil
	s.role = RoleNone
	s.peer = ""
	if s.acceptErr != nil {
		s.setPhaseLocked(PhaseFailed)
		return
	}
	s.setPhaseLocked(PhaseReady)
}

func (s *Session) failLocked(err error) {
	s.ch = nil
	s.emitLocked(Event{Kind: EventError, Err: err})
	s.setPhaseLocked(PhaseFailed)
}

// Start requests an identity and, once assigned, starts hosting.
// It blocks until the session is ready or failed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.setPhaseLocked(PhaseWaitingForID)
	s.mu.Unlock()

	id, err := s.tr.Identity(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err != nil {
		if !errors.Is(err, ErrIdentityUnavailable) {
			err = fmt.Errorf("%w: %w", ErrIdentityUnavailable, err)
		}
		s.logger.Warn("no identity", zap.Error(err))
		s.failLocked(err)
		return err
	}

	s.local = id
	s.logger.Info("ready", zap.String("id", id))
	s.setPhaseLocked(PhaseReady)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Session) acceptLoop() {
	defer s.wg.Done()

	for {
		ch, err := s.tr.Accept(s.ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed && s.ctx.Err() == nil {
				s.logger.Warn("accept loop stopped", zap.Error(err))
				s.acceptErr = err
				if s.phase == PhaseReady {
					s.failLocked(err)
				}
			}
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if s.closed || s.phase != PhaseReady {
			phase := s.phase
			s.mu.Unlock()
			s.logger.Info("refusing inbound connection",
				zap.String("from", ch.Remote()),
				zap.Stringer("phase", phase),
			)
			_ = ch.Close(false)
			continue
		}
		s.role = RoleHost
		s.peer = ch.Remote()
		s.ch = ch
		s.setPhaseLocked(PhaseExporting)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.export(ch)
		}()
	}
}

// export streams every record to ch and closes it with flush.
func (s *Session) export(ch transport.Channel) {
	count := 0
	err := s.store.Each(s.ctx, s.batch, func(t task.Task) error {
		data, err := task.Marshal(t)
		if err != nil {
			return err
		}
		if err := ch.Send(s.ctx, data); err != nil {
			return err
		}
		count++

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return ErrSessionClosed
		}
		s.emitLocked(Event{Kind: EventRecordExported, Records: count})
		return nil
	})
	if err == nil {
		err = ch.Close(true)
	} else {
		_ = ch.Close(false)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err != nil {
		s.logger.Warn("export aborted", zap.String("peer", ch.Remote()), zap.Int("records", count), zap.Error(err))
		s.emitLocked(Event{Kind: EventError, Records: count, Err: fmt.Errorf("export to %s failed: %w", ch.Remote(), err)})
	} else {
		s.logger.Info("export complete", zap.String("peer", ch.Remote()), zap.Int("records", count))
		s.emitLocked(Event{Kind: EventExportComplete, Records: count})
	}
	s.settleLocked()
}

// CheckImport runs the import guards without changing any state.
func (s *Session) CheckImport(peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkImportLocked(peer)
}

func (s *Session) checkImportLocked(peer string) error {
	if s.closed {
		return ErrSessionClosed
	}
	if strings.TrimSpace(peer) == "" {
		return ErrEmptyPeerIdentity
	}
	if peer == s.local {
		return ErrSelfImportRejected
	}
	if s.phase != PhaseReady {
		return fmt.Errorf("%w (phase %s)", ErrNotReady, s.phase)
	}
	return nil
}

// Import replaces the local store with the records of peer and returns
// the number of records imported. It blocks until the host closes the
// channel, the channel fails, ctx ends or the session is closed.
//
// The guards (empty identity, own identity, not ready) are checked
// before anything happens and leave the session untouched. After a
// connection failure the session is ready again; after a channel error
// it is failed and the records received so far stay in the store.
func (s *Session) Import(ctx context.Context, peer string) (int, error) {
	peer = strings.TrimSpace(peer)

	s.mu.Lock()
	if err := s.checkImportLocked(peer); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.role = RoleGuest
	s.peer = peer
	s.setPhaseLocked(PhaseImporting)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.logger.Info("importing", zap.String("peer", peer))

	ch, err := s.tr.Connect(ctx, peer)
	if err != nil {
		if !errors.Is(err, ErrConnectionFailed) {
			err = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		return 0, s.abortImport(err, 0)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ch.Close(false)
		return 0, ErrSessionClosed
	}
	s.ch = ch
	s.mu.Unlock()

	if err := s.store.Clear(ctx); err != nil {
		_ = ch.Close(false)
		return 0, s.abortImport(fmt.Errorf("failed to clear store: %w", err), 0)
	}
	if err := s.event(EventCleared, 0); err != nil {
		_ = ch.Close(false)
		return 0, err
	}

	count := 0
	for {
		data, err := ch.Receive(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = ch.Close(false)
			switch {
			case ctx.Err() != nil:
				err = fmt.Errorf("import interrupted: %w", ctx.Err())
			case !errors.Is(err, ErrChannel):
				err = fmt.Errorf("%w: %w", ErrChannel, err)
			}
			return count, s.abortImport(err, count)
		}

		t, err := task.Unmarshal(data)
		if err != nil {
			_ = ch.Close(false)
			return count, s.abortImport(fmt.Errorf("%w: malformed record: %w", ErrChannel, err), count)
		}
		if err := s.store.Put(ctx, t); err != nil {
			_ = ch.Close(false)
			return count, s.abortImport(fmt.Errorf("failed to store record %d: %w", t.ID, err), count)
		}
		count++
		if err := s.event(EventRecordImported, count); err != nil {
			_ = ch.Close(false)
			return count, err
		}
	}
	_ = ch.Close(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return count, ErrSessionClosed
	}
	s.logger.Info("import complete", zap.String("peer", peer), zap.Int("records", count))
	s.emitLocked(Event{Kind: EventImportComplete, Records: count})
	s.settleLocked()
	return count, nil
}

func (s *Session) event(kind EventKind, records int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.emitLocked(Event{Kind: kind, Records: records})
	return nil
}

// abortImport ends a failed import. Channel errors fail the session;
// everything else returns it to ready.
func (s *Session) abortImport(err error, records int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	s.logger.Warn("import aborted", zap.String("peer", s.peer), zap.Int("records", records), zap.Error(err))
	if errors.Is(err, ErrChannel) {
		s.failLocked(err)
		return err
	}
	s.emitLocked(Event{Kind: EventError, Records: records, Err: err})
	s.settleLocked()
	return err
}

// Close cancels any transfer in flight, closes the transport and
// forgets the identity. Store writes already issued may still complete.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	ch := s.ch
	s.ch = nil
	s.role = RoleNone
	s.peer = ""
	s.local = ""
	s.setPhaseLocked(PhaseIdle)
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if ch != nil {
		_ = ch.Close(false)
	}
	err := s.tr.Close()
	s.wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}
