// Package syncctl owns the replication session of an application
// instance and turns its events into status text for the user.
//
// At most one session is active at a time. Opening reuses the active
// session and its identity; closing tears it down so the next Open
// starts over with a fresh transport.
package syncctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hubenchang0515/todo/internal/replication"
	"github.com/hubenchang0515/todo/internal/transport"
)

// ErrNotOpen is returned by StartImport when no session is active.
var ErrNotOpen = errors.New("sync is not open")

// Level grades a status message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Status is a snapshot of the sync state for display.
type Status struct {
	Phase   replication.Phase
	Role    replication.Role
	LocalID string
	PeerID  string
	Records int
	Message string
	Level   Level
}

// Busy reports whether the session is waiting or transferring.
func (s Status) Busy() bool {
	switch s.Phase {
	case replication.PhaseWaitingForID, replication.PhaseImporting, replication.PhaseExporting:
		return true
	}
	return false
}

// Config holds controller configuration.
type Config struct {
	// IdentityTimeout bounds how long Open waits for an identity
	// (default: 30s, zero disables the bound).
	IdentityTimeout time.Duration

	// ExportBatch is the store batch size used while exporting.
	ExportBatch int

	// Logger for sync activity (default: no-op).
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		IdentityTimeout: 30 * time.Second,
		ExportBatch:     replication.DefaultExportBatch,
		Logger:          zap.NewNop(),
	}
}

// Controller manages the instance's single replication session.
type Controller struct {
	store   replication.Store
	factory transport.Factory
	cfg     Config
	logger  *zap.Logger

	// lifecycle serialises Open and Close.
	lifecycle sync.Mutex

	mu      sync.Mutex
	session *replication.Session
	gen     int
	status  Status
	subs    map[chan Status]struct{}

	imports sync.WaitGroup
}

// New creates a controller. Sessions are built with transports from
// factory and replicate store.
func New(store replication.Store, factory transport.Factory, config *Config) *Controller {
	cfg := *DefaultConfig()
	if config != nil {
		cfg = *config
		if cfg.Logger == nil {
			cfg.Logger = zap.NewNop()
		}
	}

	return &Controller{
		store:   store,
		factory: factory,
		cfg:     cfg,
		logger:  cfg.Logger.Named("syncctl"),
		status:  Status{Phase: replication.PhaseIdle, Role: replication.RoleNone},
		subs:    make(map[chan Status]struct{}),
	}
}

// Open starts a session unless one is already active, and returns the
// resulting status. A failed session is replaced by a new one.
func (c *Controller) Open(ctx context.Context) (Status, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	// Session methods take the session lock, and the observer takes
	// c.mu under it, so never call into the session holding c.mu.
	c.mu.Lock()
	current := c.session
	c.mu.Unlock()
	if current != nil && current.Phase() != replication.PhaseFailed {
		return c.Status(), nil
	}

	c.mu.Lock()
	stale := c.session
	c.session = nil
	c.gen++
	c.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
		c.imports.Wait()
	}

	tr, err := c.factory(ctx)
	if err != nil {
		err = fmt.Errorf("failed to create transport: %w", err)
		c.setStatus(Status{Phase: replication.PhaseFailed, Role: replication.RoleNone, Message: err.Error(), Level: LevelError})
		return c.Status(), err
	}

	c.mu.Lock()
	gen := c.gen
	s := replication.New(c.store, tr,
		replication.WithObserver(func(ev replication.Event) { c.observe(gen, ev) }),
		replication.WithLogger(c.cfg.Logger),
		replication.WithExportBatch(c.cfg.ExportBatch),
	)
	c.session = s
	c.mu.Unlock()

	startCtx := ctx
	if c.cfg.IdentityTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, c.cfg.IdentityTimeout)
		defer cancel()
	}

	if err := s.Start(startCtx); err != nil {
		c.logger.Warn("sync open failed", zap.Error(err))
		return c.Status(), err
	}
	c.logger.Info("sync open", zap.String("id", s.LocalIdentity()))
	return c.Status(), nil
}

// Close tears the active session down. It is safe to call when nothing
// is open.
func (c *Controller) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	s := c.session
	c.session = nil
	c.gen++
	c.mu.Unlock()

	var err error
	if s != nil {
		err = s.Close()
		c.imports.Wait()
	}
	c.setStatus(Status{
		Phase:   replication.PhaseIdle,
		Role:    replication.RoleNone,
		Message: "Sync closed",
		Level:   LevelInfo,
	})
	return err
}

// Active reports whether a session is open.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// StartImport checks the import guards and then imports from peer in
// the background. Guard failures are returned immediately and change
// nothing; progress and the outcome are reported through Status.
func (c *Controller) StartImport(ctx context.Context, peer string) error {
	c.mu.Lock()
	s, gen := c.session, c.gen
	c.mu.Unlock()
	if s == nil {
		return ErrNotOpen
	}

	if err := s.CheckImport(peer); err != nil {
		c.reportGuard(gen, err)
		return err
	}

	c.imports.Add(1)
	go func() {
		defer c.imports.Done()
		_, err := s.Import(context.WithoutCancel(ctx), peer)
		if err == nil {
			return
		}
		// Transfer errors already reached the status through the
		// observer; only late guard failures still need reporting.
		if errors.Is(err, replication.ErrNotReady) ||
			errors.Is(err, replication.ErrEmptyPeerIdentity) ||
			errors.Is(err, replication.ErrSelfImportRejected) {
			c.reportGuard(gen, err)
		}
	}()
	return nil
}

func (c *Controller) reportGuard(gen int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	st := c.status
	st.Message, st.Level = describe(err, "")
	c.publishLocked(st)
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe streams status snapshots. Slow readers only miss
// intermediate snapshots, never the latest one. Call cancel when done.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.status
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
		})
	}
}

// Wait blocks until a status satisfies match or ctx ends.
func (c *Controller) Wait(ctx context.Context, match func(Status) bool) (Status, error) {
	updates, cancel := c.Subscribe()
	defer cancel()

	for {
		select {
		case st := <-updates:
			if match(st) {
				return st, nil
			}
		case <-ctx.Done():
			return c.Status(), ctx.Err()
		}
	}
}

func (c *Controller) setStatus(st Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(st)
}

func (c *Controller) publishLocked(st Status) {
	c.status = st
	for ch := range c.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// observe folds a session event into the status. Events from a session
// that has since been replaced are dropped.
func (c *Controller) observe(gen int, ev replication.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}

	prev := c.status
	st := Status{
		Phase:   ev.Phase,
		Role:    ev.Role,
		LocalID: ev.Local,
		PeerID:  ev.Peer,
		Records: prev.Records,
		Message: prev.Message,
		Level:   prev.Level,
	}

	switch ev.Kind {
	case replication.EventPhaseChanged:
		switch ev.Phase {
		case replication.PhaseWaitingForID:
			st.Message, st.Level = "Waiting for ID", LevelInfo
		case replication.PhaseReady:
			// Keep the outcome of the exchange that just ended.
			if !settled(prev) {
				st.Message, st.Level = "Host ID: "+ev.Local, LevelInfo
			}
		case replication.PhaseImporting:
			st.Records = 0
			st.Message, st.Level = "Connecting to "+ev.Peer, LevelInfo
		case replication.PhaseExporting:
			st.Records = 0
			st.Message, st.Level = "Exporting to "+ev.Peer, LevelInfo
		case replication.PhaseFailed:
			if prev.Level != LevelError {
				st.Message, st.Level = "Sync failed", LevelError
			}
		case replication.PhaseIdle:
			st.Message, st.Level = "Sync closed", LevelInfo
		}
	case replication.EventCleared:
		st.Message, st.Level = "Importing from "+ev.Peer, LevelInfo
	case replication.EventRecordImported:
		st.Records = ev.Records
		st.Message, st.Level = fmt.Sprintf("Imported %d tasks", ev.Records), LevelInfo
	case replication.EventRecordExported:
		st.Records = ev.Records
		st.Message, st.Level = fmt.Sprintf("Exported %d tasks to %s", ev.Records, ev.Peer), LevelInfo
	case replication.EventImportComplete:
		st.Records = ev.Records
		st.Message, st.Level = fmt.Sprintf("Import complete (%d tasks)", ev.Records), LevelSuccess
	case replication.EventExportComplete:
		st.Records = ev.Records
		st.Message, st.Level = fmt.Sprintf("Export complete (%d tasks to %s)", ev.Records, ev.Peer), LevelSuccess
	case replication.EventError:
		st.Message, st.Level = describe(ev.Err, ev.Peer)
	default:
		c.logger.Debug("ignoring event", zap.String("kind", string(ev.Kind)))
		return
	}

	c.publishLocked(st)
}

// settled reports whether prev carries the outcome of an exchange.
func settled(prev Status) bool {
	if prev.Phase != replication.PhaseImporting && prev.Phase != replication.PhaseExporting {
		return false
	}
	return prev.Level != LevelInfo
}

// describe turns an error into user-facing status text.
func describe(err error, peer string) (string, Level) {
	switch {
	case errors.Is(err, replication.ErrSelfImportRejected):
		return "Cannot import from this instance", LevelWarning
	case errors.Is(err, replication.ErrEmptyPeerIdentity):
		return "Enter the host ID to import from", LevelWarning
	case errors.Is(err, replication.ErrNotReady):
		return "Sync is busy, try again when it is ready", LevelWarning
	case errors.Is(err, replication.ErrIdentityUnavailable):
		return "Cannot get an ID from the relay", LevelError
	case errors.Is(err, replication.ErrConnectionFailed):
		if peer == "" {
			return "Cannot connect to the host", LevelWarning
		}
		return "Cannot connect to " + peer, LevelWarning
	case errors.Is(err, replication.ErrChannel):
		return "Connection lost", LevelError
	case err != nil:
		return err.Error(), LevelError
	}
	return "", LevelInfo
}
