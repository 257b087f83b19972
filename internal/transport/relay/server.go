// Package relay provides a websocket rendezvous and relay service for
// peer replication, plus the transport client that talks to it.
//
// A peer keeps a control socket open on /peer; the server assigns it an
// identity and later announces incoming connections on it. A guest opens
// /connect naming the host's identity, the host answers with /accept for
// the announced pairing, and the server then pipes messages between the
// two data sockets in order. A close on either side is forwarded to the
// other with the same status, so a normal close still arrives after
// every message sent before it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FrameType identifies a control frame.
type FrameType string

const (
	// FrameID carries the identity assigned to a control socket.
	FrameID FrameType = "id"
	// FrameIncoming announces a guest waiting on a pairing.
	FrameIncoming FrameType = "incoming"
	// FrameOpen tells a data socket that its peer is attached.
	FrameOpen FrameType = "open"
)

// Frame is a JSON control frame. Data travels as binary messages.
type Frame struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id,omitempty"`
	Conn string    `json:"conn,omitempty"`
	From string    `json:"from,omitempty"`
}

// Close codes used by the relay.
const (
	StatusIdentityTaken websocket.StatusCode = 4001
	StatusPeerNotFound  websocket.StatusCode = 4004
	StatusPairTimeout   websocket.StatusCode = 4008
)

// readLimit bounds a single relayed message.
const readLimit = 1 << 20

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8787").
	Addr string

	// PairTimeout bounds how long a guest waits for the host to accept
	// (default: 30s).
	PairTimeout time.Duration

	// Logger for server activity (default: no-op).
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:        ":8787",
		PairTimeout: 30 * time.Second,
		Logger:      zap.NewNop(),
	}
}

type pairing struct {
	from, to string
	host     chan *websocket.Conn
	done     chan struct{}
}

// Server is the rendezvous and relay service.
type Server struct {
	cfg      Config
	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	peers   map[string]*websocket.Conn
	pending map[string]*pairing

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewServer creates a relay server.
func NewServer(config *Config) *Server {
	cfg := *DefaultConfig()
	if config != nil {
		if config.Addr != "" {
			cfg.Addr = config.Addr
		}
		if config.PairTimeout > 0 {
			cfg.PairTimeout = config.PairTimeout
		}
		if config.Logger != nil {
			cfg.Logger = config.Logger
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		peers:   make(map[string]*websocket.Conn),
		pending: make(map[string]*pairing),
		ctx:     ctx,
		cancel:  cancel,
		logger:  cfg.Logger.Named("relay"),
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /peer", s.handlePeer)
	mux.HandleFunc("GET /connect", s.handleConnect)
	mux.HandleFunc("GET /accept", s.handleAccept)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("relay listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes every socket and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping relay")
	s.cancel()

	s.mu.Lock()
	for id, conn := range s.peers {
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		delete(s.peers, id)
	}
	s.mu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("relay shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// PeerCount returns the number of registered identities.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// handlePeer registers a control socket and keeps it until it drops.
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	conn, err := accept(w, r)
	if err != nil {
		s.logger.Warn("peer upgrade failed", zap.Error(err))
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if _, taken := s.peers[id]; taken {
		s.mu.Unlock()
		s.logger.Info("identity taken", zap.String("id", id))
		_ = conn.Close(StatusIdentityTaken, "identity taken")
		return
	}
	s.peers[id] = conn
	count := len(s.peers)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.peers[id] == conn {
			delete(s.peers, id)
		}
		count := len(s.peers)
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info("peer left", zap.String("id", id), zap.Int("peers", count))
	}()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	err = wsjson.Write(ctx, conn, Frame{Type: FrameID, ID: id})
	cancel()
	if err != nil {
		s.logger.Warn("failed to send identity", zap.String("id", id), zap.Error(err))
		return
	}
	s.logger.Info("peer joined", zap.String("id", id), zap.Int("peers", count))

	// Peers never send on the control socket; reading only detects
	// the disconnect and services control frames.
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// handleConnect attaches a guest and relays once the host accepts.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")

	guest, err := accept(w, r)
	if err != nil {
		s.logger.Warn("guest upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	hostCtl, ok := s.peers[to]
	s.mu.Unlock()
	if !ok {
		_ = guest.Close(StatusPeerNotFound, "peer not found")
		return
	}

	p := &pairing{
		from: from,
		to:   to,
		host: make(chan *websocket.Conn, 1),
		done: make(chan struct{}),
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()
	defer close(p.done)
	defer s.dropPairing(id)

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	err = wsjson.Write(ctx, hostCtl, Frame{Type: FrameIncoming, Conn: id, From: from})
	cancel()
	if err != nil {
		_ = guest.Close(StatusPeerNotFound, "peer not reachable")
		return
	}

	timer := time.NewTimer(s.cfg.PairTimeout)
	defer timer.Stop()

	var host *websocket.Conn
	select {
	case host = <-p.host:
	case <-timer.C:
		s.logger.Info("pairing timed out", zap.String("from", from), zap.String("to", to))
		_ = guest.Close(StatusPairTimeout, "host did not accept")
		return
	case <-s.ctx.Done():
		_ = guest.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}

	for _, c := range []*websocket.Conn{guest, host} {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := wsjson.Write(ctx, c, Frame{Type: FrameOpen})
		cancel()
		if err != nil {
			guest.CloseNow()
			host.CloseNow()
			return
		}
	}

	s.logger.Info("relaying", zap.String("from", from), zap.String("to", to))
	if err := s.pipe(guest, host); err != nil {
		s.logger.Debug("relay ended", zap.String("from", from), zap.String("to", to), zap.Error(err))
	}
}

// handleAccept attaches the host to a pending pairing.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("conn")

	host, err := accept(w, r)
	if err != nil {
		s.logger.Warn("host upgrade failed", zap.Error(err))
		return
	}

	p := s.dropPairing(id)
	if p == nil {
		_ = host.Close(StatusPeerNotFound, "pairing not found")
		return
	}
	p.host <- host

	select {
	case <-p.done:
	case <-s.ctx.Done():
	}
}

func (s *Server) dropPairing(id string) *pairing {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[id]
	delete(s.pending, id)
	return p
}

// pipe copies messages both ways until either side closes.
func (s *Server) pipe(a, b *websocket.Conn) error {
	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return forward(ctx, a, b) })
	g.Go(func() error { return forward(ctx, b, a) })
	return g.Wait()
}

// forward relays src to dst in order and mirrors src's close onto dst.
func forward(ctx context.Context, src, dst *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			switch status := websocket.CloseStatus(err); status {
			case websocket.StatusNormalClosure:
				_ = dst.Close(websocket.StatusNormalClosure, "")
				return nil
			case -1:
				_ = dst.Close(websocket.StatusGoingAway, "peer connection lost")
			default:
				_ = dst.Close(status, "")
			}
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			src.CloseNow()
			return err
		}
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	peers, pending := len(s.peers), len(s.pending)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"peers":   peers,
		"pending": pending,
	})
}
