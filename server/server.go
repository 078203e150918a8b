// Package server exposes the job engine over HTTP and WebSocket.
//
// Workers drive jobs by posting ticks; dashboards read snapshots and follow
// job events over /ws. A background sweeper prunes expired jobs and can adopt
// stalled ones.
package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/slate/am"
	"github.com/teranos/slate/pulse/async"
	"github.com/teranos/slate/pulse/sweep"
)

// Config contains configuration for the server.
type Config struct {
	// Addr is the listen address used by ListenAndServe.
	Addr string
	// AllowedOrigins are origin prefixes accepted for CORS and WebSocket upgrades.
	AllowedOrigins []string
	// TickRate and TickBurst limit ticks per job. A zero rate disables limiting.
	TickRate  rate.Limit
	TickBurst int
	// Sweep configures the maintenance loop. A zero Interval disables it.
	Sweep sweep.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8770",
		AllowedOrigins: []string{"http://localhost", "https://localhost", "http://127.0.0.1"},
		TickRate:       20,
		TickBurst:      40,
		Sweep:          sweep.DefaultConfig(),
	}
}

// Server serves the job API for one engine.
type Server struct {
	engine  *async.Engine
	cfg     Config
	logger  *zap.SugaredLogger
	mux     *http.ServeMux
	limiter *tickLimiter
	started time.Time

	httpServer    *http.Server
	sweeper       *sweep.Sweeper
	configWatcher *am.ConfigWatcher
	closers       []io.Closer

	mu      sync.RWMutex
	clients map[*Client]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
}

// New creates a server for engine. Call Serve or ListenAndServe to start it.
func New(engine *async.Engine, cfg Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:  engine,
		cfg:     cfg,
		logger:  log,
		mux:     http.NewServeMux(),
		limiter: newTickLimiter(cfg.TickRate, cfg.TickBurst),
		started: time.Now(),
		clients: make(map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.state.Store(int32(ServerStateStarting))
	s.setupHTTPRoutes()
	return s
}

// Handler returns the server's routes, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Engine returns the engine this server exposes.
func (s *Server) Engine() *async.Engine { return s.engine }

// SetConfigWatcher hands a config watcher to the server so Stop shuts it down.
func (s *Server) SetConfigWatcher(w *am.ConfigWatcher) { s.configWatcher = w }

// AddCloser registers a resource closed after the server stops, in reverse
// order of registration.
func (s *Server) AddCloser(c io.Closer) { s.closers = append(s.closers, c) }

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
