package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/defipilot/defipilot/internal/llm"
	"github.com/defipilot/defipilot/internal/observability"
	"github.com/defipilot/defipilot/internal/orchestrator"
	"github.com/defipilot/defipilot/internal/sessions"
)

// Config configures the gateway server.
type Config struct {
	Host string
	Port int

	// MaxConnections bounds concurrent websocket connections; connection
	// N+1 is rejected with close code 1013.
	MaxConnections int

	// PingInterval drives keepalive pings and the idle reaper, which closes
	// connections inactive for more than twice this interval.
	PingInterval time.Duration

	// MessageQueueSize bounds the per-connection outbound buffer.
	MessageQueueSize int

	// CORSOrigin restricts websocket origins; "*" or empty allows all.
	CORSOrigin string
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MessageQueueSize <= 0 {
		c.MessageQueueSize = 1000
	}
}

// Server accepts websocket connections and serves the observability
// endpoints alongside them.
type Server struct {
	config       Config
	orchestrator *orchestrator.Orchestrator
	store        *sessions.Store
	adapter      *llm.Adapter
	logger       *slog.Logger
	metrics      *observability.Metrics

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	started  time.Time

	mu    sync.Mutex
	conns map[*conn]struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

// NewServer wires the gateway.
func NewServer(
	config Config,
	orch *orchestrator.Orchestrator,
	store *sessions.Store,
	adapter *llm.Adapter,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Server {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:       config,
		orchestrator: orch,
		store:        store,
		adapter:      adapter,
		logger:       logger.With("component", "gateway"),
		metrics:      metrics,
		conns:        make(map[*conn]struct{}),
		stop:         make(chan struct{}),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", s.serveHealthz)
	mux.HandleFunc("/statusz", s.serveStatusz)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start serves until the listener fails or Shutdown is called. The idle
// reaper runs alongside.
func (s *Server) Start() error {
	s.started = time.Now()
	go s.reapLoop()
	s.logger.Info("gateway listening", "addr", s.httpSrv.Addr)

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes all connections and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	for c := range s.conns {
		c.close(websocket.CloseNormalClosure, "Server shutting down")
	}
	s.mu.Unlock()

	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := s.config.CORSOrigin
	if origin == "" || origin == "*" {
		return true
	}
	return r.Header.Get("Origin") == origin
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws, s)

	if !s.addConn(c) {
		s.logger.Warn("rejecting connection, at capacity", "max", s.config.MaxConnections)
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server overloaded"), deadline)
		_ = ws.Close()
		return
	}

	s.logger.Info("connection established", "session_id", c.sessionID)

	go c.writePump()
	c.sendOrDrop(ConnectionEstablishedFrame(c.sessionID))
	go c.readPump()
}

func (s *Server) addConn(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) >= s.config.MaxConnections {
		return false
	}
	s.conns[c] = struct{}{}
	if s.metrics != nil {
		s.metrics.ActiveConnections.Inc()
	}
	return true
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	if ok {
		delete(s.conns, c)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveConnections.Dec()
	}
	// Closing the connection ends the session's usefulness; the store
	// reaper handles history expiry separately.
	s.logger.Info("connection closed", "session_id", c.sessionID)
}

// reapLoop closes connections whose last inbound activity is older than
// twice the ping interval.
func (s *Server) reapLoop() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * s.config.PingInterval)
			s.mu.Lock()
			var idle []*conn
			for c := range s.conns {
				if c.idleSince().Before(cutoff) {
					idle = append(idle, c)
				}
			}
			s.mu.Unlock()

			for _, c := range idle {
				s.logger.Info("closing inactive connection", "session_id", c.sessionID)
				c.close(websocket.CloseNormalClosure, "Inactive connection")
			}
		}
	}
}

func (s *Server) serveHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// serveStatusz reports a point-in-time operational snapshot.
func (s *Server) serveStatusz(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()

	sessionCount, totalMessages, toolCalls := s.store.Metrics()

	hits, misses, _ := s.adapter.PromptCacheStats()

	snapshot := map[string]any{
		"uptime": time.Since(s.started).String(),
		"memory": map[string]any{
			"allocBytes": mem.Alloc,
			"sysBytes":   mem.Sys,
			"numGC":      mem.NumGC,
		},
		"connections": map[string]any{
			"active": active,
			"max":    s.config.MaxConnections,
		},
		"sessions": map[string]any{
			"active":        sessionCount,
			"totalMessages": totalMessages,
			"toolCalls":     toolCalls,
		},
		"llm": map[string]any{
			"provider":     s.adapter.Provider(),
			"circuitState": s.adapter.CircuitState(),
			"promptCache": map[string]any{
				"hits":   hits,
				"misses": misses,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}
