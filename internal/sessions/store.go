// Package sessions implements the in-memory session store: per-client
// conversation history with bounded length, idle expiry, and per-session
// serialization for the orchestrator.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/defipilot/defipilot/internal/observability"
	"github.com/defipilot/defipilot/pkg/models"
)

// Config configures the store.
type Config struct {
	// MaxHistory bounds messages per session. Defaults to 100.
	MaxHistory int

	// Timeout is the idle lifetime of a session. Defaults to 30 minutes.
	Timeout time.Duration

	// CleanupInterval is how often the reaper runs. Defaults to 5 minutes.
	CleanupInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxHistory <= 0 {
		c.MaxHistory = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

type sessionEntry struct {
	session models.Session

	// lock serializes orchestrator work on this session. Held across whole
	// process() invocations, not just map access.
	lock sync.Mutex
}

// Store is the thread-safe session map. All callers receive copies; only
// the store mutates session state.
type Store struct {
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewStore creates a store and starts its reaper.
func NewStore(config Config, logger *slog.Logger, metrics *observability.Metrics) *Store {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		config:   config,
		logger:   logger.With("component", "sessions"),
		metrics:  metrics,
		sessions: make(map[string]*sessionEntry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// GetOrCreate returns a copy of the session, creating it if absent.
func (s *Store) GetOrCreate(id string) models.Session {
	entry := s.entry(id, true)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSession(&entry.session)
}

// Get returns a copy of the session if it exists.
func (s *Store) Get(id string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return cloneSession(&entry.session), true
}

// Append adds a message to the session, creating the session if needed.
// When the history exceeds MaxHistory, the oldest non-system messages are
// evicted first; system messages are retained.
func (s *Store) Append(id string, msg models.Message) models.Session {
	entry := s.entry(id, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &entry.session
	sess.Messages = append(sess.Messages, msg)
	sess.LastActivity = time.Now()
	sess.Metrics.MessageCount++
	sess.Metrics.ToolCallCount += len(msg.ToolCalls)

	if len(sess.Messages) > s.config.MaxHistory {
		sess.Messages = trimHistory(sess.Messages, s.config.MaxHistory)
	}

	return cloneSession(sess)
}

// Replace swaps the session's full message history. Used for atomic
// append-or-revert when a round is cancelled mid-flight.
func (s *Store) Replace(id string, messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return
	}
	entry.session.Messages = append([]models.Message(nil), messages...)
	entry.session.LastActivity = time.Now()
}

// Touch refreshes the session's activity timestamp.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[id]; ok {
		entry.session.LastActivity = time.Now()
	}
}

// CloseSession removes a session.
func (s *Store) CloseSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		if s.metrics != nil {
			s.metrics.ActiveSessions.Dec()
		}
	}
}

// Metrics aggregates counters across live sessions.
func (s *Store) Metrics() (sessions int, messages int, toolCalls int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.sessions {
		sessions++
		messages += entry.session.Metrics.MessageCount
		toolCalls += entry.session.Metrics.ToolCallCount
	}
	return
}

// WithLock runs fn while holding the session's serialization lock, creating
// the session if needed. Same-session requests are processed one at a time;
// different sessions proceed independently.
func (s *Store) WithLock(ctx context.Context, id string, fn func() error) error {
	entry := s.entry(id, true)

	locked := make(chan struct{})
	go func() {
		entry.lock.Lock()
		close(locked)
	}()

	select {
	case <-ctx.Done():
		// The goroutine still acquires the lock eventually; release it.
		go func() {
			<-locked
			entry.lock.Unlock()
		}()
		return ctx.Err()
	case <-locked:
	}
	defer entry.lock.Unlock()

	return fn()
}

// Close stops the reaper.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Store) entry(id string, create bool) *sessionEntry {
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok || !create {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[id]; ok {
		return entry
	}
	now := time.Now()
	entry = &sessionEntry{
		session: models.Session{
			ID:           id,
			CreatedAt:    now,
			LastActivity: now,
		},
	}
	s.sessions[id] = entry
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
	s.logger.Debug("session created", "session_id", id)
	return entry
}

func (s *Store) reapLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Store) reap() {
	cutoff := time.Now().Add(-s.config.Timeout)

	s.mu.Lock()
	var expired []string
	for id, entry := range s.sessions {
		if entry.session.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.sessions, id)
		if s.metrics != nil {
			s.metrics.ActiveSessions.Dec()
		}
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.logger.Info("reaped idle sessions", "count", len(expired))
	}
}

// trimHistory drops the oldest non-system messages until the history fits.
// System messages survive eviction regardless of age.
func trimHistory(messages []models.Message, maxHistory int) []models.Message {
	excess := len(messages) - maxHistory
	if excess <= 0 {
		return messages
	}

	out := make([]models.Message, 0, maxHistory)
	for _, msg := range messages {
		if excess > 0 && msg.Role != models.RoleSystem {
			excess--
			continue
		}
		out = append(out, msg)
	}
	return out
}

func cloneSession(sess *models.Session) models.Session {
	out := *sess
	out.Messages = append([]models.Message(nil), sess.Messages...)
	return out
}
