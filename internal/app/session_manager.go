package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/session"
)

var (
	// ErrSessionExists is returned by [SessionManager.Create] for an ID that
	// is already live.
	ErrSessionExists = errors.New("app: session already exists")

	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("app: session not found")
)

// SessionManager tracks the live sessions, one per call.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	template session.Config
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewSessionManager creates a manager that builds every session from
// template. The template's ID is ignored.
func NewSessionManager(template session.Config, metrics *observe.Metrics, log *slog.Logger) *SessionManager {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*session.Session),
		template: template,
		metrics:  metrics,
		log:      log,
	}
}

// SetTemplate replaces the configuration used for sessions created from now
// on. Live sessions keep theirs.
func (sm *SessionManager) SetTemplate(template session.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.template = template
}

// Create starts a new session under id.
func (sm *SessionManager) Create(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, errors.New("app: session id is required")
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	cfg := sm.template
	cfg.ID = id
	cfg.Logger = sm.log
	s, err := session.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: create session %s: %w", id, err)
	}
	sm.sessions[id] = s
	sm.metrics.ActiveSessions.Add(ctx, 1)

	sm.log.Info("session started", "session_id", id, "active", len(sm.sessions))
	return s, nil
}

// Get returns the live session with the given id.
func (sm *SessionManager) Get(id string) (*session.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close stops the session's audio and forgets it.
func (sm *SessionManager) Close(ctx context.Context, id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	remaining := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sm.metrics.ActiveSessions.Add(ctx, -1)
	if err := s.Close(); err != nil {
		return fmt.Errorf("app: close session %s: %w", id, err)
	}
	sm.log.Info("session stopped", "session_id", id, "active", remaining)
	return nil
}

// CloseAll closes every live session. Used during shutdown.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, id := range sm.IDs() {
		if err := sm.Close(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IDs returns the live session IDs, sorted.
func (sm *SessionManager) IDs() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return slices.Sorted(maps.Keys(sm.sessions))
}

// List returns a snapshot of every live session, sorted by ID.
func (sm *SessionManager) List() []session.Info {
	sm.mu.Lock()
	live := slices.Collect(maps.Values(sm.sessions))
	sm.mu.Unlock()

	out := make([]session.Info, 0, len(live))
	for _, s := range live {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b session.Info) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}
