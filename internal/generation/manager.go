package generation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ebookfactory/internal/book"
	"ebookfactory/internal/gateway"
	"ebookfactory/internal/metrics"
)

const defaultMaxConcurrent = 2

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	MaxConcurrentGenerations int
	// CredentialKey names the environment variable holding the API key.
	CredentialKey        string
	CredentialConfigured bool
}

// Session is one user's workspace: a store plus the orchestrator writing to it.
type Session struct {
	ID           string
	CreatedAt    time.Time
	Store        *book.Store
	Orchestrator *Orchestrator
}

// Manager keeps sessions in memory and bounds how many generations run at once
// across all of them.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	env      *environment
}

// NewManager creates a manager with no sessions. gw may be nil when no
// credential is configured; generation is then refused.
func NewManager(gw gateway.Gateway, opts Options) *Manager {
	if opts.MaxConcurrentGenerations <= 0 {
		opts.MaxConcurrentGenerations = defaultMaxConcurrent
	}
	if opts.CredentialKey == "" {
		opts.CredentialKey = "API_KEY"
	}
	return &Manager{
		sessions: make(map[string]*Session),
		env: &environment{
			gw:            gw,
			baseCtx:       context.Background(),
			credentialKey: opts.CredentialKey,
			hasCredential: opts.CredentialConfigured,
			slots:         make(chan struct{}, opts.MaxConcurrentGenerations),
		},
	}
}

// CreateSession registers a new idle session.
func (m *Manager) CreateSession() *Session {
	id := uuid.NewString()
	store := book.NewStore()
	s := &Session{
		ID:           id,
		CreatedAt:    time.Now(),
		Store:        store,
		Orchestrator: &Orchestrator{sessionID: id, store: store, env: m.env},
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	metrics.Sessions.Inc()

	log.Debug().Str("session_id", id).Msg("session created")
	return s
}

func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	return s, ok
}

// Sessions returns all sessions, oldest first.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Start looks up the session and starts a generation on it.
func (m *Manager) Start(ctx context.Context, sessionID, topic string) (*Session, error) {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, s.Orchestrator.StartGeneration(ctx, topic)
}

// CredentialConfigured reports whether generation is possible at all.
func (m *Manager) CredentialConfigured() bool {
	return m.env.hasCredential
}

// IsBusy reports whether every generation slot is taken.
func (m *Manager) IsBusy() bool {
	return len(m.env.slots) >= cap(m.env.slots)
}

// SetBaseContext sets the parent context of every future run. Cancelling it
// stops all runs; intended to be set at startup and cancelled on shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.env.mu.Lock()
	m.env.baseCtx = ctx
	m.env.mu.Unlock()
}

// WaitAll blocks until all background runs finish or ctx is done.
// Returns true if all runs finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.env.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// UseGateway swaps the AI gateway. Intended for test setup only.
func (m *Manager) UseGateway(gw gateway.Gateway) {
	m.env.mu.Lock()
	m.env.gw = gw
	m.env.mu.Unlock()
}
