// Package session tracks the lifecycle of voice-channel recording sessions:
// one live session per tracked channel, created when the first speaker joins,
// closed when the channel empties or the idle timeout fires.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/internal/observe"
)

// Defaults for the idle sweeper.
const (
	defaultIdleTimeout   = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Store persists sessions and participants. Implemented by the postgres
// session repo.
type Store interface {
	Create(ctx context.Context, channelID, channelName, guildID string) (conv.Session, error)
	End(ctx context.Context, sessionID string, status conv.SessionStatus, endedAt time.Time) error
	Active(ctx context.Context) ([]conv.Session, error)
	AddParticipant(ctx context.Context, p conv.Participant) error
	MarkParticipantLeft(ctx context.Context, sessionID, userID string, at time.Time) error
}

// AliasSeeder registers a joining user's names as speaker aliases.
type AliasSeeder interface {
	Seed(ctx context.Context, userID, username, displayName string) error
}

// EndObserver is notified after a session has been closed in the store.
// Observers flush their per-session state: the boundary detector promotes
// pending utterances, the exchange detector flushes its idea window.
type EndObserver interface {
	SessionEnded(ctx context.Context, s conv.Session)
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Store is the session persistence layer. Required.
	Store Store

	// Aliases seeds speaker aliases on join. Optional.
	Aliases AliasSeeder

	// IdleTimeout is the inactivity span after which a session is
	// abandoned. Defaults to 5 minutes if zero.
	IdleTimeout time.Duration

	// SweepInterval is how often the idle sweeper runs. Defaults to 30
	// seconds if zero.
	SweepInterval time.Duration

	// Metrics is optional.
	Metrics *observe.Metrics
}

// live is the in-memory state of one active session.
type live struct {
	session      conv.Session
	participants map[string]struct{}
	lastActivity time.Time
}

// Manager owns the channel-to-session map. All methods are safe for
// concurrent use.
type Manager struct {
	store   Store
	aliases AliasSeeder
	metrics *observe.Metrics

	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu        sync.Mutex
	byChannel map[string]*live
	observers []EndObserver

	now func() time.Time
}

// NewManager creates a new [Manager] with the given configuration.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Manager{
		store:         cfg.Store,
		aliases:       cfg.Aliases,
		metrics:       cfg.Metrics,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		byChannel:     make(map[string]*live),
		now:           time.Now,
	}
}

// OnEnd registers an end observer. Must be called before the manager starts
// handling joins.
func (m *Manager) OnEnd(obs EndObserver) {
	m.observers = append(m.observers, obs)
}

// Join records a user entering a tracked voice channel, creating the session
// on the first join.
func (m *Manager) Join(ctx context.Context, channelID, channelName, guildID, userID, username, displayName string) error {
	m.mu.Lock()
	l, ok := m.byChannel[channelID]
	if !ok {
		m.mu.Unlock()
		s, err := m.store.Create(ctx, channelID, channelName, guildID)
		if err != nil {
			return fmt.Errorf("session manager: create for channel %s: %w", channelID, err)
		}
		m.mu.Lock()
		// A concurrent join may have won the race; keep the first session.
		if existing, ok := m.byChannel[channelID]; ok {
			l = existing
		} else {
			l = &live{
				session:      s,
				participants: make(map[string]struct{}),
				lastActivity: m.now(),
			}
			m.byChannel[channelID] = l
			if m.metrics != nil {
				m.metrics.ActiveSessions.Add(ctx, 1)
			}
			slog.Info("session started", "session_id", s.ID, "channel_id", channelID, "channel", channelName)
		}
	}
	_, known := l.participants[userID]
	l.participants[userID] = struct{}{}
	l.lastActivity = m.now()
	session := l.session
	m.mu.Unlock()

	if known {
		return nil
	}
	if err := m.store.AddParticipant(ctx, conv.Participant{
		SessionID:   session.ID,
		UserID:      userID,
		Username:    username,
		DisplayName: displayName,
		JoinedAt:    m.now().UTC(),
	}); err != nil {
		return fmt.Errorf("session manager: add participant %s: %w", userID, err)
	}
	if m.aliases != nil {
		if err := m.aliases.Seed(ctx, userID, username, displayName); err != nil {
			slog.Warn("session manager: alias seed failed", "user_id", userID, "error", err)
		}
	}
	slog.Debug("participant joined", "session_id", session.ID, "user_id", userID, "username", username)
	return nil
}

// Leave records a user leaving the channel. When the last participant
// leaves, the session ends normally.
func (m *Manager) Leave(ctx context.Context, channelID, userID string) error {
	m.mu.Lock()
	l, ok := m.byChannel[channelID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(l.participants, userID)
	empty := len(l.participants) == 0
	session := l.session
	m.mu.Unlock()

	if err := m.store.MarkParticipantLeft(ctx, session.ID, userID, m.now()); err != nil {
		return fmt.Errorf("session manager: mark left %s: %w", userID, err)
	}
	slog.Debug("participant left", "session_id", session.ID, "user_id", userID)

	if empty {
		return m.End(ctx, channelID, conv.SessionEnded)
	}
	return nil
}

// ByChannel returns the live session for a channel.
func (m *Manager) ByChannel(channelID string) (conv.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byChannel[channelID]
	if !ok {
		return conv.Session{}, false
	}
	return l.session, true
}

// Touch bumps the channel's activity timestamp, deferring the idle timeout.
func (m *Manager) Touch(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.byChannel[channelID]; ok {
		l.lastActivity = m.now()
	}
}

// End closes the channel's session with the given terminal status and
// notifies the end observers. Ending an untracked channel is a no-op.
func (m *Manager) End(ctx context.Context, channelID string, status conv.SessionStatus) error {
	m.mu.Lock()
	l, ok := m.byChannel[channelID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.byChannel, channelID)
	session := l.session
	m.mu.Unlock()

	endedAt := m.now()
	if err := m.store.End(ctx, session.ID, status, endedAt); err != nil {
		return fmt.Errorf("session manager: end %s: %w", session.ID, err)
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
	ended := endedAt.UTC()
	session.EndedAt = &ended
	session.Status = status
	slog.Info("session ended", "session_id", session.ID, "channel_id", channelID, "status", status)

	for _, obs := range m.observers {
		obs.SessionEnded(ctx, session)
	}
	return nil
}

// EndAll closes every live session, normally during graceful shutdown.
func (m *Manager) EndAll(ctx context.Context, status conv.SessionStatus) error {
	m.mu.Lock()
	channels := make([]string, 0, len(m.byChannel))
	for id := range m.byChannel {
		channels = append(channels, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range channels {
		if err := m.End(ctx, id, status); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CloseOrphans marks sessions left active by a previous crash as abandoned.
// Called once at startup, before any joins.
func (m *Manager) CloseOrphans(ctx context.Context) error {
	orphans, err := m.store.Active(ctx)
	if err != nil {
		return fmt.Errorf("session manager: list orphans: %w", err)
	}
	for _, s := range orphans {
		if err := m.store.End(ctx, s.ID, conv.SessionAbandoned, m.now()); err != nil {
			return fmt.Errorf("session manager: close orphan %s: %w", s.ID, err)
		}
		slog.Warn("closed orphaned session", "session_id", s.ID, "channel_id", s.ChannelID)
	}
	return nil
}

// Run sweeps for idle sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep abandons every session idle for longer than the timeout.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []string
	for id, l := range m.byChannel {
		if l.lastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		slog.Info("abandoning idle session", "channel_id", id, "timeout", m.idleTimeout)
		if err := m.End(ctx, id, conv.SessionAbandoned); err != nil {
			slog.Error("session manager: abandon failed", "channel_id", id, "error", err)
		}
	}
}
