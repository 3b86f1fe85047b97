package voice

import (
	"maps"
	"sync"

	"github.com/diamondburned/arikawa/v3/discord"
	"go.uber.org/zap"
)

// SessionManager tracks at most one voice session per guild.
type SessionManager interface {
	// Add registers s for its guild.
	Add(s *Session) error

	// Get returns the guild's session.
	Get(guildID discord.GuildID) (*Session, error)

	// Remove unregisters s if it is still the guild's session.
	Remove(s *Session) bool

	// All returns a snapshot of every session.
	All() map[discord.GuildID]*Session
}

type sessionManager struct {
	logger   *zap.Logger
	sessions map[discord.GuildID]*Session
	mu       sync.RWMutex
}

// NewSessionManager creates an empty SessionManager.
func NewSessionManager(logger *zap.Logger) SessionManager {
	return &sessionManager{
		logger:   logger,
		sessions: make(map[discord.GuildID]*Session),
	}
}

func (sm *sessionManager) Add(s *Session) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	guildID := s.Params().GuildID
	if _, exists := sm.sessions[guildID]; exists {
		return ErrSessionAlreadyExists
	}

	sm.sessions[guildID] = s

	sm.logger.Debug("Registered voice session",
		zap.Stringer("guild_id", guildID),
		zap.Int("sessions", len(sm.sessions)))

	return nil
}

func (sm *sessionManager) Get(guildID discord.GuildID) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s, exists := sm.sessions[guildID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	return s, nil
}

func (sm *sessionManager) Remove(s *Session) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	guildID := s.Params().GuildID
	if sm.sessions[guildID] != s {
		return false
	}

	delete(sm.sessions, guildID)

	sm.logger.Debug("Unregistered voice session",
		zap.Stringer("guild_id", guildID),
		zap.Int("sessions", len(sm.sessions)))

	return true
}

func (sm *sessionManager) All() map[discord.GuildID]*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return maps.Clone(sm.sessions)
}
