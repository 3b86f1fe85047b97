package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/diamondburned/arikawa/v3/discord"
	"go.uber.org/zap"

	"github.com/Raikerian/go-discord-voice/internal/config"
	"github.com/Raikerian/go-discord-voice/internal/metrics"
	"github.com/Raikerian/go-discord-voice/pkg/audio"
	"github.com/Raikerian/go-discord-voice/pkg/util"
)

// EncoderFactory creates a fresh encoder for every session.
type EncoderFactory func() (Encoder, error)

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithDialer replaces the control channel dialer.
func WithDialer(d Dialer) ServiceOption {
	return func(s *Service) { s.dial = d }
}

// WithResolver replaces the endpoint resolver.
func WithResolver(r Resolver) ServiceOption {
	return func(s *Service) { s.resolver = r }
}

// WithEncoderFactory replaces the Opus encoder.
func WithEncoderFactory(f EncoderFactory) ServiceOption {
	return func(s *Service) { s.newEncoder = f }
}

// WithScheme sets the control channel URL scheme.
func WithScheme(scheme string) ServiceOption {
	return func(s *Service) { s.scheme = scheme }
}

// Service owns every voice session of the bot, one per guild.
type Service struct {
	logger    *zap.Logger
	cfg       *config.VoiceConfig
	metrics   *metrics.Voice
	connector Connector
	sessions  SessionManager

	dial       Dialer
	resolver   Resolver
	scheme     string
	newEncoder EncoderFactory

	// joinMu serializes joins and leaves so a guild never has two handshakes.
	joinMu sync.Mutex

	idleMu sync.Mutex
	idle   map[discord.GuildID]*util.IdleTimer

	started map[*Session]time.Time
}

// SessionStatus describes a guild's voice session.
type SessionStatus struct {
	GuildID   discord.GuildID
	ChannelID discord.ChannelID
	State     string
	Ready     bool
	Playing   bool
	SSRC      uint32
	Mode      string
	StartTime time.Time
}

// NewService creates a Service.
func NewService(
	logger *zap.Logger,
	cfg *config.Config,
	m *metrics.Voice,
	connector Connector,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		logger:    logger,
		cfg:       &cfg.Voice,
		metrics:   m,
		connector: connector,
		sessions:  NewSessionManager(logger.Named("sessions")),
		idle:      make(map[discord.GuildID]*util.IdleTimer),
		started:   make(map[*Session]time.Time),
	}
	s.newEncoder = func() (Encoder, error) {
		return audio.NewOpusEncoder(s.cfg.Bitrate)
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// StartSession runs the voice handshake with identifiers from the main gateway
// and registers the resulting session.
func (s *Service) StartSession(ctx context.Context, params Params) (*Session, error) {
	if _, err := s.sessions.Get(params.GuildID); err == nil {
		return nil, ErrSessionAlreadyExists
	}

	enc, err := s.newEncoder()
	if err != nil {
		return nil, err
	}

	sess, err := Start(ctx, s.logger.Named("session"), params, s.sessionOptions(enc))
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Add(sess); err != nil {
		_ = sess.Close()

		return nil, err
	}

	s.idleMu.Lock()
	s.started[sess] = time.Now()
	s.idleMu.Unlock()

	s.armIdle(params.GuildID)
	go s.watch(sess)

	return sess, nil
}

// Join connects the bot to a voice channel, reusing the guild's session when
// it is already in that channel and moving it otherwise.
func (s *Service) Join(ctx context.Context, guildID discord.GuildID, channelID discord.ChannelID) (*Session, error) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	if existing, err := s.sessions.Get(guildID); err == nil {
		if existing.Params().ChannelID == channelID && existing.Ready() {
			return existing, nil
		}

		s.logger.Info("Moving voice session",
			zap.Stringer("guild_id", guildID),
			zap.Stringer("from", existing.Params().ChannelID),
			zap.Stringer("to", channelID))
		s.drop(existing)
	}

	params, err := s.connector.Join(ctx, guildID, channelID)
	if err != nil {
		s.leaveGateway(guildID)

		return nil, err
	}

	sess, err := s.StartSession(ctx, params)
	if err != nil {
		s.leaveGateway(guildID)

		return nil, fmt.Errorf("failed to start voice session: %w", err)
	}

	return sess, nil
}

// Play streams src on the guild's session and blocks until playback ends.
// src is always closed.
func (s *Service) Play(ctx context.Context, guildID discord.GuildID, src io.ReadCloser) (StopReason, error) {
	sess, err := s.sessions.Get(guildID)
	if err != nil {
		_ = src.Close()

		return StopReasonStopped, err
	}

	s.holdIdle(guildID)
	defer s.armIdle(guildID)

	return sess.Play(ctx, src)
}

// Stop ends playback in the guild.
func (s *Service) Stop(guildID discord.GuildID) error {
	sess, err := s.sessions.Get(guildID)
	if err != nil {
		return err
	}

	sess.Stop()

	return nil
}

// Leave closes the guild's session and leaves the voice channel.
func (s *Service) Leave(ctx context.Context, guildID discord.GuildID) error {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	sess, err := s.sessions.Get(guildID)
	if err != nil {
		return err
	}

	s.drop(sess)

	return s.connector.Leave(ctx, guildID)
}

// Status reports on the guild's session.
func (s *Service) Status(guildID discord.GuildID) (SessionStatus, error) {
	sess, err := s.sessions.Get(guildID)
	if err != nil {
		return SessionStatus{}, err
	}

	return s.status(sess), nil
}

// Sessions reports on every session.
func (s *Service) Sessions() []SessionStatus {
	all := s.sessions.All()
	out := make([]SessionStatus, 0, len(all))
	for _, sess := range all {
		out = append(out, s.status(sess))
	}

	return out
}

// Shutdown closes every session and leaves every channel.
func (s *Service) Shutdown(ctx context.Context) error {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	var errs []error
	for guildID, sess := range s.sessions.All() {
		s.drop(sess)
		if err := s.connector.Leave(ctx, guildID); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("Voice service shut down")

	return errors.Join(errs...)
}

// OpenMedia opens a file from the media directory. Raw PCM files (.pcm, .raw)
// are read directly; anything else is decoded with ffmpeg.
func (s *Service) OpenMedia(ctx context.Context, name string) (io.ReadCloser, error) {
	clean := filepath.Base(filepath.Clean("/" + name))
	if clean == "/" || clean == "." {
		return nil, fmt.Errorf("%w: %q", ErrMediaNotFound, name)
	}

	path := filepath.Join(s.cfg.MediaDir, clean)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMediaNotFound, clean)
	}

	switch strings.ToLower(filepath.Ext(clean)) {
	case ".pcm", ".raw":
		return audio.OpenRaw(path)
	default:
		return audio.OpenFile(ctx, s.cfg.FFmpegPath, path)
	}
}

func (s *Service) sessionOptions(enc Encoder) Options {
	return Options{
		HandshakeTimeout: s.cfg.HandshakeTimeout.Std(),
		DiscoveryTimeout: s.cfg.DiscoveryTimeout.Std(),
		CloseTimeout:     s.cfg.CloseTimeout.Std(),
		Pacer: PacerConfig{
			UnderrunBackoff: time.Duration(s.cfg.UnderrunBackoffFrames) * audio.FrameDuration,
			MaxUnderruns:    s.cfg.MaxConsecutiveUnderruns,
		},
		Scheme:   s.scheme,
		Dial:     s.dial,
		Resolver: s.resolver,
		Encoder:  enc,
		Metrics:  s.metrics,
	}
}

func (s *Service) status(sess *Session) SessionStatus {
	p := sess.Params()
	n := sess.Parameters()

	s.idleMu.Lock()
	started := s.started[sess]
	s.idleMu.Unlock()

	return SessionStatus{
		GuildID:   p.GuildID,
		ChannelID: p.ChannelID,
		State:     sess.State(),
		Ready:     sess.Ready(),
		Playing:   sess.Playing(),
		SSRC:      n.SSRC,
		Mode:      n.SelectedMode,
		StartTime: started,
	}
}

// watch drops a session that ends on its own, e.g. when the control channel
// is lost. Callers rejoin to reconnect. The leave runs under joinMu so it
// cannot land after a newer Join for the guild.
func (s *Service) watch(sess *Session) {
	<-sess.Done()

	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	guildID := sess.Params().GuildID
	if !s.sessions.Remove(sess) {
		return
	}

	s.stopIdle(guildID, sess)

	s.logger.Warn("Voice session ended unexpectedly",
		zap.Stringer("guild_id", guildID),
		zap.Error(sess.Err()))

	s.leaveGateway(guildID)
}

// drop unregisters and closes sess.
func (s *Service) drop(sess *Session) {
	s.sessions.Remove(sess)
	s.stopIdle(sess.Params().GuildID, sess)
	_ = sess.Close()
}

func (s *Service) leaveGateway(guildID discord.GuildID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout.Std())
	defer cancel()

	if err := s.connector.Leave(ctx, guildID); err != nil {
		s.logger.Warn("Failed to leave voice channel", zap.Stringer("guild_id", guildID), zap.Error(err))
	}
}

func (s *Service) armIdle(guildID discord.GuildID) {
	timeout := s.cfg.IdleTimeout.Std()
	if timeout <= 0 {
		return
	}
	if _, err := s.sessions.Get(guildID); err != nil {
		return
	}

	s.idleMu.Lock()
	defer s.idleMu.Unlock()

	if t, ok := s.idle[guildID]; ok {
		t.Reset()

		return
	}

	s.idle[guildID] = util.NewIdleTimer(timeout, func() {
		s.logger.Info("Leaving idle voice channel",
			zap.Stringer("guild_id", guildID),
			zap.Duration("idle", timeout))

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout.Std())
		defer cancel()

		if err := s.Leave(ctx, guildID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.logger.Warn("Failed to leave idle voice channel", zap.Error(err))
		}
	})
}

func (s *Service) holdIdle(guildID discord.GuildID) {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()

	if t, ok := s.idle[guildID]; ok {
		t.Hold()
	}
}

func (s *Service) stopIdle(guildID discord.GuildID, sess *Session) {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()

	if t, ok := s.idle[guildID]; ok {
		t.Stop()
		delete(s.idle, guildID)
	}
	delete(s.started, sess)
}
