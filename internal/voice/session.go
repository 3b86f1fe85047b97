package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Raikerian/go-discord-voice/internal/metrics"
)

// Session defaults.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultDiscoveryTimeout  = 5 * time.Second
	DefaultCloseTimeout      = 5 * time.Second
	DefaultHeartbeatInterval = 41250 * time.Millisecond
)

// Params identify the voice session. They come from the main gateway.
type Params struct {
	GuildID   discord.GuildID
	ChannelID discord.ChannelID
	UserID    discord.UserID
	SessionID string
	Token     string
	Endpoint  string
}

// Options tune a Session. Encoder is required.
type Options struct {
	HandshakeTimeout time.Duration
	DiscoveryTimeout time.Duration
	CloseTimeout     time.Duration
	Pacer            PacerConfig

	// Scheme of the control URL, "wss" unless set.
	Scheme   string
	Dial     Dialer
	Resolver Resolver
	Encoder  Encoder
	Metrics  *metrics.Voice
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.Scheme == "" {
		o.Scheme = "wss"
	}
	if o.Dial == nil {
		o.Dial = DialWebsocket
	}
	if o.Resolver == nil {
		o.Resolver = net.DefaultResolver
	}
	o.Pacer = o.Pacer.withDefaults()

	return o
}

// Parameters is a snapshot of what the server negotiated.
type Parameters struct {
	SSRC              uint32
	ServerIP          net.IP
	UDPPort           int
	Modes             []string
	SelectedMode      string
	HeartbeatInterval time.Duration
}

// Session is one voice connection: a control channel, a media socket and at
// most one active pacer. Negotiated parameters are guarded by mu; they are
// written by the receive loop and read by discovery and playback.
type Session struct {
	logger  *zap.Logger
	metrics *metrics.Voice
	opts    Options
	params  Params

	endpoint Endpoint
	media    *MediaChannel
	state    *fsm.FSM
	clock    *FrameClock

	mu            sync.RWMutex
	control       *ControlChannel
	gotReady      bool
	negotiated    Parameters
	helloInterval time.Duration

	ready   atomic.Bool
	closed  atomic.Bool
	counted atomic.Bool

	readyCh chan ReadyData
	descCh  chan SessionDescriptionData

	heartbeatOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	playMu  sync.Mutex
	pacer   *Pacer
	closing bool

	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
	done      chan struct{}
}

// NewSession resolves the endpoint and opens the media socket. It does not
// contact the server; call Connect for the handshake.
func NewSession(ctx context.Context, logger *zap.Logger, params Params, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if opts.Encoder == nil {
		return nil, errors.New("voice session requires an encoder")
	}

	logger = logger.With(
		zap.Stringer("guild_id", params.GuildID),
		zap.Stringer("channel_id", params.ChannelID))

	logger.Debug("Resolving voice endpoint", zap.String("endpoint", params.Endpoint))

	ep, err := ResolveEndpoint(ctx, opts.Resolver, params.Endpoint)
	if err != nil {
		opts.Metrics.HandshakeFailed("resolve")

		return nil, err
	}

	logger.Debug("Resolved voice endpoint",
		zap.String("host", ep.Host),
		zap.Stringer("ip", ep.IP))

	media, err := ListenMedia(logger.Named("media"))
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(sctx)

	return &Session{
		logger:   logger,
		metrics:  opts.Metrics,
		opts:     opts,
		params:   params,
		endpoint: ep,
		media:    media,
		state:    newHandshakeFSM(logger),
		clock:    NewFrameClock(0, 0),
		readyCh:  make(chan ReadyData, 1),
		descCh:   make(chan SessionDescriptionData, 1),
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
		done:     make(chan struct{}),
	}, nil
}

// Start creates a session and runs the handshake.
func Start(ctx context.Context, logger *zap.Logger, params Params, opts Options) (*Session, error) {
	s, err := NewSession(ctx, logger, params, opts)
	if err != nil {
		return nil, err
	}

	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Connect dials the control channel and drives the handshake until the
// session description arrives. Any failure closes the session; the caller
// must construct a new one to retry.
func (s *Session) Connect(ctx context.Context) (err error) {
	if !s.state.Is(StateConnecting) {
		return fmt.Errorf("voice session cannot connect in state %s", s.state.Current())
	}

	started := time.Now()
	stage := "dial"

	defer func() {
		if err != nil {
			s.metrics.HandshakeFailed(stage)
			s.logger.Warn("Voice handshake failed", zap.String("stage", stage), zap.Error(err))
			_ = s.Close()
		}
	}()

	url := s.endpoint.ControlURL(s.opts.Scheme)
	s.logger.Debug("Opening control channel", zap.String("url", url))

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	conn, err := s.opts.Dial(dialCtx, url)
	cancel()
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}

	control := NewControlChannel(conn, s.logger.Named("control"), s.metrics)

	s.mu.Lock()
	s.control = control
	s.mu.Unlock()

	if s.closed.Load() {
		_ = control.Close()

		return ErrSessionClosed
	}

	s.group.Go(s.receive)

	stage = "identify"
	if err := control.Identify(IdentifyData{
		ServerID:  s.params.GuildID,
		UserID:    s.params.UserID,
		SessionID: s.params.SessionID,
		Token:     s.params.Token,
	}); err != nil {
		return fmt.Errorf("%w: identify: %w", ErrControlChannelLost, err)
	}
	if err := s.transition(eventIdentify); err != nil {
		return err
	}
	if err := s.transition(eventAwaitReady); err != nil {
		return err
	}

	stage = "ready"
	ready, err := awaitMessage(ctx, s, s.readyCh, "ready")
	if err != nil {
		return err
	}
	if err := s.transition(eventReady); err != nil {
		return err
	}
	if len(ready.Modes) == 0 {
		return ErrNoModes
	}

	stage = "discovery"
	addr, err := s.media.Discover(ctx, ready.SSRC, s.mediaTarget(), s.opts.DiscoveryTimeout)
	if err != nil {
		if s.closed.Load() {
			return s.terminalErr()
		}

		return fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}

	stage = "select_protocol"
	mode := ready.Modes[0]
	if err := control.SelectProtocol(addr, mode); err != nil {
		return fmt.Errorf("%w: select protocol: %w", ErrControlChannelLost, err)
	}
	if err := s.transition(eventProtocolSelected); err != nil {
		return err
	}

	stage = "session_description"
	desc, err := awaitMessage(ctx, s, s.descCh, "session description")
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.negotiated.SelectedMode = desc.Mode
	s.mu.Unlock()

	if err := s.transition(eventSessionDescription); err != nil {
		return err
	}

	if s.ready.CompareAndSwap(false, true) {
		s.counted.Store(true)
		s.metrics.SessionOpened()
		s.metrics.HandshakeCompleted(time.Since(started))
	}

	s.logger.Info("Voice session ready",
		zap.Uint32("ssrc", ready.SSRC),
		zap.String("mode", desc.Mode),
		zap.String("public_ip", addr.IP),
		zap.Uint16("public_port", addr.Port),
		zap.Duration("took", time.Since(started)))

	return nil
}

// Play streams src until it is exhausted or stopped. The session takes
// ownership of src and closes it in every case, including rejection. Media
// send failures end playback with StopReasonSendFailed and no error.
func (s *Session) Play(ctx context.Context, src io.ReadCloser) (StopReason, error) {
	s.playMu.Lock()
	switch {
	case s.closing:
		s.playMu.Unlock()
		_ = src.Close()

		return StopReasonClosed, ErrSessionClosed
	case s.pacer != nil:
		s.playMu.Unlock()
		_ = src.Close()

		return StopReasonStopped, ErrAlreadyPlaying
	case !s.ready.Load():
		s.playMu.Unlock()
		_ = src.Close()

		return StopReasonStopped, ErrNotReady
	}

	if err := s.transition(eventPlay); err != nil {
		s.playMu.Unlock()
		_ = src.Close()

		return StopReasonStopped, err
	}

	target := s.mediaTarget()
	ssrc := s.Parameters().SSRC

	p := NewPacer(
		s.logger.Named("pacer"),
		s.metrics,
		s.opts.Pacer,
		s.opts.Encoder,
		s.clock,
		ssrc,
		func(packet []byte) error {
			return s.media.Send(packet, target.Port, target.IP)
		},
		s.SetSpeaking,
	)
	s.pacer = p
	s.playMu.Unlock()

	s.logger.Info("Starting playback", zap.Stringer("target", target))

	reason, err := p.Run(ctx, src)

	s.playMu.Lock()
	s.pacer = nil
	s.playMu.Unlock()

	if s.closed.Load() {
		return StopReasonClosed, err
	}

	_ = s.transition(eventPause)

	s.logger.Info("Playback ended", zap.Stringer("reason", reason))

	return reason, err
}

// Stop ends the current playback, if any. No packet is sent after it returns.
func (s *Session) Stop() {
	s.playMu.Lock()
	p := s.pacer
	s.playMu.Unlock()

	if p != nil {
		p.Stop()
	}
}

// SetSpeaking sends the speaking indicator.
func (s *Session) SetSpeaking(speaking bool) error {
	s.mu.RLock()
	control := s.control
	ssrc := s.negotiated.SSRC
	s.mu.RUnlock()

	if control == nil || !s.ready.Load() {
		return ErrNotReady
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}

	return control.Speaking(speaking, ssrc)
}

// Ready reports whether the handshake completed and the session is open.
func (s *Session) Ready() bool {
	return s.ready.Load() && !s.closed.Load()
}

// Playing reports whether a pacer is streaming.
func (s *Session) Playing() bool {
	s.playMu.Lock()
	defer s.playMu.Unlock()

	return s.pacer != nil && s.pacer.Playing()
}

// State returns the current handshake state.
func (s *Session) State() string {
	return s.state.Current()
}

// Parameters returns a copy of the negotiated parameters.
func (s *Session) Parameters() Parameters {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.negotiated
	p.Modes = append([]string(nil), s.negotiated.Modes...)

	return p
}

// Params returns the identifiers the session was created with.
func (s *Session) Params() Params {
	return s.params
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended on its own, or nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

// Close stops playback and the heartbeat, then closes both channels. It waits
// for background loops up to the close timeout. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.state.Event(context.Background(), eventClose)

		s.playMu.Lock()
		s.closing = true
		p := s.pacer
		s.playMu.Unlock()

		if p != nil {
			p.Stop()
		}

		s.cancel()

		s.mu.RLock()
		control := s.control
		s.mu.RUnlock()

		if control != nil {
			_ = control.Close()
		}
		_ = s.media.Close()

		waited := make(chan struct{})
		go func() {
			_ = s.group.Wait()
			close(waited)
		}()

		select {
		case <-waited:
		case <-time.After(s.opts.CloseTimeout):
			s.logger.Warn("Voice session loops did not exit in time",
				zap.Duration("timeout", s.opts.CloseTimeout))
		}

		if s.counted.Load() {
			s.metrics.SessionClosed()
		}

		s.logger.Info("Voice session closed", zap.Error(s.Err()))
		close(s.done)
	})

	return nil
}

func (s *Session) receive() error {
	s.mu.RLock()
	control := s.control
	s.mu.RUnlock()

	err := control.Receive(s.ctx, s.handle)
	if err != nil {
		s.fail(err)
	}

	return err
}

func (s *Session) handle(op Opcode, payload any) {
	switch v := payload.(type) {
	case *HelloData:
		s.mu.Lock()
		s.helloInterval = intervalFromMillis(v.HeartbeatInterval)
		s.mu.Unlock()
	case *ReadyData:
		s.onReady(*v)
	case *SessionDescriptionData:
		select {
		case s.descCh <- *v:
		default:
			s.logger.Warn("Ignoring repeated session description")
		}
	default:
		s.logger.Debug("Unhandled control payload", zap.Int("op", int(op)))
	}
}

func (s *Session) onReady(ready ReadyData) {
	s.mu.Lock()
	if s.gotReady {
		s.mu.Unlock()
		s.logger.Warn("Ignoring repeated ready")

		return
	}
	s.gotReady = true

	interval := intervalFromMillis(ready.HeartbeatInterval)
	if interval <= 0 {
		interval = s.helloInterval
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
		s.logger.Warn("Server sent no heartbeat interval, using default",
			zap.Duration("interval", interval))
	}

	s.negotiated = Parameters{
		SSRC:              ready.SSRC,
		ServerIP:          net.ParseIP(ready.IP),
		UDPPort:           ready.Port,
		Modes:             append([]string(nil), ready.Modes...),
		HeartbeatInterval: interval,
	}
	control := s.control
	s.mu.Unlock()

	s.logger.Debug("Received ready",
		zap.Uint32("ssrc", ready.SSRC),
		zap.Int("port", ready.Port),
		zap.Strings("modes", ready.Modes),
		zap.Duration("heartbeat_interval", interval))

	s.heartbeatOnce.Do(func() {
		if s.ctx.Err() != nil {
			return
		}
		s.group.Go(func() error {
			err := control.RunHeartbeat(s.ctx, interval)
			if err != nil {
				s.fail(err)
			}

			return err
		})
	})

	s.readyCh <- ready
}

// mediaTarget is the server's media address: the Ready ip when given,
// otherwise the resolved control endpoint.
func (s *Session) mediaTarget() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ip := s.negotiated.ServerIP
	if ip == nil {
		ip = s.endpoint.IP
	}

	return &net.UDPAddr{IP: ip, Port: s.negotiated.UDPPort}
}

func (s *Session) transition(event string) error {
	if err := s.state.Event(context.Background(), event); err != nil {
		if s.closed.Load() {
			return ErrSessionClosed
		}

		return fmt.Errorf("voice session %s: %w", event, err)
	}

	return nil
}

// fail records a fatal error and closes the session asynchronously, since it
// runs inside the loops Close waits for.
func (s *Session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil && !s.closed.Load() {
		s.err = err
	}
	s.errMu.Unlock()

	s.logger.Warn("Voice session failed", zap.Error(err))

	go s.Close() //nolint:errcheck
}

func (s *Session) terminalErr() error {
	if err := s.Err(); err != nil {
		return err
	}

	return ErrSessionClosed
}

func awaitMessage[T any](ctx context.Context, s *Session, ch <-chan T, stage string) (T, error) {
	var zero T

	timer := time.NewTimer(s.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v, nil
	case <-timer.C:
		return zero, fmt.Errorf("%w: waiting for %s", ErrHandshakeTimeout, stage)
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.ctx.Done():
		return zero, s.terminalErr()
	}
}
