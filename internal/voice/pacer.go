package voice

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Raikerian/go-discord-voice/internal/metrics"
	"github.com/Raikerian/go-discord-voice/pkg/audio"
)

// Pacer defaults.
const (
	DefaultUnderrunBackoffFrames = 10
	DefaultMaxUnderruns          = 2
	DefaultStopTimeout           = 2 * time.Second
)

// Encoder turns one raw frame into a media payload.
type Encoder interface {
	Encode(frame []byte) ([]byte, error)
}

// PacerConfig tunes the streaming loop.
type PacerConfig struct {
	FrameDuration time.Duration
	// UnderrunBackoff is how long to wait after an empty or short read.
	UnderrunBackoff time.Duration
	// MaxUnderruns consecutive underruns end the stream.
	MaxUnderruns int
	// StopTimeout bounds how long Stop waits for the loop to exit.
	StopTimeout time.Duration
}

func (c PacerConfig) withDefaults() PacerConfig {
	if c.FrameDuration <= 0 {
		c.FrameDuration = audio.FrameDuration
	}
	if c.UnderrunBackoff <= 0 {
		c.UnderrunBackoff = DefaultUnderrunBackoffFrames * c.FrameDuration
	}
	if c.MaxUnderruns <= 0 {
		c.MaxUnderruns = DefaultMaxUnderruns
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}

	return c
}

// Pacer streams fixed-size frames from a source at real-time cadence. A Pacer
// runs once; create a new one for every stream.
type Pacer struct {
	logger  *zap.Logger
	metrics *metrics.Voice
	cfg     PacerConfig

	encoder Encoder
	clock   *FrameClock
	ssrc    uint32
	send    func(packet []byte) error
	speak   func(speaking bool) error

	// mu orders sends against Stop: once Stop has flipped playing, no send
	// can start.
	mu      sync.Mutex
	playing bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	srcMu     sync.Mutex
	src       io.Closer
	srcClosed bool
}

// NewPacer creates a pacer writing packets through send. speak is called with
// true before the first frame and after every recovered underrun, and with
// false when the loop exits.
func NewPacer(
	logger *zap.Logger,
	m *metrics.Voice,
	cfg PacerConfig,
	encoder Encoder,
	clock *FrameClock,
	ssrc uint32,
	send func(packet []byte) error,
	speak func(speaking bool) error,
) *Pacer {
	return &Pacer{
		logger:  logger,
		metrics: m,
		cfg:     cfg.withDefaults(),
		encoder: encoder,
		clock:   clock,
		ssrc:    ssrc,
		send:    send,
		speak:   speak,
		playing: true,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run streams src until it is exhausted, Stop is called, ctx is canceled or a
// send fails. src is closed exactly once before Run returns. A failed send ends
// the stream with StopReasonSendFailed and a nil error.
func (p *Pacer) Run(ctx context.Context, src io.ReadCloser) (reason StopReason, err error) {
	p.srcMu.Lock()
	p.src = src
	p.srcMu.Unlock()

	defer close(p.done)
	defer p.closeSource()
	defer p.halt()

	speaking := false
	defer func() {
		if speaking {
			p.signal(false)
		}
		p.metrics.PlaybackStopped(reason.String())
		p.logger.Debug("Playback finished", zap.Stringer("reason", reason))
	}()

	buf := make([]byte, audio.FrameBytes)
	start := time.Now()
	frames := 0
	underruns := 0

	for {
		if !p.isPlaying() {
			return StopReasonStopped, nil
		}
		if ctx.Err() != nil {
			p.halt()

			return StopReasonStopped, ctx.Err()
		}

		if !speaking {
			p.signal(true)
			speaking = true
		}

		n, err := io.ReadFull(src, buf)
		switch {
		case err == nil:
			underruns = 0
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			underruns++
			p.metrics.Underrun()
			p.logger.Debug("Audio source underrun",
				zap.Int("bytes", n),
				zap.Int("consecutive", underruns))

			if underruns >= p.cfg.MaxUnderruns {
				return StopReasonSourceExhausted, nil
			}

			if !p.wait(ctx, p.cfg.UnderrunBackoff) {
				return p.interrupted(ctx)
			}

			// Resume on a fresh schedule instead of bursting to catch up.
			start = time.Now()
			frames = 0
			p.signal(true)

			continue
		default:
			p.halt()

			return StopReasonSourceError, err
		}

		frames++

		payload, err := p.encoder.Encode(buf)
		if err != nil {
			p.logger.Warn("Dropping frame that failed to encode", zap.Error(err))
		} else {
			sequence, timestamp := p.clock.Next()

			packet, err := BuildPacket(sequence, timestamp, p.ssrc, payload)
			if err != nil {
				p.logger.Warn("Dropping frame that failed to frame", zap.Error(err))
			} else {
				sent, err := p.transmit(packet)
				if err != nil {
					p.logger.Info("Stopping playback after send failure", zap.Error(err))

					return StopReasonSendFailed, nil
				}
				if !sent {
					return StopReasonStopped, nil
				}
			}
		}

		// Frame k is due at start + k*frame, so a late frame shortens the next sleep.
		next := start.Add(time.Duration(frames) * p.cfg.FrameDuration)
		if !p.wait(ctx, time.Until(next)) {
			return p.interrupted(ctx)
		}
	}
}

// Stop asks the loop to exit at its next boundary and waits for it, bounded by
// the configured timeout. No packet is sent once Stop returns.
func (p *Pacer) Stop() {
	p.halt()
	p.stopOnce.Do(func() { close(p.stopCh) })

	select {
	case <-p.done:
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Warn("Pacer did not stop in time, closing source",
			zap.Duration("timeout", p.cfg.StopTimeout))
		p.closeSource()
	}
}

// Playing reports whether the loop is still allowed to send.
func (p *Pacer) Playing() bool {
	return p.isPlaying()
}

// Done is closed when Run returns.
func (p *Pacer) Done() <-chan struct{} {
	return p.done
}

func (p *Pacer) isPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.playing
}

func (p *Pacer) halt() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

func (p *Pacer) transmit(packet []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.playing {
		return false, nil
	}

	if err := p.send(packet); err != nil {
		p.playing = false
		p.metrics.SendFailed()

		return false, err
	}

	p.metrics.PacketSent()

	return true, nil
}

func (p *Pacer) signal(speaking bool) {
	if p.speak == nil {
		return
	}
	if err := p.speak(speaking); err != nil {
		p.logger.Debug("Failed to send speaking state",
			zap.Bool("speaking", speaking),
			zap.Error(err))
	}
}

// wait sleeps for d, returning false if the pacer was stopped meanwhile.
func (p *Pacer) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return p.isPlaying()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return p.isPlaying()
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Pacer) interrupted(ctx context.Context) (StopReason, error) {
	p.halt()
	if err := ctx.Err(); err != nil {
		return StopReasonStopped, err
	}

	return StopReasonStopped, nil
}

func (p *Pacer) closeSource() {
	p.srcMu.Lock()
	defer p.srcMu.Unlock()

	if p.src == nil || p.srcClosed {
		return
	}
	p.srcClosed = true

	if err := p.src.Close(); err != nil {
		p.logger.Debug("Closing audio source failed", zap.Error(err))
	}
}
