package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"layeh.com/gopus"
)

// DefaultBitrate suits speech and music on a voice channel.
const DefaultBitrate = 64_000

// maxOpusPacket bounds a single encoded frame.
const maxOpusPacket = 1275

// ErrEncoderClosed is returned after Close.
var ErrEncoderClosed = errors.New("opus encoder closed")

// OpusEncoder encodes 20 ms mono 48 kHz PCM frames into Opus packets.
type OpusEncoder struct {
	mu      sync.Mutex
	enc     *gopus.Encoder
	samples []int16
	closed  bool
}

// NewOpusEncoder creates an encoder. A non-positive bitrate selects DefaultBitrate.
func NewOpusEncoder(bitrate int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	if bitrate <= 0 {
		bitrate = DefaultBitrate
	}
	enc.SetBitrate(bitrate)

	return &OpusEncoder{enc: enc, samples: make([]int16, FrameSamples*Channels)}, nil
}

// Encode takes one raw frame of FrameBytes little-endian samples.
func (e *OpusEncoder) Encode(frame []byte) ([]byte, error) {
	if err := validateFrame(frame); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEncoderClosed
	}

	decodeSamples(e.samples, frame)

	packet, err := e.enc.Encode(e.samples, FrameSamples, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}

	return packet, nil
}

// Close marks the encoder unusable.
func (e *OpusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true

	return nil
}

// decodeSamples fills dst with the little-endian samples in frame.
func decodeSamples(dst []int16, frame []byte) {
	for i := range dst {
		dst[i] = int16(binary.LittleEndian.Uint16(frame[2*i:]))
	}
}
