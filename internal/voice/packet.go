package voice

import (
	"fmt"

	"github.com/pion/rtp"

	"github.com/Raikerian/go-discord-voice/pkg/audio"
)

// Media header layout.
const (
	HeaderSize  = 12
	rtpVersion  = 2    // first byte 0x80
	PayloadType = 0x78 // second byte 0x78

	// MaxPayloadSize keeps a packet inside a single unfragmented datagram.
	MaxPayloadSize = 1460 - HeaderSize
)

// MediaPacket is a decoded media datagram.
type MediaPacket struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
	Payload   []byte
}

// BuildPacket serializes one encoded audio frame behind the fixed 12 byte header.
func BuildPacket(sequence uint16, timestamp, ssrc uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	p := rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			PayloadType:    PayloadType,
			SequenceNumber: sequence,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}

	return p.Marshal()
}

// ParsePacket decodes a datagram produced by BuildPacket.
func ParsePacket(b []byte) (MediaPacket, error) {
	if len(b) < HeaderSize {
		return MediaPacket{}, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(b))
	}
	if b[0] != 0x80 || b[1] != PayloadType {
		return MediaPacket{}, fmt.Errorf("%w: unexpected header %#x %#x", ErrMalformedPacket, b[0], b[1])
	}

	var p rtp.Packet
	if err := p.Unmarshal(b); err != nil {
		return MediaPacket{}, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}

	return MediaPacket{
		Sequence:  p.SequenceNumber,
		Timestamp: p.Timestamp,
		SSRC:      p.SSRC,
		Payload:   p.Payload,
	}, nil
}

// FrameClock tracks the sequence and timestamp counters of an outbound stream.
// Both counters wrap modulo their width. It is not safe for concurrent use;
// the pacer owns it while streaming.
type FrameClock struct {
	sequence  uint16
	timestamp uint32
}

// NewFrameClock returns a clock whose next frame carries the given values.
func NewFrameClock(sequence uint16, timestamp uint32) *FrameClock {
	return &FrameClock{sequence: sequence, timestamp: timestamp}
}

// Next returns the counters for the next frame and advances them by one frame.
func (c *FrameClock) Next() (sequence uint16, timestamp uint32) {
	sequence, timestamp = c.sequence, c.timestamp
	c.sequence++
	c.timestamp += audio.FrameSamples

	return sequence, timestamp
}

// Peek returns the counters the next frame will carry.
func (c *FrameClock) Peek() (uint16, uint32) {
	return c.sequence, c.timestamp
}
