package voice

import "errors"

// Session errors.
var (
	ErrEndpointUnresolvable = errors.New("voice endpoint could not be resolved")
	ErrHandshakeTimeout     = errors.New("voice handshake timed out")
	ErrDiscoveryFailed      = errors.New("voice ip discovery failed")
	ErrDiscoveryTimeout     = errors.New("no ip discovery reply")
	ErrDiscoveryMalformed   = errors.New("malformed ip discovery reply")
	ErrControlChannelLost   = errors.New("voice control channel lost")
	ErrSendFailed           = errors.New("voice packet send failed")
	ErrNotReady             = errors.New("voice session is not ready")
	ErrAlreadyPlaying       = errors.New("voice session is already playing")
	ErrSessionClosed        = errors.New("voice session closed")
	ErrMalformedPacket      = errors.New("malformed voice packet")
	ErrPayloadTooLarge      = errors.New("voice payload too large")
	ErrNoModes              = errors.New("voice server offered no encryption modes")
)

// Service errors.
var (
	ErrSessionAlreadyExists = errors.New("voice session already exists for guild")
	ErrSessionNotFound      = errors.New("voice session not found")
	ErrNotInVoice           = errors.New("user is not in a voice channel")
	ErrMediaNotFound        = errors.New("media file not found")
)

// StopReason describes why a Play call returned.
type StopReason int

const (
	// StopReasonSourceExhausted is the normal end of a stream.
	StopReasonSourceExhausted StopReason = iota
	StopReasonStopped
	StopReasonSendFailed
	StopReasonSourceError
	StopReasonClosed
)

func (r StopReason) String() string {
	switch r {
	case StopReasonSourceExhausted:
		return "source_exhausted"
	case StopReasonStopped:
		return "stopped"
	case StopReasonSendFailed:
		return "send_failed"
	case StopReasonSourceError:
		return "source_error"
	case StopReasonClosed:
		return "closed"
	default:
		return "unknown"
	}
}
