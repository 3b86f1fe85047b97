package audio

import "time"

// Format of the raw frames fed to the voice pacer.
const (
	SampleRate    = 48_000 // Hz
	Channels      = 1      // mono
	FrameSamples  = 960    // samples per frame (20 ms)
	BytesPerFrame = 2      // 16-bit little-endian PCM

	FrameBytes    = FrameSamples * Channels * BytesPerFrame
	FrameDuration = 20 * time.Millisecond
)
