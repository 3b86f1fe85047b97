package audio

import (
	"fmt"
)

func validateFrame(frame []byte) error {
	if len(frame) != FrameBytes {
		return fmt.Errorf("invalid frame length %d, want %d", len(frame), FrameBytes)
	}
	return nil
}

// Silence returns n frames of zeroed PCM.
func Silence(n int) []byte {
	return make([]byte, n*FrameBytes)
}
