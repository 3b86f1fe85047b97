package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// DefaultFFmpegPath is looked up on PATH.
const DefaultFFmpegPath = "ffmpeg"

// OpenRaw opens a file that already holds mono 48 kHz s16le PCM.
func OpenRaw(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raw audio: %w", err)
	}

	return f, nil
}

// OpenFile decodes any format ffmpeg understands into the pacer's frame format.
// Closing the source stops the decoder.
func OpenFile(ctx context.Context, ffmpegPath, path string) (io.ReadCloser, error) {
	if ffmpegPath == "" {
		ffmpegPath = DefaultFFmpegPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	if _, err := exec.LookPath(ffmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-f", "s16le",
		"-ar", fmt.Sprint(SampleRate),
		"-ac", fmt.Sprint(Channels),
		"pipe:1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()

		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()

		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &processSource{cmd: cmd, stdout: stdout, cancel: cancel}, nil
}

type processSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc

	once sync.Once
	err  error
}

func (s *processSource) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *processSource) Close() error {
	s.once.Do(func() {
		s.cancel()
		_ = s.stdout.Close()

		err := s.cmd.Wait()

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			s.err = err
		}
	})

	return s.err
}

// NewReaderSource adapts r into a frame source. Close closes r when it is an
// io.Closer and makes further reads return io.EOF.
func NewReaderSource(r io.Reader) io.ReadCloser {
	return &readerSource{r: r}
}

type readerSource struct {
	mu     sync.Mutex
	r      io.Reader
	closed bool
}

func (s *readerSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return 0, io.EOF
	}

	return s.r.Read(p)
}

func (s *readerSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}

	return nil
}
