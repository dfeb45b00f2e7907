package audio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one block of captured system audio with its presentation time
// relative to the start of the capture stream.
type Frame struct {
	PTS     time.Duration
	Samples []int16
}

// CaptureStream is a system-audio capture stream whose start and stop
// complete asynchronously. Each completion is called exactly once.
type CaptureStream interface {
	StartCapture(handler func(Frame), completion func(error))
	StopCapture(completion func(error))
}

type WriterStatus int

const (
	WriterWriting WriterStatus = iota
	WriterCompleted
	WriterFailed
)

func (s WriterStatus) String() string {
	switch s {
	case WriterWriting:
		return "writing"
	case WriterCompleted:
		return "completed"
	case WriterFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MediaWriter writes frames to a file on its own goroutine.
type MediaWriter interface {
	// StartSession anchors the file timeline at pts.
	StartSession(pts time.Duration)
	// Ready reports whether Append would accept a frame without blocking.
	Ready() bool
	Append(f Frame) error
	// MarkFinished closes the input. Later appends fail.
	MarkFinished()
	// Finish calls done once everything appended has been flushed.
	Finish(done func())
	Status() WriterStatus
	Err() error
}

// SystemPlatform supplies the OS pieces behind SystemSource.
type SystemPlatform interface {
	// Check fails with ErrUnsupportedPlatform when capture cannot work here.
	Check() error
	NewStream(cfg SystemConfig) (CaptureStream, error)
	NewWriter(path string, cfg SystemConfig) (MediaWriter, error)
}

type SystemConfig struct {
	Target              string
	SampleRate          int
	Channels            int
	MinPipeWireVersion  string
	WriterQueueSize     int
	FramesPerBuffer     int
	StreamStopTimeout   time.Duration
	WriterFinishTimeout time.Duration
}

// SystemSource records everything the system plays.
type SystemSource struct {
	cfg      SystemConfig
	platform SystemPlatform

	recording atomic.Bool
	dropped   atomic.Uint64
	appended  atomic.Uint64

	mutex  sync.Mutex
	stopCh chan struct{}
}

// NewSystemSource fails fast if the platform cannot capture system audio.
func NewSystemSource(cfg SystemConfig, platform SystemPlatform) (*SystemSource, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("invalid system capture format: %d Hz, %d channels", cfg.SampleRate, cfg.Channels)
	}
	if cfg.StreamStopTimeout <= 0 {
		cfg.StreamStopTimeout = 5 * time.Second
	}
	if cfg.WriterFinishTimeout <= 0 {
		cfg.WriterFinishTimeout = 10 * time.Second
	}
	if cfg.WriterQueueSize <= 0 {
		cfg.WriterQueueSize = 64
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 1024
	}

	if err := platform.Check(); err != nil {
		return nil, err
	}

	return &SystemSource{cfg: cfg, platform: platform}, nil
}

// Record captures system audio into outputDir/filename until stopped.
// The file always gets a .wav extension and replaces any existing file.
func (s *SystemSource) Record(ctx context.Context, outputDir, filename string) (string, error) {
	if filename == "" {
		filename = DefaultFilename(time.Now())
	}
	filename = strings.TrimSuffix(filename, filepath.Ext(filename)) + ".wav"

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(outputDir, filename)

	s.mutex.Lock()
	if s.recording.Load() {
		s.mutex.Unlock()
		return "", ErrAlreadyRecording
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.recording.Store(true)
	s.mutex.Unlock()
	defer s.recording.Store(false)

	s.dropped.Store(0)
	s.appended.Store(0)

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to remove existing output %s: %w", path, err)
	}

	writer, err := s.platform.NewWriter(path, s.cfg)
	if err != nil {
		return "", fmt.Errorf("failed to create media writer: %w", err)
	}

	stream, err := s.platform.NewStream(s.cfg)
	if err != nil {
		s.finishWriter(writer)
		return "", fmt.Errorf("failed to create capture stream: %w", err)
	}

	var anchor sync.Once
	handler := func(f Frame) {
		anchor.Do(func() {
			writer.StartSession(f.PTS)
			slog.Debug("Writer session anchored to first frame", "pts", f.PTS)
		})
		if !writer.Ready() {
			s.dropped.Add(1)
			return
		}
		if err := writer.Append(f); err != nil {
			s.dropped.Add(1)
			slog.Debug("Frame append failed", "error", err)
			return
		}
		s.appended.Add(1)
	}

	started := newCompletion()
	stream.StartCapture(handler, started.complete)
	if ok, err := started.wait(s.cfg.StreamStopTimeout); !ok || err != nil {
		if !ok {
			err = fmt.Errorf("no start acknowledgement within %s", s.cfg.StreamStopTimeout)
		}
		s.stopStream(stream)
		s.finishWriter(writer)
		return "", fmt.Errorf("failed to start system audio capture: %w", err)
	}

	slog.Info("System audio capture started", "target", s.cfg.Target, "channels", s.cfg.Channels, "sample_rate", s.cfg.SampleRate, "output", path)

	select {
	case <-stopCh:
	case <-ctx.Done():
	}

	s.stopStream(stream)
	s.finishWriter(writer)

	if writer.Status() == WriterFailed {
		return "", fmt.Errorf("%w: %w", ErrWriterFailed, writer.Err())
	}

	if n := s.dropped.Load(); n > 0 {
		slog.Warn("Dropped system audio frames, writer was not ready", "target", s.cfg.Target, "frames", n)
	}
	if s.appended.Load() == 0 {
		slog.Warn("No system audio received during recording", "target", s.cfg.Target)
	}

	slog.Info("System audio capture finished", "target", s.cfg.Target, "output", path)
	return path, nil
}

// stopStream asks the stream to stop and waits a bounded time for the
// acknowledgement. A timeout is logged and shutdown proceeds.
func (s *SystemSource) stopStream(stream CaptureStream) {
	stopped := newCompletion()
	stream.StopCapture(stopped.complete)

	ok, err := stopped.wait(s.cfg.StreamStopTimeout)
	if !ok {
		slog.Warn("Capture stream did not acknowledge stop within timeout", "timeout", s.cfg.StreamStopTimeout)
		return
	}
	if err != nil {
		slog.Warn("Capture stream stopped with error", "error", err)
	}
}

// finishWriter closes the writer input and waits a bounded time for it to
// flush.
func (s *SystemSource) finishWriter(writer MediaWriter) {
	writer.MarkFinished()

	finished := newCompletion()
	writer.Finish(func() { finished.complete(nil) })

	if ok, _ := finished.wait(s.cfg.WriterFinishTimeout); !ok {
		slog.Warn("Media writer did not finish within timeout", "timeout", s.cfg.WriterFinishTimeout, "status", writer.Status())
	}
}

// Stop signals Record to shut the stream and writer down. Calls after the
// first, or while not recording, do nothing.
func (s *SystemSource) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.recording.Load() || s.stopCh == nil {
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		slog.Debug("System audio capture stop requested", "target", s.cfg.Target)
	}
}

func (s *SystemSource) IsRecording() bool {
	return s.recording.Load()
}

// Dropped reports how many frames the last recording lost to backpressure.
func (s *SystemSource) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *SystemSource) Info() Info {
	return Info{
		Type:       TypeSystem,
		Target:     s.cfg.Target,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
	}
}

// completion turns a callback into a one-shot wait with a timeout.
type completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) complete(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *completion) wait(timeout time.Duration) (bool, error) {
	if !waitFor(c.done, timeout) {
		return false, nil
	}
	return true, c.err
}
