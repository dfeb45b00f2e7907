package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/config"
)

var pipewireVersionRe = regexp.MustCompile(`libpipewire\s+(\d+(?:\.\d+){0,2})`)

// PipeWirePlatform captures the default monitor through ffmpeg's pulse
// input, which PipeWire serves via pipewire-pulse.
type PipeWirePlatform struct {
	minVersion string

	// overridable in tests
	goos     string
	lookPath func(file string) (string, error)
	version  func() (string, error)
}

func NewPipeWirePlatform(minVersion string) *PipeWirePlatform {
	return &PipeWirePlatform{
		minVersion: minVersion,
		goos:       runtime.GOOS,
		lookPath:   exec.LookPath,
		version:    pipewireVersion,
	}
}

func pipewireVersion() (string, error) {
	output, err := exec.Command("pipewire", "--version").Output()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// Check verifies the OS, the ffmpeg binary and the PipeWire version.
func (p *PipeWirePlatform) Check() error {
	if p.goos != "linux" {
		return fmt.Errorf("%w: requires linux with PipeWire, running on %s", ErrUnsupportedPlatform, p.goos)
	}

	if _, err := p.lookPath("ffmpeg"); err != nil {
		return fmt.Errorf("%w: ffmpeg not found in PATH", ErrUnsupportedPlatform)
	}

	out, err := p.version()
	if err != nil {
		return fmt.Errorf("%w: PipeWire not available: %v", ErrUnsupportedPlatform, err)
	}

	m := pipewireVersionRe.FindStringSubmatch(out)
	if m == nil {
		return fmt.Errorf("%w: cannot determine PipeWire version from %q", ErrUnsupportedPlatform, strings.TrimSpace(out))
	}

	have, err := config.ParseVersion(m[1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	}
	want, err := config.ParseVersion(p.minVersion)
	if err != nil {
		return fmt.Errorf("invalid minimum PipeWire version: %w", err)
	}
	if !config.VersionAtLeast(have, want) {
		return fmt.Errorf("%w: PipeWire %s is older than required %s", ErrUnsupportedPlatform, m[1], p.minVersion)
	}

	slog.Debug("PipeWire system capture available", "version", m[1])
	return nil
}

func (p *PipeWirePlatform) NewStream(cfg SystemConfig) (CaptureStream, error) {
	return &ffmpegMonitorStream{
		target:          cfg.Target,
		sampleRate:      cfg.SampleRate,
		channels:        cfg.Channels,
		framesPerBuffer: cfg.FramesPerBuffer,
		stopTimeout:     cfg.StreamStopTimeout,
	}, nil
}

func (p *PipeWirePlatform) NewWriter(path string, cfg SystemConfig) (MediaWriter, error) {
	return newWavFileWriter(path, cfg.SampleRate, cfg.Channels, cfg.WriterQueueSize)
}

// ffmpegMonitorStream runs ffmpeg reading a pulse monitor source and
// emitting raw s16le PCM on stdout.
type ffmpegMonitorStream struct {
	target          string
	sampleRate      int
	channels        int
	framesPerBuffer int
	stopTimeout     time.Duration

	mutex      sync.Mutex
	ffmpegCmd  *exec.Cmd
	readerDone chan struct{}
	stopped    bool
	stderrTail tailBuffer
}

func (s *ffmpegMonitorStream) StartCapture(handler func(Frame), completion func(error)) {
	go func() {
		completion(s.start(handler))
	}()
}

func (s *ffmpegMonitorStream) start(handler func(Frame)) error {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "pulse",
		"-i", s.target,
		"-ac", strconv.Itoa(s.channels),
		"-ar", strconv.Itoa(s.sampleRate),
		"-f", "s16le",
		"-",
	}

	slog.Info("Starting FFmpeg monitor capture", "command", "ffmpeg "+strings.Join(args, " "))

	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	s.mutex.Lock()
	if s.stopped {
		// StopCapture already ran while we were starting
		s.mutex.Unlock()
		cmd.Process.Kill()
		cmd.Wait()
		return fmt.Errorf("capture stopped before it started")
	}
	s.ffmpegCmd = cmd
	s.readerDone = make(chan struct{})
	readerDone := s.readerDone
	s.mutex.Unlock()

	go s.readOutput(stderr, "stderr")
	go func() {
		defer close(readerDone)
		s.readFrames(stdout, handler)
	}()

	return nil
}

// readFrames cuts stdout into frames and hands them to handler in order.
// PTS is derived from the number of frames read so far.
func (s *ffmpegMonitorStream) readFrames(pipe io.Reader, handler func(Frame)) {
	frameBytes := 2 * s.channels
	raw := make([]byte, s.framesPerBuffer*frameBytes)
	var framesRead int64

	for {
		n, err := io.ReadFull(pipe, raw)
		n -= n % frameBytes
		if n > 0 {
			samples := make([]int16, n/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
			}
			pts := time.Duration(framesRead) * time.Second / time.Duration(s.sampleRate)
			framesRead += int64(n / frameBytes)
			handler(Frame{PTS: pts, Samples: samples})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Debug("FFmpeg stdout read ended", "error", err)
			}
			return
		}
	}
}

// readOutput logs the process output and keeps its tail for diagnostics
func (s *ffmpegMonitorStream) readOutput(pipe io.ReadCloser, label string) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		s.stderrTail.add(line)
		slog.Debug("FFmpeg output", "stream", label, "line", line)
	}
	pipe.Close()
}

func (s *ffmpegMonitorStream) StopCapture(completion func(error)) {
	go func() {
		err := s.stopFFmpeg()

		s.mutex.Lock()
		readerDone := s.readerDone
		s.mutex.Unlock()
		if readerDone != nil {
			<-readerDone
		}
		completion(err)
	}()
}

// stopFFmpeg interrupts ffmpeg and force kills it if it does not exit
// within killTimeout.
func (s *ffmpegMonitorStream) stopFFmpeg() error {
	s.mutex.Lock()
	cmd := s.ffmpegCmd
	s.ffmpegCmd = nil
	s.stopped = true
	s.mutex.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	slog.Debug("Sending SIGINT to FFmpeg process")
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt to FFmpeg, falling back to SIGKILL", "error", err)
		cmd.Process.Kill()
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timeout := s.killTimeout()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				// 255 is ffmpeg's exit code after a graceful interrupt
				if exitErr.ExitCode() == 255 {
					slog.Debug("FFmpeg exited normally after interrupt signal")
					return nil
				}
				if exitErr.ProcessState != nil {
					stateStr := exitErr.ProcessState.String()
					if stateStr == "signal: interrupt" || stateStr == "signal: killed" {
						slog.Debug("FFmpeg exited normally due to signal", "state", stateStr)
						return nil
					}
				}
			}
			slog.Debug("FFmpeg stderr", "output", s.stderrTail.String())
			return fmt.Errorf("FFmpeg process failed: %w", err)
		}
		slog.Debug("FFmpeg exited successfully")
		return nil

	case <-time.After(timeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing")
		cmd.Process.Kill()
		<-done
		return nil
	}
}

// killTimeout is how long ffmpeg gets after SIGINT. It is half the stop
// timeout so that a forced kill still lands inside the caller's wait.
func (s *ffmpegMonitorStream) killTimeout() time.Duration {
	timeout := s.stopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return timeout / 2
}

// tailBuffer keeps the last few lines written to it.
type tailBuffer struct {
	mutex sync.Mutex
	lines []string
}

const tailLines = 20

func (b *tailBuffer) add(line string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > tailLines {
		b.lines = b.lines[len(b.lines)-tailLines:]
	}
}

func (b *tailBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return strings.Join(b.lines, "\n")
}
