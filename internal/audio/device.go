package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/wavio"
)

// DeviceInfo describes one enumerated input device.
type DeviceInfo struct {
	Index             int     `json:"index" yaml:"index"`
	Name              string  `json:"name" yaml:"name"`
	HostAPI           string  `json:"host_api,omitempty" yaml:"host_api,omitempty"`
	MaxInputChannels  int     `json:"max_input_channels" yaml:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate" yaml:"default_sample_rate"`
}

// InputStream is an opened platform input stream.
type InputStream interface {
	Start() error
	Stop() error
	Close() error
}

// InputCallback receives one block of interleaved samples. overflow is set
// when the platform lost input before this block. The slice is only valid
// until the callback returns.
type InputCallback func(in []int16, overflow bool)

// DeviceHost enumerates input devices and opens callback-driven streams on
// them.
type DeviceHost interface {
	Devices() ([]DeviceInfo, error)
	OpenInput(dev DeviceInfo, channels int, sampleRate float64, framesPerBuffer int, callback InputCallback) (InputStream, error)
}

type DeviceConfig struct {
	Name            string
	SampleRate      int
	Channels        int // 0 = device maximum
	FramesPerBuffer int
	QueueSize       int
}

// DeviceSource records from a hardware or aggregate input device.
type DeviceSource struct {
	cfg      DeviceConfig
	host     DeviceHost
	device   DeviceInfo
	channels int

	recording atomic.Bool
	dropped   atomic.Uint64
	overflows atomic.Uint64

	mutex  sync.Mutex
	stopCh chan struct{}
}

// NewDeviceSource resolves cfg.Name against the host's devices by
// case-insensitive substring match and negotiates the channel count.
func NewDeviceSource(cfg DeviceConfig, host DeviceHost) (*DeviceSource, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", cfg.SampleRate)
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 1024
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	devices, err := host.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list audio devices: %w", err)
	}

	dev, ok := findDevice(devices, cfg.Name)
	if !ok {
		for _, d := range devices {
			if d.MaxInputChannels > 0 {
				slog.Info("Available input device", "index", d.Index, "name", d.Name, "channels", d.MaxInputChannels)
			}
		}
		return nil, fmt.Errorf("%w: no input device matching %q", ErrDeviceNotFound, cfg.Name)
	}

	channels := cfg.Channels
	switch {
	case channels == 0:
		channels = dev.MaxInputChannels
	case channels > dev.MaxInputChannels:
		slog.Warn("Requested channels exceed device maximum, clamping",
			"device", dev.Name, "requested", channels, "max", dev.MaxInputChannels)
		channels = dev.MaxInputChannels
	}

	slog.Debug("Device resolved", "device", dev.Name, "index", dev.Index, "channels", channels, "sample_rate", cfg.SampleRate)

	return &DeviceSource{
		cfg:      cfg,
		host:     host,
		device:   dev,
		channels: channels,
	}, nil
}

// findDevice returns the first device with input channels whose name
// contains name.
func findDevice(devices []DeviceInfo, name string) (DeviceInfo, bool) {
	needle := strings.ToLower(name)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), needle) {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

// Record streams the device input into outputDir/filename until stopped.
func (s *DeviceSource) Record(ctx context.Context, outputDir, filename string) (string, error) {
	if filename == "" {
		filename = DefaultFilename(time.Now())
	}
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
	s.overflows.Store(0)

	writer, err := wavio.Create(path, s.cfg.SampleRate, s.channels)
	if err != nil {
		return "", err
	}

	queue := make(chan Buffer, s.cfg.QueueSize)
	var seq uint64
	callback := func(in []int16, overflow bool) {
		if overflow {
			s.overflows.Add(1)
		}
		// the platform reuses in after we return
		buf := Buffer{Seq: seq, Samples: append([]int16(nil), in...)}
		seq++
		select {
		case queue <- buf:
		default:
			s.dropped.Add(1)
		}
	}

	stream, err := s.host.OpenInput(s.device, s.channels, float64(s.cfg.SampleRate), s.cfg.FramesPerBuffer, callback)
	if err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to open input stream on %s: %w", s.device.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		writer.Close()
		return "", fmt.Errorf("failed to start input stream on %s: %w", s.device.Name, err)
	}

	slog.Info("Device capture started", "device", s.device.Name, "channels", s.channels, "sample_rate", s.cfg.SampleRate, "output", path)

	heard, writeErr := s.consume(ctx, stopCh, queue, writer)

	if err := stream.Stop(); err != nil {
		slog.Debug("Failed to stop input stream", "device", s.device.Name, "error", err)
	}
	if err := stream.Close(); err != nil {
		slog.Debug("Failed to close input stream", "device", s.device.Name, "error", err)
	}

	// no callbacks after Stop; flush what is left in arrival order
	if writeErr == nil {
		heard, writeErr = drain(queue, writer, heard)
	}

	if err := writer.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return "", fmt.Errorf("device capture on %s failed: %w", s.device.Name, writeErr)
	}

	if n := s.dropped.Load(); n > 0 {
		slog.Warn("Dropped audio buffers, writer could not keep up", "device", s.device.Name, "buffers", n)
	}
	if n := s.overflows.Load(); n > 0 {
		slog.Warn("Input overflow reported by device", "device", s.device.Name, "count", n)
	}
	if !heard {
		slog.Warn("No audio signal detected during recording", "device", s.device.Name)
	}

	slog.Info("Device capture finished", "device", s.device.Name, "frames", writer.Frames(), "output", path)
	return path, nil
}

// consume is the single writer loop. It returns once stopCh is closed or
// ctx is done.
func (s *DeviceSource) consume(ctx context.Context, stopCh <-chan struct{}, queue <-chan Buffer, w *wavio.Writer) (bool, error) {
	heard := false
	for {
		select {
		case <-stopCh:
			return heard, nil
		case <-ctx.Done():
			return heard, nil
		case buf := <-queue:
			if err := w.Write(buf.Samples); err != nil {
				return heard, err
			}
			heard = heard || hasSignal(buf.Samples)
		}
	}
}

func drain(queue <-chan Buffer, w *wavio.Writer, heard bool) (bool, error) {
	for {
		select {
		case buf := <-queue:
			if err := w.Write(buf.Samples); err != nil {
				return heard, err
			}
			heard = heard || hasSignal(buf.Samples)
		default:
			return heard, nil
		}
	}
}

func hasSignal(samples []int16) bool {
	for _, v := range samples {
		if v != 0 {
			return true
		}
	}
	return false
}

// Stop signals the writer loop to finish. Calls after the first, or while
// not recording, do nothing.
func (s *DeviceSource) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.recording.Load() || s.stopCh == nil {
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		slog.Debug("Device capture stop requested", "device", s.device.Name)
	}
}

func (s *DeviceSource) IsRecording() bool {
	return s.recording.Load()
}

// Dropped reports how many buffers the last recording lost to a full queue.
func (s *DeviceSource) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *DeviceSource) Info() Info {
	return Info{
		Type:        TypeDevice,
		Device:      s.device.Name,
		DeviceIndex: s.device.Index,
		SampleRate:  s.cfg.SampleRate,
		Channels:    s.channels,
	}
}
