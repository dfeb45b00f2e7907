package audio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/meetcapture/internal/config"
)

// Method describes one recording method and whether it can run here.
type Method struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Available   bool   `json:"available" yaml:"available"`
	Reason      string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Backend builds sources from configuration on top of a device host and a
// system-audio platform.
type Backend struct {
	host     DeviceHost
	platform SystemPlatform
}

func NewBackend(host DeviceHost, platform SystemPlatform) *Backend {
	return &Backend{host: host, platform: platform}
}

// NewSource creates the source for cfg.RecordingMethod. In dual mode the
// system source comes first; if it cannot be created the session either
// aborts or degrades to the device alone, per dual.on_system_failure.
func (b *Backend) NewSource(cfg *config.Config) (Source, error) {
	switch cfg.RecordingMethod {
	case config.MethodDevice:
		return b.newDevice(cfg)

	case config.MethodSystem:
		return b.newSystem(cfg)

	case config.MethodDual:
		device, err := b.newDevice(cfg)
		if err != nil {
			return nil, err
		}

		system, err := b.newSystem(cfg)
		if err != nil {
			if cfg.Dual.OnSystemFailure != config.OnSystemFailureDegrade {
				return nil, fmt.Errorf("dual recording: %w", err)
			}
			slog.Warn("System audio capture unavailable, recording device only", "error", err)
			return NewMultiSource([]Source{device}, multiOptions(cfg))
		}

		return NewMultiSource([]Source{system, device}, multiOptions(cfg))

	default:
		return nil, fmt.Errorf("unknown recording method: %q", cfg.RecordingMethod)
	}
}

func (b *Backend) newDevice(cfg *config.Config) (*DeviceSource, error) {
	if b.host == nil {
		return nil, errors.New("no audio device host available")
	}
	return NewDeviceSource(DeviceConfig{
		Name:            cfg.Device.Name,
		SampleRate:      cfg.Device.SampleRate,
		Channels:        cfg.Device.Channels,
		FramesPerBuffer: cfg.Device.FramesPerBuffer,
		QueueSize:       cfg.Device.QueueSize,
	}, b.host)
}

func (b *Backend) newSystem(cfg *config.Config) (*SystemSource, error) {
	if b.platform == nil {
		return nil, ErrUnsupportedPlatform
	}
	return NewSystemSource(systemConfig(cfg), b.platform)
}

func systemConfig(cfg *config.Config) SystemConfig {
	return SystemConfig{
		Target:              cfg.System.Target,
		SampleRate:          cfg.System.SampleRate,
		Channels:            cfg.System.Channels,
		MinPipeWireVersion:  cfg.System.MinPipeWireVersion,
		WriterQueueSize:     cfg.System.WriterQueueSize,
		FramesPerBuffer:     cfg.Device.FramesPerBuffer,
		StreamStopTimeout:   cfg.Capture.StreamStopTimeout,
		WriterFinishTimeout: cfg.Capture.WriterFinishTimeout,
	}
}

func multiOptions(cfg *config.Config) MultiOptions {
	return MultiOptions{
		PollInterval: cfg.Capture.PollInterval,
		JoinTimeout:  cfg.Capture.JoinTimeout,
		MinFileSize:  cfg.Capture.MinFileSize,
	}
}

// AvailableMethods reports which recording methods can run on this host.
func (b *Backend) AvailableMethods() []Method {
	device := Method{
		Name:        config.MethodDevice,
		Description: "Record a hardware or aggregate input device",
		Available:   b.host != nil,
	}
	if !device.Available {
		device.Reason = "no audio device host"
	}

	system := Method{
		Name:        config.MethodSystem,
		Description: "Record system audio output (PipeWire monitor)",
		Available:   true,
	}
	if b.platform == nil {
		system.Available = false
		system.Reason = ErrUnsupportedPlatform.Error()
	} else if err := b.platform.Check(); err != nil {
		system.Available = false
		system.Reason = err.Error()
	}

	dual := Method{
		Name:        config.MethodDual,
		Description: "Record system audio and an input device, merged into one file",
		Available:   device.Available,
	}
	if !system.Available {
		dual.Reason = "system capture unavailable, dual recording needs dual.on_system_failure: degrade"
	}

	return []Method{device, system, dual}
}
