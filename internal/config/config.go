package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Recording methods.
const (
	MethodDevice = "device"
	MethodSystem = "system"
	MethodDual   = "dual"
)

// Dual mode policies when the system-audio source cannot be created.
const (
	OnSystemFailureAbort   = "abort"
	OnSystemFailureDegrade = "degrade"
)

// EnvPrefix prefixes every environment override, e.g. MEETCAPTURE_DEVICE_NAME.
const EnvPrefix = "MEETCAPTURE"

type Config struct {
	RecordingMethod string        `mapstructure:"recording_method" yaml:"recording_method"`
	Device          DeviceConfig  `mapstructure:"device" yaml:"device"`
	System          SystemConfig  `mapstructure:"system" yaml:"system"`
	Dual            DualConfig    `mapstructure:"dual" yaml:"dual"`
	Capture         CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Output          OutputConfig  `mapstructure:"output" yaml:"output"`
	Logging         LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// DeviceConfig configures capture from a hardware or aggregate input device.
type DeviceConfig struct {
	Name            string `mapstructure:"name" yaml:"name"`
	SampleRate      int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels        int    `mapstructure:"channels" yaml:"channels"` // 0 = device maximum
	FramesPerBuffer int    `mapstructure:"frames_per_buffer" yaml:"frames_per_buffer"`
	QueueSize       int    `mapstructure:"queue_size" yaml:"queue_size"`
}

// SystemConfig configures capture of the system audio output.
type SystemConfig struct {
	Target             string `mapstructure:"target" yaml:"target"`
	SampleRate         int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels           int    `mapstructure:"channels" yaml:"channels"`
	MinPipeWireVersion string `mapstructure:"min_pipewire_version" yaml:"min_pipewire_version"`
	WriterQueueSize    int    `mapstructure:"writer_queue_size" yaml:"writer_queue_size"`
}

type DualConfig struct {
	OnSystemFailure string `mapstructure:"on_system_failure" yaml:"on_system_failure"` // "abort", "degrade"
}

type CaptureConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	JoinTimeout         time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
	StreamStopTimeout   time.Duration `mapstructure:"stream_stop_timeout" yaml:"stream_stop_timeout"`
	WriterFinishTimeout time.Duration `mapstructure:"writer_finish_timeout" yaml:"writer_finish_timeout"`
	MinFileSize         int64         `mapstructure:"min_file_size" yaml:"min_file_size"`
}

type OutputConfig struct {
	Directory     string `mapstructure:"directory" yaml:"directory"`
	Filename      string `mapstructure:"filename" yaml:"filename"`
	SessionLayout string `mapstructure:"session_layout" yaml:"session_layout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

var defaultConfig = Config{
	RecordingMethod: MethodDevice,
	Device: DeviceConfig{
		Name:            "Unit",
		SampleRate:      48000,
		Channels:        0,
		FramesPerBuffer: 1024,
		QueueSize:       256,
	},
	System: SystemConfig{
		Target:             "@DEFAULT_MONITOR@",
		SampleRate:         48000,
		Channels:           2,
		MinPipeWireVersion: "0.3.0",
		WriterQueueSize:    64,
	},
	Dual: DualConfig{
		OnSystemFailure: OnSystemFailureAbort,
	},
	Capture: CaptureConfig{
		PollInterval:        100 * time.Millisecond,
		JoinTimeout:         10 * time.Second,
		StreamStopTimeout:   5 * time.Second,
		WriterFinishTimeout: 10 * time.Second,
		MinFileSize:         44,
	},
	Output: OutputConfig{
		Directory:     "output",
		Filename:      "recording.wav",
		SessionLayout: "2006_01_02 15-04",
	},
	Logging: LoggingConfig{
		Level:      "info",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	c := defaultConfig
	return &c
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/meetcapture.yaml")
}

// Load resolves the configuration from defaults, the optional config file
// and MEETCAPTURE_* environment variables, in increasing priority.
// An empty configFile means defaults and environment only.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.RecordingMethod = NormalizeMethod(cfg.RecordingMethod)
	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file to load: the explicit path if given,
// otherwise the default path when it exists, otherwise none.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(DefaultPath()); err == nil {
		return DefaultPath()
	}
	return ""
}

// WriteDefault writes the built-in configuration to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}

	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, out, 0644)
}

func setDefaults(v *viper.Viper) {
	d := defaultConfig

	v.SetDefault("recording_method", d.RecordingMethod)

	v.SetDefault("device.name", d.Device.Name)
	v.SetDefault("device.sample_rate", d.Device.SampleRate)
	v.SetDefault("device.channels", d.Device.Channels)
	v.SetDefault("device.frames_per_buffer", d.Device.FramesPerBuffer)
	v.SetDefault("device.queue_size", d.Device.QueueSize)

	v.SetDefault("system.target", d.System.Target)
	v.SetDefault("system.sample_rate", d.System.SampleRate)
	v.SetDefault("system.channels", d.System.Channels)
	v.SetDefault("system.min_pipewire_version", d.System.MinPipeWireVersion)
	v.SetDefault("system.writer_queue_size", d.System.WriterQueueSize)

	v.SetDefault("dual.on_system_failure", d.Dual.OnSystemFailure)

	v.SetDefault("capture.poll_interval", d.Capture.PollInterval)
	v.SetDefault("capture.join_timeout", d.Capture.JoinTimeout)
	v.SetDefault("capture.stream_stop_timeout", d.Capture.StreamStopTimeout)
	v.SetDefault("capture.writer_finish_timeout", d.Capture.WriterFinishTimeout)
	v.SetDefault("capture.min_file_size", d.Capture.MinFileSize)

	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("output.filename", d.Output.Filename)
	v.SetDefault("output.session_layout", d.Output.SessionLayout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}

// NormalizeMethod lower-cases the method and maps the historical names
// "legacy" and "native" onto "device" and "system".
func NormalizeMethod(method string) string {
	switch m := strings.ToLower(strings.TrimSpace(method)); m {
	case "legacy":
		return MethodDevice
	case "native":
		return MethodSystem
	default:
		return m
	}
}

// Validate checks every section of cfg.
func Validate(cfg *Config) error {
	switch cfg.RecordingMethod {
	case MethodDevice, MethodSystem, MethodDual:
	default:
		return fmt.Errorf("recording_method must be 'device', 'system' or 'dual', got: %q", cfg.RecordingMethod)
	}

	if err := validateDevice(cfg.Device); err != nil {
		return err
	}
	if err := validateSystem(cfg.System); err != nil {
		return err
	}

	switch cfg.Dual.OnSystemFailure {
	case OnSystemFailureAbort, OnSystemFailureDegrade:
	default:
		return fmt.Errorf("dual.on_system_failure must be 'abort' or 'degrade', got: %q", cfg.Dual.OnSystemFailure)
	}

	if err := validateCapture(cfg.Capture); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Output.Directory) == "" {
		return fmt.Errorf("output.directory is required")
	}
	if strings.ContainsRune(cfg.Output.Filename, os.PathSeparator) {
		return fmt.Errorf("output.filename must not contain a path separator, got: %q", cfg.Output.Filename)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got: %q", cfg.Logging.Level)
	}

	return nil
}

func validateDevice(d DeviceConfig) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("device.name is required")
	}
	if d.SampleRate <= 0 {
		return fmt.Errorf("device.sample_rate must be > 0, got: %d", d.SampleRate)
	}
	if d.Channels < 0 {
		return fmt.Errorf("device.channels must be >= 0, got: %d", d.Channels)
	}
	if d.FramesPerBuffer <= 0 {
		return fmt.Errorf("device.frames_per_buffer must be > 0, got: %d", d.FramesPerBuffer)
	}
	if d.QueueSize <= 0 {
		return fmt.Errorf("device.queue_size must be > 0, got: %d", d.QueueSize)
	}
	return nil
}

func validateSystem(s SystemConfig) error {
	if strings.TrimSpace(s.Target) == "" {
		return fmt.Errorf("system.target is required")
	}
	if s.SampleRate <= 0 {
		return fmt.Errorf("system.sample_rate must be > 0, got: %d", s.SampleRate)
	}
	if s.Channels <= 0 {
		return fmt.Errorf("system.channels must be > 0, got: %d", s.Channels)
	}
	if s.WriterQueueSize <= 0 {
		return fmt.Errorf("system.writer_queue_size must be > 0, got: %d", s.WriterQueueSize)
	}
	if _, err := ParseVersion(s.MinPipeWireVersion); err != nil {
		return fmt.Errorf("system.min_pipewire_version: %w", err)
	}
	return nil
}

func validateCapture(c CaptureConfig) error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"capture.poll_interval", c.PollInterval},
		{"capture.join_timeout", c.JoinTimeout},
		{"capture.stream_stop_timeout", c.StreamStopTimeout},
		{"capture.writer_finish_timeout", c.WriterFinishTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0, got: %s", d.name, d.value)
		}
	}
	if c.MinFileSize < 0 {
		return fmt.Errorf("capture.min_file_size must be >= 0, got: %d", c.MinFileSize)
	}
	return nil
}

// ParseVersion parses a dotted numeric version such as "1.0.5". Missing
// components are zero.
func ParseVersion(s string) ([3]int, error) {
	var v [3]int
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return v, fmt.Errorf("empty version")
	}

	parts := strings.SplitN(s, ".", 3)
	for i, p := range parts {
		// tolerate suffixes like "1.0.5-rc1"
		if i := strings.IndexFunc(p, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
			p = p[:i]
		}
		if !isNumeric(p) {
			return v, fmt.Errorf("invalid version %q", s)
		}
		n := 0
		for _, c := range p {
			n = n*10 + int(c-'0')
		}
		v[i] = n
	}
	return v, nil
}

// VersionAtLeast reports whether have >= want.
func VersionAtLeast(have, want [3]int) bool {
	for i := range have {
		if have[i] != want[i] {
			return have[i] > want[i]
		}
	}
	return true
}

// MarshalYAML renders durations as strings ("100ms") instead of nanoseconds.
func (c CaptureConfig) MarshalYAML() (interface{}, error) {
	return struct {
		PollInterval        string `yaml:"poll_interval"`
		JoinTimeout         string `yaml:"join_timeout"`
		StreamStopTimeout   string `yaml:"stream_stop_timeout"`
		WriterFinishTimeout string `yaml:"writer_finish_timeout"`
		MinFileSize         int64  `yaml:"min_file_size"`
	}{
		PollInterval:        c.PollInterval.String(),
		JoinTimeout:         c.JoinTimeout.String(),
		StreamStopTimeout:   c.StreamStopTimeout.String(),
		WriterFinishTimeout: c.WriterFinishTimeout.String(),
		MinFileSize:         c.MinFileSize,
	}, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
