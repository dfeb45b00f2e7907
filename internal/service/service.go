package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/audio"
	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/mix"
	"github.com/audiolibrelab/meetcapture/internal/wavio"
)

// ErrNothingCaptured is returned by Record when no source produced audio.
var ErrNothingCaptured = errors.New("no audio captured")

// Service is what the CLI drives.
type Service interface {
	// Recording operations
	Record(ctx context.Context, name string) (*RecordingResult, error)
	Stop()
	IsRecording() bool

	// Merging
	Merge(paths []string, output string) (*RecordingInfo, error)

	// Information operations
	Info() (audio.Info, error)
	Methods() []audio.Method
	Sources() (*SourceListing, error)
	ListRecordings() ([]RecordingInfo, error)
	GetConfig() *config.Config
	GetLastError() string
}

// RecordingResult describes a finished recording session.
type RecordingResult struct {
	Path       string        `json:"path" yaml:"path"`
	SessionDir string        `json:"session_dir" yaml:"session_dir"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	SampleRate int           `json:"sample_rate" yaml:"sample_rate"`
	Channels   int           `json:"channels" yaml:"channels"`
	Source     audio.Info    `json:"source" yaml:"source"`
	// Warnings are failures that did not abort the session.
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// RecordingInfo contains information about a recording on disk
type RecordingInfo struct {
	Name         string        `json:"name" yaml:"name"`
	Path         string        `json:"path" yaml:"path"`
	Size         int64         `json:"size" yaml:"size"`
	SizeHuman    string        `json:"size_human" yaml:"size_human"`
	ModTime      time.Time     `json:"mod_time" yaml:"mod_time"`
	ModTimeHuman string        `json:"mod_time_human" yaml:"mod_time_human"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	SampleRate   int           `json:"sample_rate" yaml:"sample_rate"`
	Channels     int           `json:"channels" yaml:"channels"`
}

// SourceListing is everything this host can record from.
type SourceListing struct {
	Devices    []audio.DeviceInfo `json:"devices" yaml:"devices"`
	Ports      []audio.Port       `json:"ports,omitempty" yaml:"ports,omitempty"`
	PortsError string             `json:"ports_error,omitempty" yaml:"ports_error,omitempty"`
}

// PortLister lists PipeWire ports.
type PortLister interface {
	ListPorts() ([]audio.Port, error)
}

// hostLifecycle is implemented by device hosts that need global setup.
type hostLifecycle interface {
	Initialize() error
	Terminate()
}

// Deps are the platform collaborators behind the service.
type Deps struct {
	Host     audio.DeviceHost
	Platform audio.SystemPlatform
	Ports    PortLister
	Now      func() time.Time
}

// MeetCaptureService is the main service implementation
type MeetCaptureService struct {
	cfg     *config.Config
	deps    Deps
	backend *audio.Backend

	mutex   sync.Mutex
	cancel  context.CancelFunc
	current audio.Source

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service on the real PortAudio host and PipeWire platform.
func New(cfg *config.Config) Service {
	return NewWithDeps(cfg, Deps{
		Host:     audio.NewPortAudioHost(),
		Platform: audio.NewPipeWirePlatform(cfg.System.MinPipeWireVersion),
		Ports:    audio.NewPipeWire(),
	})
}

func NewWithDeps(cfg *config.Config, deps Deps) *MeetCaptureService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &MeetCaptureService{
		cfg:     cfg,
		deps:    deps,
		backend: audio.NewBackend(deps.Host, deps.Platform),
	}
}

// withHost runs fn with the device host initialized.
func (s *MeetCaptureService) withHost(fn func() error) error {
	if lc, ok := s.deps.Host.(hostLifecycle); ok {
		if err := lc.Initialize(); err != nil {
			return err
		}
		defer lc.Terminate()
	}
	return fn()
}

// Record captures into a new session folder until ctx is cancelled or Stop
// is called, then validates the artifact.
func (s *MeetCaptureService) Record(ctx context.Context, name string) (*RecordingResult, error) {
	// Stop may arrive while the source is still being built; cancelling
	// ctx covers that window.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mutex.Lock()
	if s.cancel != nil {
		s.mutex.Unlock()
		return nil, audio.ErrAlreadyRecording
	}
	s.cancel = cancel
	s.mutex.Unlock()
	defer func() {
		s.mutex.Lock()
		s.cancel = nil
		s.current = nil
		s.mutex.Unlock()
	}()

	s.clearLastError()

	var result *RecordingResult
	err := s.withHost(func() error {
		var err error
		result, err = s.record(ctx, name)
		return err
	})
	if err != nil {
		s.setLastError(fmt.Sprintf("Recording failed: %v", err))
		return result, err
	}
	return result, nil
}

func (s *MeetCaptureService) record(ctx context.Context, name string) (*RecordingResult, error) {
	src, err := s.backend.NewSource(s.cfg)
	if err != nil {
		return nil, err
	}

	sessionDir := s.sessionDir(name)
	filename := s.cfg.Output.Filename
	if filename == "" {
		filename = audio.DefaultFilename(s.deps.Now())
	}

	s.mutex.Lock()
	s.current = src
	s.mutex.Unlock()

	slog.Info("Recording", "method", s.cfg.RecordingMethod, "session", sessionDir)

	path, err := src.Record(ctx, sessionDir, filename)

	result := &RecordingResult{SessionDir: sessionDir, Source: src.Info()}
	if m, ok := src.(*audio.MultiSource); ok {
		if session := m.Session(); session != nil && session.Errors != nil {
			result.Warnings = append(result.Warnings, strings.Split(session.Errors.Error(), "\n")...)
		}
	}

	if err != nil {
		return result, err
	}
	if path == "" {
		return result, ErrNothingCaptured
	}

	if err := audio.ValidateArtifact(path, s.cfg.Capture.MinFileSize); err != nil {
		return result, err
	}
	result.Path = path

	if format, err := wavio.Stat(path); err != nil {
		slog.Warn("Could not read recording header", "path", path, "error", err)
	} else {
		result.Duration = format.Duration()
		result.SampleRate = format.SampleRate
		result.Channels = format.Channels
	}

	slog.Info("Recording saved", "path", path, "duration", result.Duration)
	return result, nil
}

// sessionDir is <output>/<start time>[_<name>].
func (s *MeetCaptureService) sessionDir(name string) string {
	folder := s.deps.Now().Format(s.cfg.Output.SessionLayout)
	if clean := audio.CleanFileName(name); clean != "" {
		folder += "_" + clean
	}
	return filepath.Join(s.cfg.Output.Directory, folder)
}

// Stop ends the recording in progress, if any. A session that is still
// starting stops as soon as its source runs.
func (s *MeetCaptureService) Stop() {
	s.mutex.Lock()
	cancel, src := s.cancel, s.current
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if src != nil {
		src.Stop()
	}
}

func (s *MeetCaptureService) IsRecording() bool {
	s.mutex.Lock()
	src := s.current
	s.mutex.Unlock()
	return src != nil && src.IsRecording()
}

// Merge mixes existing WAV files into output.
func (s *MeetCaptureService) Merge(paths []string, output string) (*RecordingInfo, error) {
	if output == "" {
		output = filepath.Join(s.cfg.Output.Directory, audio.DefaultFilename(s.deps.Now()))
	}
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	out, err := mix.Merge(paths, output)
	if err != nil {
		s.setLastError(fmt.Sprintf("Merge failed: %v", err))
		return nil, err
	}
	return recordingInfo(out)
}

// Info describes the source the current configuration would record from.
func (s *MeetCaptureService) Info() (audio.Info, error) {
	var info audio.Info
	err := s.withHost(func() error {
		src, err := s.backend.NewSource(s.cfg)
		if err != nil {
			return err
		}
		info = src.Info()
		return nil
	})
	return info, err
}

func (s *MeetCaptureService) Methods() []audio.Method {
	return s.backend.AvailableMethods()
}

// Sources lists input devices and, where available, PipeWire ports. A
// missing pw-link is reported in the listing rather than failing it.
func (s *MeetCaptureService) Sources() (*SourceListing, error) {
	listing := &SourceListing{}

	err := s.withHost(func() error {
		if s.deps.Host == nil {
			return nil
		}
		devices, err := s.deps.Host.Devices()
		if err != nil {
			return fmt.Errorf("failed to list audio devices: %w", err)
		}
		for _, d := range devices {
			if d.MaxInputChannels > 0 {
				listing.Devices = append(listing.Devices, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.deps.Ports != nil {
		ports, err := s.deps.Ports.ListPorts()
		if err != nil {
			slog.Debug("PipeWire ports unavailable", "error", err)
			listing.PortsError = err.Error()
		} else {
			listing.Ports = ports
		}
	}

	return listing, nil
}

// ListRecordings returns WAV files under the output directory, newest first.
func (s *MeetCaptureService) ListRecordings() ([]RecordingInfo, error) {
	root := s.cfg.Output.Directory

	var recordings []RecordingInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".wav") {
			return nil
		}

		info, err := recordingInfo(path)
		if err != nil {
			slog.Warn("Skipping unreadable recording", "path", path, "error", err)
			return nil
		}
		recordings = append(recordings, *info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	// Sort by modification time (newest first)
	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})

	return recordings, nil
}

func recordingInfo(path string) (*RecordingInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	format, err := wavio.Stat(path)
	if err != nil {
		return nil, err
	}

	return &RecordingInfo{
		Name:         filepath.Base(path),
		Path:         path,
		Size:         fi.Size(),
		SizeHuman:    formatBytes(fi.Size()),
		ModTime:      fi.ModTime(),
		ModTimeHuman: fi.ModTime().Format("2006-01-02 15:04:05"),
		Duration:     format.Duration(),
		SampleRate:   format.SampleRate,
		Channels:     format.Channels,
	}, nil
}

// GetConfig returns the current configuration
func (s *MeetCaptureService) GetConfig() *config.Config {
	return s.cfg
}

// GetLastError returns the last error message (thread-safe)
func (s *MeetCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *MeetCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *MeetCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
