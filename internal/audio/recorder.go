package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var (
	ErrNoSources           = errors.New("no capture sources configured")
	ErrDeviceNotFound      = errors.New("audio device not found")
	ErrUnsupportedPlatform = errors.New("system audio capture not supported on this platform")
	ErrWriterFailed        = errors.New("media writer failed")
	ErrSessionNotStarted   = errors.New("writer session not started")
	ErrAlreadyRecording    = errors.New("source is already recording")
	ErrInvalidArtifact     = errors.New("invalid recording artifact")
)

// Source is one independently stoppable audio input that records to its
// own file.
type Source interface {
	// Record blocks until Stop is called, ctx is cancelled or the capture
	// fails. The returned file is flushed and closed. A recording with no
	// audio still returns its (possibly header-only) path.
	Record(ctx context.Context, outputDir, filename string) (string, error)

	// Stop requests termination without waiting for Record to return.
	// It is safe to call from any goroutine and more than once.
	Stop()

	IsRecording() bool
	Info() Info
}

// Source types reported by Info.
const (
	TypeDevice = "device"
	TypeSystem = "system"
	TypeMulti  = "multi"
)

// Info is static descriptive metadata about a source.
type Info struct {
	Type        string `json:"type" yaml:"type"`
	Device      string `json:"device,omitempty" yaml:"device,omitempty"`
	DeviceIndex int    `json:"device_index,omitempty" yaml:"device_index,omitempty"`
	Target      string `json:"target,omitempty" yaml:"target,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Channels    int    `json:"channels,omitempty" yaml:"channels,omitempty"`
	Sources     []Info `json:"sources,omitempty" yaml:"sources,omitempty"`
}

// Buffer is one block of interleaved 16-bit samples in arrival order.
// It is never modified after it is queued.
type Buffer struct {
	Seq     uint64
	Samples []int16
}

// DefaultFilename names a recording after its start time.
func DefaultFilename(now time.Time) string {
	return "recording_" + now.Format("20060102_150405") + ".wav"
}

// ValidateArtifact checks that a recording exists and holds more than a
// bare header.
func ValidateArtifact(path string, minSize int64) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidArtifact)
	}

	fileInfo, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: recording file not found: %s", ErrInvalidArtifact, path)
	}
	if fileInfo.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidArtifact, path)
	}
	if fileInfo.Size() <= minSize {
		return fmt.Errorf("%w: file too small (%d bytes)", ErrInvalidArtifact, fileInfo.Size())
	}
	return nil
}

// CleanFileName sanitizes a session name.
// Allows: letters, numbers, spaces, hyphens, underscores
func CleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// waitFor blocks until done is closed or timeout elapses. It reports
// whether done was observed.
func waitFor(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
