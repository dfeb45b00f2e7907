package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/meetcapture/internal/mix"
)

type MultiOptions struct {
	// PollInterval is how often Record checks for a stop request.
	PollInterval time.Duration
	// JoinTimeout bounds the wait for each source after stop.
	JoinTimeout time.Duration
	// MinFileSize is the size at or below which a part counts as empty.
	MinFileSize int64
}

// Session describes one multi-source recording.
type Session struct {
	ID         string    `json:"id" yaml:"id"`
	OutputDir  string    `json:"output_dir" yaml:"output_dir"`
	BaseName   string    `json:"base_name" yaml:"base_name"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	PartPaths  []string  `json:"part_paths" yaml:"part_paths"`
	MergedPath string    `json:"merged_path,omitempty" yaml:"merged_path,omitempty"`
	// Errors joins the failures of individual sources and of the merge.
	Errors error `json:"-" yaml:"-"`
}

// MultiSource records several sources at once and merges their output into
// a single mono file.
type MultiSource struct {
	sources []Source
	opts    MultiOptions

	running       atomic.Bool
	stopRequested atomic.Bool

	mutex    sync.Mutex
	stopping bool
	session  *Session
}

func NewMultiSource(sources []Source, opts MultiOptions) (*MultiSource, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.MinFileSize <= 0 {
		opts.MinFileSize = 44
	}

	return &MultiSource{sources: sources, opts: opts}, nil
}

type partResult struct {
	index int
	path  string
	err   error
}

// Record runs every source into <base>_part_<i>.wav, waits for Stop or
// ctx, then merges the non-empty parts into <base>.wav. It returns "" when
// no source captured anything.
func (m *MultiSource) Record(ctx context.Context, outputDir, filename string) (string, error) {
	now := time.Now()
	if filename == "" {
		filename = DefaultFilename(now)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	session := &Session{
		ID:        uuid.NewString(),
		OutputDir: outputDir,
		BaseName:  base,
		StartedAt: now,
	}

	// Stop checks running under the same lock, so a Stop that sees this
	// run is never wiped by the reset.
	m.mutex.Lock()
	if m.running.Load() {
		m.mutex.Unlock()
		return "", ErrAlreadyRecording
	}
	m.stopping = false
	m.stopRequested.Store(false)
	m.session = session
	m.running.Store(true)
	m.mutex.Unlock()
	defer m.running.Store(false)

	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var resultsMu sync.Mutex
	var results []partResult

	dones := make([]chan struct{}, len(m.sources))
	names := make([]string, len(m.sources))
	for i, src := range m.sources {
		done := make(chan struct{})
		dones[i] = done
		name := fmt.Sprintf("%s_part_%d.wav", base, i)
		names[i] = name

		go func() {
			defer close(done)
			path, err := runSource(srcCtx, src, outputDir, name)

			resultsMu.Lock()
			results = append(results, partResult{index: i, path: path, err: err})
			resultsMu.Unlock()
		}()
	}

	slog.Info("Multi-source recording started", "session", session.ID, "sources", len(m.sources), "output", outputDir)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

wait:
	for !m.stopRequested.Load() {
		select {
		case <-ctx.Done():
			m.Stop()
			break wait
		case <-ticker.C:
		}
	}

	// sources that were stopped before their Record began still see this
	cancel()

	abandoned := make(map[int]bool)
	for i, done := range dones {
		if waitFor(done, m.opts.JoinTimeout) {
			continue
		}
		part := filepath.Join(outputDir, names[i])
		slog.Warn("Source did not finish within timeout, abandoning it", "index", i, "timeout", m.opts.JoinTimeout, "part", part)
		abandoned[i] = true
		go removeWhenDone(done, part)
	}

	resultsMu.Lock()
	var collected []partResult
	for _, r := range results {
		// a late finisher's part belongs to removeWhenDone
		if !abandoned[r.index] {
			collected = append(collected, r)
		}
	}
	resultsMu.Unlock()
	sort.Slice(collected, func(a, b int) bool { return collected[a].index < collected[b].index })

	var (
		errs   []error
		valid  []string
		parts  []string
		result string
	)
	defer func() {
		m.mutex.Lock()
		session.PartPaths = parts
		session.MergedPath = result
		session.Errors = errors.Join(errs...)
		m.mutex.Unlock()
	}()

	for _, r := range collected {
		if r.err != nil {
			slog.Error("Source recording failed", "index", r.index, "type", m.sources[r.index].Info().Type, "error", r.err)
			errs = append(errs, fmt.Errorf("source %d: %w", r.index, r.err))
			continue
		}
		parts = append(parts, r.path)

		if err := ValidateArtifact(r.path, m.opts.MinFileSize); err != nil {
			slog.Warn("No audio captured by source", "index", r.index, "path", r.path, "reason", err)
			removePart(r.path)
			continue
		}
		valid = append(valid, r.path)
	}

	if len(valid) == 0 {
		slog.Warn("No audio captured by any source", "session", session.ID)
		return "", errors.Join(errs...)
	}

	merged := filepath.Join(outputDir, base+".wav")
	out, err := mix.Merge(valid, merged)
	if err != nil {
		slog.Error("Merge failed, keeping unmerged parts", "error", err, "fallback", valid[0])
		errs = append(errs, fmt.Errorf("merge: %w", err))
		result = valid[0]
		return result, nil
	}

	for _, p := range valid {
		if p != out {
			removePart(p)
		}
	}

	result = out
	slog.Info("Multi-source recording finished", "session", session.ID, "parts", len(valid), "output", out)
	return out, nil
}

// runSource turns a panicking source into an error so the others still
// get joined and merged.
func runSource(ctx context.Context, src Source, outputDir, name string) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panicked: %v", r)
		}
	}()
	return src.Record(ctx, outputDir, name)
}

// removeWhenDone deletes the part of an abandoned source once the source
// finally returns, so it does not outlive the session as a stray recording.
func removeWhenDone(done <-chan struct{}, path string) {
	<-done
	removePart(path)
	slog.Debug("Removed part of abandoned source", "path", path)
}

func removePart(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove intermediate file", "path", path, "error", err)
	}
}

// Stop stops every source and then releases Record. Only the first call
// during a recording has any effect.
func (m *MultiSource) Stop() {
	m.mutex.Lock()
	if !m.running.Load() || m.stopping {
		m.mutex.Unlock()
		return
	}
	m.stopping = true
	m.mutex.Unlock()

	slog.Debug("Stopping all sources", "count", len(m.sources))
	for _, src := range m.sources {
		src.Stop()
	}
	m.stopRequested.Store(true)
}

func (m *MultiSource) IsRecording() bool {
	return m.running.Load() && !m.stopRequested.Load()
}

func (m *MultiSource) Info() Info {
	info := Info{Type: TypeMulti}
	for _, src := range m.sources {
		info.Sources = append(info.Sources, src.Info())
	}
	return info
}

// Session returns the most recent recording session, or nil.
func (m *MultiSource) Session() *Session {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	s.PartPaths = append([]string(nil), m.session.PartPaths...)
	return &s
}
