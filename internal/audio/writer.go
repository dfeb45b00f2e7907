package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/wavio"
)

var errWriterNotReady = errors.New("writer not ready for more data")

// wavFileWriter is a MediaWriter that streams frames into a WAV file from a
// dedicated goroutine.
type wavFileWriter struct {
	file   *wavio.Writer
	frames chan Frame
	done   chan struct{}

	mutex        sync.Mutex
	started      bool
	sessionStart time.Duration
	finished     bool
	status       WriterStatus
	err          error
}

func newWavFileWriter(path string, sampleRate, channels, queueSize int) (*wavFileWriter, error) {
	file, err := wavio.Create(path, sampleRate, channels)
	if err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = 1
	}

	w := &wavFileWriter{
		file:   file,
		frames: make(chan Frame, queueSize),
		done:   make(chan struct{}),
		status: WriterWriting,
	}
	go w.run()
	return w, nil
}

func (w *wavFileWriter) run() {
	defer close(w.done)

	for f := range w.frames {
		if w.Status() == WriterFailed {
			continue
		}
		if err := w.file.Write(f.Samples); err != nil {
			w.fail(err)
		}
	}

	if err := w.file.Close(); err != nil {
		w.fail(err)
	}

	w.mutex.Lock()
	if w.status == WriterWriting {
		w.status = WriterCompleted
	}
	w.mutex.Unlock()

	slog.Debug("Media writer finished", "path", w.file.Path(), "frames", w.file.Frames(), "status", w.Status())
}

func (w *wavFileWriter) fail(err error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.status != WriterFailed {
		w.status = WriterFailed
		w.err = err
		slog.Error("Media writer failed", "path", w.file.Path(), "error", err)
	}
}

func (w *wavFileWriter) StartSession(pts time.Duration) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.sessionStart = pts
}

func (w *wavFileWriter) Ready() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.started && !w.finished && w.status == WriterWriting && len(w.frames) < cap(w.frames)
}

func (w *wavFileWriter) Append(f Frame) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	switch {
	case !w.started:
		return ErrSessionNotStarted
	case w.finished:
		return fmt.Errorf("append after writer input finished")
	case w.status == WriterFailed:
		return fmt.Errorf("%w: %w", ErrWriterFailed, w.err)
	case f.PTS < w.sessionStart:
		// before the session timeline
		return nil
	}

	select {
	case w.frames <- f:
		return nil
	default:
		return errWriterNotReady
	}
}

func (w *wavFileWriter) MarkFinished() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if !w.finished {
		w.finished = true
		close(w.frames)
	}
}

func (w *wavFileWriter) Finish(done func()) {
	go func() {
		<-w.done
		done()
	}()
}

func (w *wavFileWriter) Status() WriterStatus {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.status
}

func (w *wavFileWriter) Err() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.err
}
