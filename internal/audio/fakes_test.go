package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/wavio"
)

// fakeHost is a DeviceHost whose stream is driven by the test through push.
type fakeHost struct {
	devices []DeviceInfo
	listErr error
	openErr error

	mutex    sync.Mutex
	callback InputCallback
	stream   *fakeInputStream
}

func newFakeHost(devices ...DeviceInfo) *fakeHost {
	return &fakeHost{devices: devices}
}

func (h *fakeHost) Devices() ([]DeviceInfo, error) {
	return h.devices, h.listErr
}

func (h *fakeHost) OpenInput(dev DeviceInfo, channels int, sampleRate float64, framesPerBuffer int, callback InputCallback) (InputStream, error) {
	if h.openErr != nil {
		return nil, h.openErr
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.callback = callback
	h.stream = &fakeInputStream{}
	return h.stream, nil
}

func (h *fakeHost) started() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.stream != nil && h.stream.started.Load()
}

// push delivers one buffer the way a platform callback would.
func (h *fakeHost) push(in []int16, overflow bool) {
	h.mutex.Lock()
	cb := h.callback
	h.mutex.Unlock()
	cb(in, overflow)
}

type fakeInputStream struct {
	started atomic.Bool
	stopped atomic.Bool
	closed  atomic.Bool
}

func (s *fakeInputStream) Start() error { s.started.Store(true); return nil }
func (s *fakeInputStream) Stop() error  { s.stopped.Store(true); return nil }
func (s *fakeInputStream) Close() error { s.closed.Store(true); return nil }

// fakeStream is a CaptureStream whose frames are pushed by the test.
type fakeStream struct {
	startErr   error
	ignoreStop bool

	mutex   sync.Mutex
	handler func(Frame)
	stopped bool
}

func (s *fakeStream) StartCapture(handler func(Frame), completion func(error)) {
	s.mutex.Lock()
	s.handler = handler
	s.mutex.Unlock()
	go completion(s.startErr)
}

func (s *fakeStream) StopCapture(completion func(error)) {
	s.mutex.Lock()
	s.stopped = true
	s.mutex.Unlock()
	if !s.ignoreStop {
		go completion(nil)
	}
}

func (s *fakeStream) running() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.handler != nil && !s.stopped
}

func (s *fakeStream) push(f Frame) {
	s.mutex.Lock()
	h := s.handler
	s.mutex.Unlock()
	h(f)
}

// fakeWriter is a MediaWriter that records what it was given.
type fakeWriter struct {
	notReady  atomic.Bool
	fail      error
	hangOnEnd bool

	mutex         sync.Mutex
	sessionStarts []time.Duration
	frames        []Frame
	finished      bool
	status        WriterStatus
}

func (w *fakeWriter) StartSession(pts time.Duration) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.sessionStarts = append(w.sessionStarts, pts)
}

func (w *fakeWriter) Ready() bool { return !w.notReady.Load() }

func (w *fakeWriter) Append(f Frame) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if len(w.sessionStarts) == 0 {
		return ErrSessionNotStarted
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *fakeWriter) MarkFinished() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.finished = true
}

func (w *fakeWriter) Finish(done func()) {
	w.mutex.Lock()
	if w.fail != nil {
		w.status = WriterFailed
	} else {
		w.status = WriterCompleted
	}
	w.mutex.Unlock()
	if !w.hangOnEnd {
		go done()
	}
}

func (w *fakeWriter) Status() WriterStatus {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.status
}

func (w *fakeWriter) Err() error { return w.fail }

func (w *fakeWriter) snapshot() ([]time.Duration, []Frame) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return append([]time.Duration(nil), w.sessionStarts...), append([]Frame(nil), w.frames...)
}

// fakePlatform hands out one fake stream and either a fake or a real writer.
type fakePlatform struct {
	checkErr   error
	stream     *fakeStream
	writer     *fakeWriter // nil means a real WAV writer
	writerPath string
}

func (p *fakePlatform) Check() error { return p.checkErr }

func (p *fakePlatform) NewStream(cfg SystemConfig) (CaptureStream, error) {
	return p.stream, nil
}

func (p *fakePlatform) NewWriter(path string, cfg SystemConfig) (MediaWriter, error) {
	p.writerPath = path
	if p.writer != nil {
		return p.writer, nil
	}
	return newWavFileWriter(path, cfg.SampleRate, cfg.Channels, cfg.WriterQueueSize)
}

// fakeSource writes its samples as a mono WAV once stopped.
type fakeSource struct {
	samples  []int16
	rate     int
	failErr  error
	panicMsg string
	junk     bool          // write a non-WAV file
	hang     chan struct{} // when set, ignore stop until closed

	stopCalls atomic.Int32
	recording atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func newFakeSource(rate int, samples []int16) *fakeSource {
	return &fakeSource{rate: rate, samples: samples, stopCh: make(chan struct{})}
}

func (s *fakeSource) Record(ctx context.Context, outputDir, filename string) (string, error) {
	if s.failErr != nil {
		return "", s.failErr
	}
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}

	s.recording.Store(true)
	defer s.recording.Store(false)

	if s.hang != nil {
		<-s.hang
	} else {
		select {
		case <-s.stopCh:
		case <-ctx.Done():
		}
	}

	path := filepath.Join(outputDir, filename)
	if s.junk {
		return path, os.WriteFile(path, make([]byte, 128), 0644)
	}
	return path, wavio.WriteFile(path, s.rate, 1, s.samples)
}

func (s *fakeSource) Stop() {
	s.stopCalls.Add(1)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *fakeSource) IsRecording() bool { return s.recording.Load() }

func (s *fakeSource) Info() Info {
	return Info{Type: "fake", SampleRate: s.rate, Channels: 1}
}

var errBoom = errors.New("boom")

type recordResult struct {
	path string
	err  error
}

func recordAsync(ctx context.Context, src Source, dir, name string) <-chan recordResult {
	ch := make(chan recordResult, 1)
	go func() {
		path, err := src.Record(ctx, dir, name)
		ch <- recordResult{path, err}
	}()
	return ch
}
