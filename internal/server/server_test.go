package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/meetcapture/internal/audio"
	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/service"
)

// blockingService records until Stop is called.
type blockingService struct {
	cfg        *config.Config
	recordings []service.RecordingInfo

	mutex   sync.Mutex
	stopCh  chan struct{}
	started chan string
}

func newBlockingService(cfg *config.Config) *blockingService {
	return &blockingService{cfg: cfg, started: make(chan string, 1)}
}

func (b *blockingService) Record(ctx context.Context, name string) (*service.RecordingResult, error) {
	b.mutex.Lock()
	b.stopCh = make(chan struct{})
	stopCh := b.stopCh
	b.mutex.Unlock()

	b.started <- name
	select {
	case <-stopCh:
	case <-ctx.Done():
	}
	return &service.RecordingResult{Path: filepath.Join(b.cfg.Output.Directory, name+".wav")}, nil
}

func (b *blockingService) Stop() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.stopCh != nil {
		close(b.stopCh)
		b.stopCh = nil
	}
}

func (b *blockingService) IsRecording() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.stopCh != nil
}

func (b *blockingService) Merge(paths []string, output string) (*service.RecordingInfo, error) {
	return nil, nil
}
func (b *blockingService) Info() (audio.Info, error) { return audio.Info{Type: audio.TypeDevice}, nil }
func (b *blockingService) Methods() []audio.Method {
	return []audio.Method{{Name: config.MethodDevice, Available: true}}
}
func (b *blockingService) Sources() (*service.SourceListing, error) {
	return &service.SourceListing{Devices: []audio.DeviceInfo{{Index: 1, Name: "Mic", MaxInputChannels: 1}}}, nil
}
func (b *blockingService) ListRecordings() ([]service.RecordingInfo, error) { return b.recordings, nil }
func (b *blockingService) GetConfig() *config.Config                        { return b.cfg }
func (b *blockingService) GetLastError() string                             { return "" }

func newTestServer(t *testing.T) (*Server, *blockingService, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()

	svc := newBlockingService(cfg)
	srv := New(svc, "127.0.0.1:0")
	srv.StopWait = 2 * time.Second

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, svc, ts
}

func getStatus(t *testing.T, ts *httptest.Server) StatusResponse {
	t.Helper()
	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func TestRecordStopCycle(t *testing.T) {
	_, svc, ts := newTestServer(t)

	resp, err := http.PostForm(ts.URL+"/record", url.Values{"name": {"standup"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case name := <-svc.started:
		assert.Equal(t, "standup", name)
	case <-time.After(2 * time.Second):
		t.Fatal("recording never started")
	}

	status := getStatus(t, ts)
	assert.Equal(t, "recording", status.Status)
	assert.Equal(t, "standup", status.Session)
	require.NotNil(t, status.StartedAt)

	// A second session is refused while one runs
	resp, err = http.PostForm(ts.URL+"/record", url.Values{"name": {"other"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/stop", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success bool                     `json:"success"`
		Result  *service.RecordingResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	require.NotNil(t, body.Result)
	assert.True(t, strings.HasSuffix(body.Result.Path, "standup.wav"))

	status = getStatus(t, ts)
	assert.Equal(t, "idle", status.Status)
	require.NotNil(t, status.LastResult)
}

func TestStopWhenIdle(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/stop", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/record")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/status", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSourcesAndMethods(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/sources")
	require.NoError(t, err)
	var listing service.SourceListing
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	require.Len(t, listing.Devices, 1)
	assert.Equal(t, "Mic", listing.Devices[0].Name)

	resp, err = http.Get(ts.URL + "/methods")
	require.NoError(t, err)
	var methods []audio.Method
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&methods))
	resp.Body.Close()
	require.Len(t, methods, 1)
	assert.Equal(t, config.MethodDevice, methods[0].Name)
}

func TestFilesAndStream(t *testing.T) {
	srv, svc, ts := newTestServer(t)

	sessionDir := filepath.Join(srv.cfg.Output.Directory, "2025_03_07 09-05")
	require.NoError(t, os.MkdirAll(sessionDir, 0755))
	path := filepath.Join(sessionDir, "meeting.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFdata"), 0644))
	svc.recordings = []service.RecordingInfo{{Name: "meeting.wav", Path: path}}

	resp, err := http.Get(ts.URL + "/api/files")
	require.NoError(t, err)
	var files FilesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&files))
	resp.Body.Close()

	require.Equal(t, 1, files.TotalCount)
	assert.Equal(t, "2025_03_07 09-05/meeting.wav", files.Files[0].RelPath)

	streamURL := ts.URL + "/api/files/stream/" + url.PathEscape("2025_03_07 09-05") + "/meeting.wav"
	resp, err = http.Get(streamURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
}

func TestFileStreamRejectsBadPaths(t *testing.T) {
	_, _, ts := newTestServer(t)

	tests := []struct {
		path string
		code int
	}{
		{"/api/files/stream/", http.StatusBadRequest},
		{"/api/files/stream/notes.txt", http.StatusBadRequest},
		{"/api/files/stream/missing.wav", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + tt.path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.code, resp.StatusCode, tt.path)
	}
}

func TestStartStopsRecordingOnShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	svc := newBlockingService(cfg)
	srv := New(svc, "127.0.0.1:0")
	srv.StopWait = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	// Start stores ctx before serving; wait until sessions use it
	require.Eventually(t, func() bool {
		srv.mutex.Lock()
		defer srv.mutex.Unlock()
		return srv.ctx == ctx
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.StartRecording("late"))
	<-svc.started

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, svc.IsRecording())
}
