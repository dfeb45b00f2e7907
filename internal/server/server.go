package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/service"
)

// ErrBusy is returned when a recording is requested while one is running.
var ErrBusy = errors.New("a recording is already in progress")

// Server exposes recording control over HTTP so a session can be started
// and stopped from another device on the network.
type Server struct {
	service service.Service
	cfg     *config.Config
	addr    string

	// StopWait bounds how long /stop waits for the session to finish.
	StopWait time.Duration

	mutex      sync.Mutex
	ctx        context.Context
	done       chan struct{}
	sessionFor string
	startedAt  time.Time
	lastResult *service.RecordingResult
	lastError  string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status     string                   `json:"status"`
	Session    string                   `json:"session,omitempty"`
	StartedAt  *time.Time               `json:"started_at,omitempty"`
	Method     string                   `json:"method"`
	OutputDir  string                   `json:"output_dir"`
	LastResult *service.RecordingResult `json:"last_result,omitempty"`
	LastError  string                   `json:"last_error,omitempty"`
}

// FileInfo represents a recording for the web UI
type FileInfo struct {
	service.RecordingInfo
	RelPath   string `json:"rel_path"`
	StreamURL string `json:"stream_url"`
}

// FilesResponse represents the response for files API
type FilesResponse struct {
	Files           []FileInfo `json:"files"`
	TotalCount      int        `json:"total_count"`
	OutputDirectory string     `json:"output_directory"`
}

// New creates a new web server instance
func New(svc service.Service, addr string) *Server {
	return &Server{
		service:  svc,
		cfg:      svc.GetConfig(),
		addr:     addr,
		StopWait: time.Minute,
		ctx:      context.Background(),
	}
}

// Handler returns the routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/record", s.handleRecord)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/methods", s.handleMethods)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/files/stream/", s.handleFileStream)
	return mux
}

// Start serves until ctx is cancelled. A recording still running at that
// point is stopped and waited for.
func (s *Server) Start(ctx context.Context) error {
	s.mutex.Lock()
	s.ctx = ctx
	s.mutex.Unlock()

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("Starting MeetCapture web server",
		"addr", s.addr,
		"local_url", fmt.Sprintf("http://%s%s", getLocalIP(), portSuffix(s.addr)))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down web server")
	s.service.Stop()
	s.waitSession(s.StopWait)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// StartRecording launches a session in the background.
func (s *Server) StartRecording(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.done != nil {
		return ErrBusy
	}

	done := make(chan struct{})
	s.done = done
	s.sessionFor = name
	s.startedAt = time.Now()
	ctx := s.ctx

	go func() {
		defer close(done)

		result, err := s.service.Record(ctx, name)

		s.mutex.Lock()
		defer s.mutex.Unlock()
		s.done = nil
		s.lastResult = result
		s.lastError = ""
		if err != nil {
			s.lastError = err.Error()
			slog.Error("Server: recording failed", "session", name, "error", err)
		}
	}()

	slog.Info("Server: recording started", "session", name)
	return nil
}

// StopRecording stops the running session and waits for it to finish.
// It reports whether the session finished within the wait.
func (s *Server) StopRecording() bool {
	s.service.Stop()
	return s.waitSession(s.StopWait)
}

func (s *Server) waitSession(timeout time.Duration) bool {
	s.mutex.Lock()
	done := s.done
	s.mutex.Unlock()

	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// handleRecord starts a recording session
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	name := r.FormValue("name")

	if err := s.StartRecording(name); err != nil {
		s.sendErrorResponse(w, http.StatusConflict, err.Error(), "session", name, "operation", "record")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"message": "Recording started",
		"session": name,
	})
}

// handleStop stops the current recording session
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if !s.StopRecording() {
		s.sendErrorResponse(w, http.StatusGatewayTimeout, "Recording did not finish in time", "operation", "stop")
		return
	}

	s.mutex.Lock()
	result, lastErr := s.lastResult, s.lastError
	s.mutex.Unlock()

	response := map[string]interface{}{
		"success": lastErr == "",
		"message": "Recording stopped",
	}
	if result != nil {
		response["result"] = result
	}
	if lastErr != "" {
		response["error"] = lastErr
	}
	writeJSON(w, http.StatusOK, response)
}

// handleStatus returns the current status and last session result
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.mutex.Lock()
	response := StatusResponse{
		Status:     "idle",
		Method:     s.cfg.RecordingMethod,
		OutputDir:  s.cfg.Output.Directory,
		LastResult: s.lastResult,
		LastError:  s.lastError,
	}
	if s.done != nil {
		started := s.startedAt
		response.Status = "recording"
		response.Session = s.sessionFor
		response.StartedAt = &started
	}
	s.mutex.Unlock()

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	listing, err := s.service.Sources()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list sources: %v", err), "operation", "sources")
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.service.Methods())
}

// handleFiles lists recordings in the output directory, newest first
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to read output directory: %v", err), "operation", "files")
		return
	}

	files := make([]FileInfo, 0, len(recordings))
	for _, rec := range recordings {
		rel, err := filepath.Rel(s.cfg.Output.Directory, rec.Path)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		files = append(files, FileInfo{
			RecordingInfo: rec,
			RelPath:       rel,
			StreamURL:     "/api/files/stream/" + rel,
		})
	}

	writeJSON(w, http.StatusOK, FilesResponse{
		Files:           files,
		TotalCount:      len(files),
		OutputDirectory: s.cfg.Output.Directory,
	})
}

// handleFileStream streams a recording
func (s *Server) handleFileStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/api/files/stream/")
	if rel == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}

	// Prevent path traversal
	rel = filepath.FromSlash(rel)
	if !filepath.IsLocal(rel) || !strings.EqualFold(filepath.Ext(rel), ".wav") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	filePath := filepath.Join(s.cfg.Output.Directory, rel)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

func portSuffix(addr string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil {
		return ":" + port
	}
	return ""
}
