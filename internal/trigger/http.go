// Package trigger delivers clip requests to the assembler. Two
// front-ends exist: an HTTP API and a keyboard line reader.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/prerollcam/prerollcam/internal/buffer"
	"github.com/prerollcam/prerollcam/internal/clip"
	"github.com/prerollcam/prerollcam/internal/events"
	"github.com/prerollcam/prerollcam/internal/faults"
	"github.com/prerollcam/prerollcam/internal/logging"
	"github.com/prerollcam/prerollcam/internal/supervise"
)

// AllCameras is the camera_id wildcard fanning a request out to every
// camera.
const AllCameras = "ALL"

// ClipService is the assembler surface the triggers call.
type ClipService interface {
	Save(ctx context.Context, cameraID string, duration time.Duration, requestTime time.Time) (*clip.Result, error)
	SaveAll(ctx context.Context, duration time.Duration, requestTime time.Time) (map[string]*clip.Result, map[string]error)
}

// CameraReport aggregates one camera's state for /status.
type CameraReport struct {
	WorkerState string                  `json:"worker_state"`
	Buffer      buffer.CameraStatus     `json:"buffer"`
	Backoff     supervise.BackoffStatus `json:"backoff"`
}

// StatusReport is the aggregate /status payload.
type StatusReport struct {
	Cameras   map[string]CameraReport `json:"cameras"`
	Pressure  bool                    `json:"storage_pressure"`
	FreeSpace float64                 `json:"store_free_percent"`
	Resources map[string]interface{}  `json:"resources,omitempty"`
}

// StatusFunc produces the current aggregate report.
type StatusFunc func() StatusReport

// Server is the HTTP trigger front-end.
type Server struct {
	clips         ClipService
	status        StatusFunc
	logBuffer     *logging.RingBuffer
	bus           *events.Bus
	clipDuration  time.Duration
	chunkDuration time.Duration
	logger        *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	now func() time.Time
}

// NewServer wires the trigger routes.
func NewServer(port int, clips ClipService, status StatusFunc, logBuffer *logging.RingBuffer,
	bus *events.Bus, clipDuration, chunkDuration time.Duration, logger *slog.Logger) *Server {

	s := &Server{
		clips:         clips,
		status:        status,
		logBuffer:     logBuffer,
		bus:           bus,
		clipDuration:  clipDuration,
		chunkDuration: chunkDuration,
		logger:        logger.With("component", "trigger"),
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		now:           time.Now,
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the chi router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Post("/save-clip", s.handleSaveClip)
	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Get("/logs/stream", s.handleLogStream)
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("trigger HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type saveClipRequest struct {
	CameraID string  `json:"camera_id"`
	Duration float64 `json:"duration"`
}

type saveClipResponse struct {
	Success     bool              `json:"success"`
	Message     string            `json:"message"`
	TriggerTime string            `json:"trigger_time"`
	CameraID    string            `json:"camera_id"`
	RequestID   string            `json:"request_id"`
	Failures    map[string]string `json:"failures,omitempty"`
}

func (s *Server) handleSaveClip(w http.ResponseWriter, r *http.Request) {
	req := saveClipRequest{CameraID: AllCameras}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, saveClipResponse{
				Success: false, Message: "invalid JSON body: " + err.Error(),
			})
			return
		}
	}
	if req.CameraID == "" {
		req.CameraID = AllCameras
	}

	duration := s.clipDuration
	if req.Duration > 0 {
		duration = time.Duration(req.Duration * float64(time.Second))
	}

	requestTime := s.now()
	requestID := uuid.NewString()

	if s.bus != nil {
		_ = s.bus.Publish(events.SubjectClipRequested, events.ClipRequested{
			RequestID:   requestID,
			CameraID:    req.CameraID,
			DurationSec: duration.Seconds(),
			RequestTime: requestTime,
			Source:      "http",
		})
	}

	resp := saveClipResponse{
		TriggerTime: requestTime.UTC().Format(time.RFC3339),
		CameraID:    req.CameraID,
		RequestID:   requestID,
	}

	if req.CameraID == AllCameras {
		results, failures := s.clips.SaveAll(r.Context(), duration, requestTime)
		if len(failures) == 0 {
			resp.Success = true
			resp.Message = fmt.Sprintf("saved %d clip(s)", len(results))
			writeJSON(w, http.StatusOK, resp)
			return
		}
		resp.Failures = make(map[string]string, len(failures))
		worst := http.StatusServiceUnavailable
		for id, err := range failures {
			resp.Failures[id] = fmt.Sprintf("%s: %s", faults.KindOf(err), err.Error())
			if !errors.Is(err, faults.ErrInsufficientBuffer) {
				worst = http.StatusInternalServerError
			}
		}
		resp.Message = fmt.Sprintf("saved %d clip(s), %d failed", len(results), len(failures))
		resp.Success = len(results) > 0
		writeJSON(w, worst, resp)
		return
	}

	result, err := s.clips.Save(r.Context(), req.CameraID, duration, requestTime)
	if err != nil {
		resp.Message = fmt.Sprintf("%s: %s", faults.KindOf(err), err.Error())
		status := http.StatusInternalServerError
		if errors.Is(err, faults.ErrInsufficientBuffer) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
		return
	}

	resp.Success = true
	resp.Message = "clip saved: " + result.Path
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.status()

	healthy := len(report.Cameras) > 0
	reasons := make([]string, 0)
	maxAge := (2 * s.chunkDuration).Seconds()
	for id, cam := range report.Cameras {
		if cam.WorkerState != "running" {
			healthy = false
			reasons = append(reasons, fmt.Sprintf("%s is %s", id, cam.WorkerState))
			continue
		}
		if cam.Buffer.NewestAge < 0 || cam.Buffer.NewestAge >= maxAge {
			healthy = false
			reasons = append(reasons, fmt.Sprintf("%s segments stale", id))
		}
	}

	if healthy {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"status":  "unhealthy",
		"reasons": reasons,
	})
}

// handleLogStream upgrades to a websocket and follows the log ring
// buffer.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	for _, entry := range s.logBuffer.Recent(100) {
		if err := conn.WriteMessage(websocket.TextMessage, logging.EntryJSON(entry)); err != nil {
			return
		}
	}

	ch := s.logBuffer.Subscribe()
	defer s.logBuffer.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, logging.EntryJSON(entry)); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
