package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prerollcam/prerollcam/internal/buffer"
	"github.com/prerollcam/prerollcam/internal/clip"
	"github.com/prerollcam/prerollcam/internal/faults"
	"github.com/prerollcam/prerollcam/internal/logging"
	"github.com/prerollcam/prerollcam/internal/supervise"
)

type fakeClips struct {
	mu        sync.Mutex
	saveErr   error
	allErrs   map[string]error
	durations []time.Duration
	cameras   []string
}

func (f *fakeClips) Save(ctx context.Context, cameraID string, duration time.Duration, requestTime time.Time) (*clip.Result, error) {
	f.mu.Lock()
	f.durations = append(f.durations, duration)
	f.cameras = append(f.cameras, cameraID)
	f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	return &clip.Result{CameraID: cameraID, Path: "/clips/" + cameraID + ".mp4", Duration: duration, FastPath: true}, nil
}

func (f *fakeClips) SaveAll(ctx context.Context, duration time.Duration, requestTime time.Time) (map[string]*clip.Result, map[string]error) {
	f.mu.Lock()
	f.durations = append(f.durations, duration)
	f.cameras = append(f.cameras, AllCameras)
	f.mu.Unlock()

	results := map[string]*clip.Result{}
	failures := map[string]error{}
	if f.allErrs == nil {
		results["camera_1"] = &clip.Result{CameraID: "camera_1", Path: "/clips/camera_1.mp4"}
		return results, failures
	}
	for id, err := range f.allErrs {
		if err == nil {
			results[id] = &clip.Result{CameraID: id, Path: "/clips/" + id + ".mp4"}
		} else {
			failures[id] = err
		}
	}
	return results, failures
}

func healthyStatus() StatusReport {
	return StatusReport{
		Cameras: map[string]CameraReport{
			"camera_1": {
				WorkerState: "running",
				Buffer:      buffer.CameraStatus{SegmentCount: 6, CoveredSeconds: 30, NewestAge: 2},
				Backoff:     supervise.BackoffStatus{},
			},
		},
		FreeSpace: 80,
	}
}

func newTestServer(clips ClipService, status StatusFunc) *Server {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return NewServer(0, clips, status, logging.NewRingBuffer(10), nil,
		25*time.Second, 5*time.Second, logger)
}

func TestSaveClip_DefaultsToAllCameras(t *testing.T) {
	clips := &fakeClips{}
	srv := newTestServer(clips, healthyStatus)

	req := httptest.NewRequest(http.MethodPost, "/save-clip", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	var resp saveClipResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.CameraID != AllCameras {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.RequestID == "" || resp.TriggerTime == "" {
		t.Errorf("request metadata missing: %+v", resp)
	}
	if clips.durations[0] != 25*time.Second {
		t.Errorf("default duration not applied: %v", clips.durations[0])
	}
}

func TestSaveClip_SingleCameraWithDuration(t *testing.T) {
	clips := &fakeClips{}
	srv := newTestServer(clips, healthyStatus)

	body := strings.NewReader(`{"camera_id": "camera_2", "duration": 10}`)
	req := httptest.NewRequest(http.MethodPost, "/save-clip", body)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if clips.cameras[0] != "camera_2" || clips.durations[0] != 10*time.Second {
		t.Errorf("request not forwarded: %v %v", clips.cameras, clips.durations)
	}
}

func TestSaveClip_InsufficientBufferIs503(t *testing.T) {
	clips := &fakeClips{saveErr: faults.Errorf(faults.KindInsufficientBuffer, "only 15s buffered")}
	srv := newTestServer(clips, healthyStatus)

	body := strings.NewReader(`{"camera_id": "camera_1"}`)
	req := httptest.NewRequest(http.MethodPost, "/save-clip", body)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
	var resp saveClipResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Success {
		t.Error("success must be false")
	}
	if !strings.Contains(resp.Message, "InsufficientBuffer") {
		t.Errorf("error kind missing from message: %s", resp.Message)
	}
}

func TestSaveClip_InternalErrorIs500(t *testing.T) {
	clips := &fakeClips{saveErr: faults.Errorf(faults.KindInternal, "ffmpeg blew up")}
	srv := newTestServer(clips, healthyStatus)

	body := strings.NewReader(`{"camera_id": "camera_1"}`)
	req := httptest.NewRequest(http.MethodPost, "/save-clip", body)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status %d, want 500", rec.Code)
	}
}

func TestSaveClip_AllReportsPerCameraFailures(t *testing.T) {
	clips := &fakeClips{allErrs: map[string]error{
		"camera_1": nil,
		"camera_2": faults.Errorf(faults.KindInsufficientBuffer, "empty"),
	}}
	srv := newTestServer(clips, healthyStatus)

	req := httptest.NewRequest(http.MethodPost, "/save-clip", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
	var resp saveClipResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if _, ok := resp.Failures["camera_2"]; !ok {
		t.Errorf("per-camera failure missing: %+v", resp)
	}
	if !resp.Success {
		t.Error("partial success should still report success=true")
	}
}

func TestSaveClip_BadJSON(t *testing.T) {
	srv := newTestServer(&fakeClips{}, healthyStatus)

	req := httptest.NewRequest(http.MethodPost, "/save-clip", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestHealth_Healthy(t *testing.T) {
	srv := newTestServer(&fakeClips{}, healthyStatus)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestHealth_UnhealthyWorkerDown(t *testing.T) {
	status := func() StatusReport {
		r := healthyStatus()
		cam := r.Cameras["camera_1"]
		cam.WorkerState = "backoff"
		r.Cameras["camera_1"] = cam
		return r
	}
	srv := newTestServer(&fakeClips{}, status)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", rec.Code)
	}
}

func TestHealth_UnhealthyStaleSegments(t *testing.T) {
	status := func() StatusReport {
		r := healthyStatus()
		cam := r.Cameras["camera_1"]
		cam.Buffer.NewestAge = 11 // >= 2 × 5s chunk
		r.Cameras["camera_1"] = cam
		return r
	}
	srv := newTestServer(&fakeClips{}, status)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", rec.Code)
	}
}

func TestStatus_ReturnsReport(t *testing.T) {
	srv := newTestServer(&fakeClips{}, healthyStatus)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var report StatusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	cam, ok := report.Cameras["camera_1"]
	if !ok || cam.Buffer.SegmentCount != 6 {
		t.Errorf("report mangled: %+v", report)
	}
}

func TestKeyboard_SaveAndQuit(t *testing.T) {
	clips := &fakeClips{}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	shutdowns := 0
	kb := NewKeyboard(strings.NewReader("s\nx\nq\ns\n"), clips, nil, 25*time.Second,
		func() { shutdowns++ }, logger)

	done := make(chan struct{})
	go func() {
		kb.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keyboard reader did not exit on q")
	}

	if shutdowns != 1 {
		t.Errorf("expected one shutdown, got %d", shutdowns)
	}
	clips.mu.Lock()
	defer clips.mu.Unlock()
	// Only the "s" before "q" fires; the one after is never read.
	if len(clips.cameras) != 1 || clips.cameras[0] != AllCameras {
		t.Errorf("unexpected trigger calls: %v", clips.cameras)
	}
	if clips.durations[0] != 25*time.Second {
		t.Errorf("wrong duration: %v", clips.durations[0])
	}
}

func TestKeyboard_EOFExits(t *testing.T) {
	kb := NewKeyboard(strings.NewReader(""), &fakeClips{}, nil, 25*time.Second,
		func() {}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	done := make(chan struct{})
	go func() {
		kb.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keyboard reader did not exit on EOF")
	}
}
