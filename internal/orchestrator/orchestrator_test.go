package orchestrator

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prerollcam/prerollcam/internal/config"
	"github.com/prerollcam/prerollcam/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromValues(map[string]string{
		"CAMERA_1_URL":     "rtsp://127.0.0.1:554/test",
		"CAMERA_2_URL":     "rtsp://127.0.0.1:554/test2",
		"TEMP_DIR":         t.TempDir(),
		"CLIPS_DIR":        t.TempDir(),
		"GRACEFUL_TIMEOUT": "1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	o, err := New(testConfig(t), strings.NewReader(""), logging.NewRingBuffer(10), logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func TestStatus_ReportsEveryCamera(t *testing.T) {
	o := newTestOrchestrator(t)
	defer o.bus.Stop()

	report := o.Status()

	if len(report.Cameras) != 2 {
		t.Fatalf("expected 2 cameras, got %d", len(report.Cameras))
	}
	for _, id := range []string{"camera_1", "camera_2"} {
		cam, ok := report.Cameras[id]
		if !ok {
			t.Fatalf("missing camera %s", id)
		}
		if cam.WorkerState != "stopped" {
			t.Errorf("%s: expected stopped before Run, got %s", id, cam.WorkerState)
		}
		if cam.Buffer.NewestAge != -1 {
			t.Errorf("%s: empty buffer should report age -1", id)
		}
	}
	if report.FreeSpace <= 0 {
		t.Errorf("free space not probed: %v", report.FreeSpace)
	}
	if report.Resources == nil {
		t.Error("resource block missing")
	}
}

func TestRun_ShutdownLiveness(t *testing.T) {
	o := newTestOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	codeCh := make(chan int, 1)
	go func() { codeCh <- o.Run(ctx) }()

	// Let startup get underway, then signal shutdown.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case code := <-codeCh:
		if code != ExitOK {
			t.Errorf("exit code %d, want %d", code, ExitOK)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete within the graceful deadline")
	}

	// The buffer manifest is left for a successor process.
	manifest := filepath.Join(o.cfg.TempDir, manifestName)
	if _, err := os.Stat(manifest); err != nil {
		t.Errorf("buffer manifest not written: %v", err)
	}
}

func TestRequestShutdown(t *testing.T) {
	o := newTestOrchestrator(t)

	codeCh := make(chan int, 1)
	go func() { codeCh <- o.Run(context.Background()) }()

	time.Sleep(200 * time.Millisecond)
	o.RequestShutdown()

	select {
	case code := <-codeCh:
		if code != ExitOK {
			t.Errorf("exit code %d, want %d", code, ExitOK)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("internal shutdown request did not stop the orchestrator")
	}
}
