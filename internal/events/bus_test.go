package events

import (
	"bytes"
	"log/slog"
	"testing"
	"time"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	bus, err := NewBus(logger)
	if err != nil {
		t.Fatalf("NewBus failed: %v", err)
	}
	t.Cleanup(bus.Stop)
	return bus
}

func TestBus_HeartbeatRoundTrip(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan Heartbeat, 1)
	if err := bus.SubscribeHeartbeats(func(hb Heartbeat) {
		received <- hb
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	sent := Heartbeat{
		CameraID:         "camera_1",
		LastSegmentStart: time.Unix(1700000000, 0).UTC(),
		WallNow:          time.Unix(1700000005, 0).UTC(),
	}
	if err := bus.PublishCamera(SubjectHeartbeat, sent.CameraID, sent); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.CameraID != sent.CameraID || !got.LastSegmentStart.Equal(sent.LastSegmentStart) {
			t.Errorf("heartbeat mangled: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat not delivered")
	}
}

func TestBus_ClipRequestRoundTrip(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan ClipRequested, 1)
	if err := bus.SubscribeClipRequests(func(req ClipRequested) {
		received <- req
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	sent := ClipRequested{
		RequestID:   "req-1",
		CameraID:    "ALL",
		DurationSec: 25,
		RequestTime: time.Unix(1700000050, 0).UTC(),
		Source:      "http",
	}
	if err := bus.Publish(SubjectClipRequested, sent); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.RequestID != "req-1" || got.CameraID != "ALL" || got.DurationSec != 25 {
			t.Errorf("clip request mangled: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("clip request not delivered")
	}
}
