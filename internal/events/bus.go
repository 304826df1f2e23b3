// Package events provides pub/sub messaging between the recorder's
// components using an embedded NATS server. Capture workers publish
// heartbeats, segment completions and worker state changes, and the
// triggers publish clip requests. The supervisor subscribes to
// heartbeats; status reporting, restarts and clip dispatch call the
// components directly.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects carried on the bus. Per-camera subjects append the camera ID.
const (
	SubjectHeartbeat     = "capture.heartbeat"
	SubjectSegmentClosed = "capture.segment"
	SubjectWorkerState   = "capture.state"
	SubjectClipRequested = "trigger.clip"
)

// Heartbeat is a liveness signal emitted by a capture worker.
type Heartbeat struct {
	CameraID         string    `json:"camera_id"`
	LastSegmentStart time.Time `json:"last_segment_start"`
	WallNow          time.Time `json:"wall_now"`
}

// SegmentClosed announces a segment appended to the buffer index.
type SegmentClosed struct {
	CameraID  string    `json:"camera_id"`
	Path      string    `json:"path"`
	StartTime time.Time `json:"start_time"`
	SizeBytes int64     `json:"size_bytes"`
}

// WorkerState announces a capture worker state transition.
type WorkerState struct {
	CameraID string `json:"camera_id"`
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
}

// ClipRequested announces a trigger firing.
type ClipRequested struct {
	RequestID   string    `json:"request_id"`
	CameraID    string    `json:"camera_id"` // "ALL" fans out
	DurationSec float64   `json:"duration_sec"`
	RequestTime time.Time `json:"request_time"`
	Source      string    `json:"source"` // "http" or "keyboard"
}

// Bus wraps an embedded NATS server and a client connection.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   []*nats.Subscription
	subsMu sync.Mutex
}

// NewBus starts an embedded NATS server on a random localhost port and
// connects to it.
func NewBus(logger *slog.Logger) (*Bus, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after 2s")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connecting to embedded NATS: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "events"),
	}
	b.logger.Debug("event bus started", "url", ns.ClientURL())
	return b, nil
}

// Publish marshals data as JSON and publishes it to subject.
func (b *Bus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// PublishCamera publishes onto a per-camera subject
// (e.g. capture.heartbeat.camera_1).
func (b *Bus) PublishCamera(subject, cameraID string, data interface{}) error {
	return b.Publish(subject+"."+cameraID, data)
}

// Subscribe registers a raw message handler. The wildcard form
// ("capture.heartbeat.*") observes all cameras.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) error {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	return nil
}

// SubscribeHeartbeats delivers decoded heartbeats from every camera.
func (b *Bus) SubscribeHeartbeats(handler func(Heartbeat)) error {
	return b.Subscribe(SubjectHeartbeat+".*", func(msg *nats.Msg) {
		var hb Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			b.logger.Warn("bad heartbeat payload", "error", err)
			return
		}
		handler(hb)
	})
}

// SubscribeClipRequests delivers decoded trigger events.
func (b *Bus) SubscribeClipRequests(handler func(ClipRequested)) error {
	return b.Subscribe(SubjectClipRequested, func(msg *nats.Msg) {
		var req ClipRequested
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			b.logger.Warn("bad clip request payload", "error", err)
			return
		}
		handler(req)
	})
}

// Flush waits until published messages have been processed by the
// server.
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// Stop drains subscriptions and shuts the embedded server down.
func (b *Bus) Stop() {
	b.subsMu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.subsMu.Unlock()

	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
	b.logger.Debug("event bus stopped")
}
