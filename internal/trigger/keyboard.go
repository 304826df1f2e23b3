package trigger

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prerollcam/prerollcam/internal/events"
)

// Keyboard reads single-letter commands from a line-oriented input:
// "s" saves a clip for all cameras, "q" initiates shutdown.
type Keyboard struct {
	input        io.Reader
	clips        ClipService
	bus          *events.Bus
	clipDuration time.Duration
	shutdown     func()
	logger       *slog.Logger

	now func() time.Time
}

// NewKeyboard creates the stdin trigger front-end.
func NewKeyboard(input io.Reader, clips ClipService, bus *events.Bus, clipDuration time.Duration,
	shutdown func(), logger *slog.Logger) *Keyboard {
	return &Keyboard{
		input:        input,
		clips:        clips,
		bus:          bus,
		clipDuration: clipDuration,
		shutdown:     shutdown,
		logger:       logger.With("component", "trigger"),
		now:          time.Now,
	}
}

// Run reads commands until the input closes or the context ends.
func (k *Keyboard) Run(ctx context.Context) {
	k.logger.Info("keyboard trigger ready (s = save clip, q = quit)")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(k.input)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.TrimSpace(strings.ToLower(line)) {
			case "s":
				k.fire(ctx)
			case "q":
				k.logger.Info("shutdown requested from keyboard")
				k.shutdown()
				return
			case "":
			default:
				k.logger.Debug("ignoring unknown command", "line", line)
			}
		}
	}
}

func (k *Keyboard) fire(ctx context.Context) {
	requestTime := k.now()
	requestID := uuid.NewString()

	if k.bus != nil {
		_ = k.bus.Publish(events.SubjectClipRequested, events.ClipRequested{
			RequestID:   requestID,
			CameraID:    AllCameras,
			DurationSec: k.clipDuration.Seconds(),
			RequestTime: requestTime,
			Source:      "keyboard",
		})
	}

	results, failures := k.clips.SaveAll(ctx, k.clipDuration, requestTime)
	for id, res := range results {
		k.logger.Info("clip saved", "camera", id, "path", res.Path, "fast_path", res.FastPath)
	}
	for id, err := range failures {
		k.logger.Error("clip failed", "camera", id, "error", err)
	}
}
