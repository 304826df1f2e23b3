// Package orchestrator wires the pipeline together: capture workers,
// supervisor, assembler and trigger front-ends, plus graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/prerollcam/prerollcam/internal/buffer"
	"github.com/prerollcam/prerollcam/internal/capture"
	"github.com/prerollcam/prerollcam/internal/clip"
	"github.com/prerollcam/prerollcam/internal/config"
	"github.com/prerollcam/prerollcam/internal/events"
	"github.com/prerollcam/prerollcam/internal/logging"
	"github.com/prerollcam/prerollcam/internal/store"
	"github.com/prerollcam/prerollcam/internal/supervise"
	"github.com/prerollcam/prerollcam/internal/trigger"
)

// launchStagger spaces worker starts so a power-on does not slam every
// camera with simultaneous RTSP connects.
const launchStagger = 500 * time.Millisecond

const manifestName = "buffer-manifest.yaml"

// Exit codes.
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitGaveUp      = 2
)

// Orchestrator owns the lifecycle of every component.
type Orchestrator struct {
	cfg       *config.Config
	logger    *slog.Logger
	logBuffer *logging.RingBuffer

	bus        *events.Bus
	store      *store.Store
	index      *buffer.Index
	workers    []*capture.Worker
	supervisor *supervise.Supervisor
	assembler  *clip.Assembler
	httpServer *trigger.Server
	keyboard   *trigger.Keyboard
	jobs       *cron.Cron

	stdin io.Reader

	shutdown context.CancelFunc
}

// New builds the full pipeline from configuration. Nothing is started.
func New(cfg *config.Config, stdin io.Reader, logBuffer *logging.RingBuffer, logger *slog.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
		logBuffer: logBuffer,
		stdin:     stdin,
	}

	var err error
	if o.bus, err = events.NewBus(logger); err != nil {
		return nil, fmt.Errorf("starting event bus: %w", err)
	}
	if o.store, err = store.New(cfg.TempDir); err != nil {
		o.bus.Stop()
		return nil, fmt.Errorf("preparing segment store: %w", err)
	}

	o.index = buffer.NewIndex(cfg.BufferSeconds, cfg.ChunkDuration, o.store, logger)

	settings := capture.Settings{
		ChunkDuration:    cfg.ChunkDuration,
		KeyframeInterval: cfg.KeyframeInterval,
		GracefulTimeout:  cfg.GracefulTimeout,
	}
	for _, cam := range cfg.Cameras {
		o.workers = append(o.workers, capture.NewWorker(cam, settings, o.store, o.index, o.bus, logger))
	}

	targets := make([]supervise.Target, len(o.workers))
	for i, w := range o.workers {
		targets[i] = w
	}
	o.supervisor = supervise.New(supervise.Config{
		Interval:      cfg.SupervisorInterval,
		ChunkDuration: cfg.ChunkDuration,
		InitialDelay:  cfg.ReconnectInitialDelay,
		MaxDelay:      cfg.ReconnectMaxDelay,
		MaxAttempts:   cfg.ReconnectMaxAttempts,
		FloorPercent:  cfg.StorageFloorPercent,
	}, targets, o.index, o.store, o.bus, logger)

	if o.assembler, err = clip.NewAssembler(o.index, cfg.ClipsDir, cfg.FFmpegPreset, cfg.FFmpegCRF, logger); err != nil {
		o.bus.Stop()
		return nil, fmt.Errorf("preparing clip assembler: %w", err)
	}

	switch cfg.TriggerMode {
	case config.TriggerHTTP:
		o.httpServer = trigger.NewServer(cfg.HTTPPort, o.assembler, o.Status, logBuffer,
			o.bus, cfg.FinalClipDuration, cfg.ChunkDuration, logger)
	case config.TriggerKeyboard:
		o.keyboard = trigger.NewKeyboard(stdin, o.assembler, o.bus, cfg.FinalClipDuration,
			func() { o.RequestShutdown() }, logger)
	}

	return o, nil
}

// Run starts everything and blocks until shutdown. Returns the process
// exit code.
func (o *Orchestrator) Run(parent context.Context) int {
	ctx, cancel := context.WithCancel(parent)
	o.shutdown = cancel
	defer cancel()

	// Best-effort reclaim of segments a predecessor left behind.
	manifestPath := filepath.Join(o.cfg.TempDir, manifestName)
	if err := o.index.LoadManifest(manifestPath); err != nil {
		o.logger.Warn("manifest reclaim failed", "error", err)
	}

	o.startWorkers(ctx)

	if err := o.supervisor.Start(ctx); err != nil {
		o.logger.Error("starting supervisor", "error", err)
		return ExitConfigError
	}

	o.startRetentionJob()

	if o.httpServer != nil {
		go func() {
			if err := o.httpServer.Start(); err != nil {
				o.logger.Error("trigger HTTP server failed", "error", err)
				cancel()
			}
		}()
	}
	if o.keyboard != nil {
		go o.keyboard.Run(ctx)
	}

	o.logger.Info("recorder running",
		"cameras", len(o.workers),
		"buffer", o.cfg.BufferSeconds,
		"chunk", o.cfg.ChunkDuration,
		"trigger", o.cfg.TriggerMode)

	gaveUp := false
	select {
	case <-ctx.Done():
	case <-o.supervisor.Fatal():
		o.logger.Error("all cameras permanently failed, giving up")
		gaveUp = true
	}

	o.stop(manifestPath)

	if gaveUp {
		return ExitGaveUp
	}
	return ExitOK
}

// RequestShutdown initiates a graceful stop from inside (keyboard "q").
func (o *Orchestrator) RequestShutdown() {
	if o.shutdown != nil {
		o.shutdown()
	}
}

// startWorkers launches every capture worker with a staggered delay.
func (o *Orchestrator) startWorkers(ctx context.Context) {
	var g errgroup.Group
	for i, w := range o.workers {
		delay := time.Duration(i) * launchStagger
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			if err := w.Start(ctx); err != nil {
				o.logger.Error("worker start failed", "camera", w.CameraID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) startRetentionJob() {
	if o.cfg.ClipsRetentionDays <= 0 {
		return
	}
	retention := time.Duration(o.cfg.ClipsRetentionDays) * 24 * time.Hour
	o.jobs = cron.New()
	_, err := o.jobs.AddFunc("@daily", func() {
		if _, err := o.assembler.CleanupOlderThan(retention, time.Now()); err != nil {
			o.logger.Warn("clip retention cleanup failed", "error", err)
		}
	})
	if err != nil {
		o.logger.Warn("scheduling clip retention failed", "error", err)
		return
	}
	o.jobs.Start()
}

// stop runs the shutdown sequence: trigger first, then workers in
// parallel under a total deadline, then the supervisor. The buffer
// manifest is written next so a successor can reclaim segments, and the
// bus is stopped last.
func (o *Orchestrator) stop(manifestPath string) {
	o.logger.Info("shutting down")

	if o.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = o.httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	if o.jobs != nil {
		o.jobs.Stop()
	}

	deadline := time.After(o.cfg.GracefulTimeout + 2*time.Second)
	stopped := make(chan struct{})
	go func() {
		var g errgroup.Group
		for _, w := range o.workers {
			g.Go(func() error {
				w.Stop()
				return nil
			})
		}
		_ = g.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-deadline:
		o.logger.Warn("graceful stop deadline exceeded, force-killing encoders")
		for _, w := range o.workers {
			w.Kill()
		}
	}

	o.supervisor.Stop()

	if err := o.index.SaveManifest(manifestPath, time.Now()); err != nil {
		o.logger.Warn("writing buffer manifest failed", "error", err)
	}

	o.bus.Stop()
	o.logger.Info("shutdown complete")
}

// Status assembles the aggregate report served by /status.
func (o *Orchestrator) Status() trigger.StatusReport {
	now := time.Now()
	backoffs := o.supervisor.Status()

	report := trigger.StatusReport{
		Cameras:  make(map[string]trigger.CameraReport, len(o.workers)),
		Pressure: o.supervisor.Pressure(),
	}
	for _, w := range o.workers {
		id := w.CameraID()
		report.Cameras[id] = trigger.CameraReport{
			WorkerState: string(w.Health().State),
			Buffer:      o.index.Status(id, now),
			Backoff:     backoffs[id],
		}
	}
	if free, err := o.store.FreePercent(); err == nil {
		report.FreeSpace = free
	}
	report.Resources = resourceUsage()
	return report
}
