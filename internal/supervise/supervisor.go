// Package supervise evaluates capture worker health on a fixed schedule
// and drives reconnection with bounded backoff. It also watches the
// memory-backed store for global pressure and triggers emergency
// eviction.
package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/prerollcam/prerollcam/internal/capture"
	"github.com/prerollcam/prerollcam/internal/events"
)

// Target is the slice of a capture worker the supervisor drives.
type Target interface {
	CameraID() string
	Health() capture.Health
	Start(ctx context.Context) error
	Kill()
	MarkBackoff()
	MarkQuarantined(reason string)
}

// Evictor is the slice of the buffer index used for emergency eviction.
type Evictor interface {
	Cameras() []string
	EvictOldest(cameraID string) bool
}

// PressureSource reports free space in the memory-backed store.
type PressureSource interface {
	FreePercent() (float64, error)
}

// Verdict is the outcome of one health evaluation.
type Verdict string

const (
	VerdictHealthy Verdict = "healthy"
	VerdictStalled Verdict = "stalled"
	VerdictFailed  Verdict = "failed"
	VerdictWaiting Verdict = "waiting" // in backoff, restart not yet due
)

// Config tunes the supervisor.
type Config struct {
	Interval           time.Duration
	ChunkDuration      time.Duration
	StalledFactor      int // newest segment must be younger than chunk × factor
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	MaxAttempts        int // 0 retries forever
	StabilityThreshold time.Duration
	FloorPercent       float64
}

// BackoffStatus is the per-camera restart state exposed via /status.
type BackoffStatus struct {
	Attempts    int        `json:"attempts"`
	NextDelay   float64    `json:"next_delay_seconds"`
	NextRestart *time.Time `json:"next_restart,omitempty"`
	Quarantined bool       `json:"quarantined"`
	LastVerdict string     `json:"last_verdict,omitempty"`
}

type camState struct {
	backoff     *Backoff
	nextRestart time.Time
	quarantined bool
	lastVerdict Verdict
	busBeat     time.Time
}

// Supervisor runs the periodic health sweep.
type Supervisor struct {
	cfg     Config
	targets []Target
	evictor Evictor
	source  PressureSource
	bus     *events.Bus
	logger  *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	mu            sync.Mutex
	states        map[string]*camState
	pressureSince time.Time
	rrCursor      int

	fatalCh chan struct{}
	fatal   sync.Once

	now func() time.Time
}

// New creates a supervisor over the given workers.
func New(cfg Config, targets []Target, evictor Evictor, source PressureSource, bus *events.Bus, logger *slog.Logger) *Supervisor {
	if cfg.StalledFactor <= 0 {
		cfg.StalledFactor = 3
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = 2 * cfg.Interval
	}

	states := make(map[string]*camState, len(targets))
	for _, t := range targets {
		states[t.CameraID()] = &camState{backoff: NewBackoff(cfg.InitialDelay, cfg.MaxDelay)}
	}

	return &Supervisor{
		cfg:     cfg,
		targets: targets,
		evictor: evictor,
		source:  source,
		bus:     bus,
		logger:  logger.With("component", "supervisor"),
		states:  states,
		fatalCh: make(chan struct{}),
		now:     time.Now,
	}
}

// Start subscribes to worker heartbeats and schedules the sweep.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.bus != nil {
		if err := s.bus.SubscribeHeartbeats(func(hb events.Heartbeat) {
			s.mu.Lock()
			if cs, ok := s.states[hb.CameraID]; ok {
				cs.busBeat = hb.WallNow
			}
			s.mu.Unlock()
		}); err != nil {
			return fmt.Errorf("subscribing to heartbeats: %w", err)
		}
	}

	s.cron = cron.New()
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() { s.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("scheduling health sweep: %w", err)
	}
	s.entryID = id
	s.cron.Start()

	s.logger.Info("supervisor started", "interval", s.cfg.Interval)
	return nil
}

// Stop halts the sweep schedule.
func (s *Supervisor) Stop() {
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()
	}
}

// Fatal is closed when every camera has been quarantined.
func (s *Supervisor) Fatal() <-chan struct{} { return s.fatalCh }

// Sweep performs one evaluation pass over all workers and the store.
func (s *Supervisor) Sweep(ctx context.Context) {
	now := s.now()

	for _, target := range s.targets {
		s.evaluate(ctx, target, now)
	}
	s.checkPressure(now)
}

func (s *Supervisor) evaluate(ctx context.Context, target Target, now time.Time) {
	id := target.CameraID()
	h := target.Health()

	s.mu.Lock()
	cs := s.states[id]
	busBeat := cs.busBeat
	quarantined := cs.quarantined
	s.mu.Unlock()

	if quarantined {
		return
	}

	verdict := s.verdict(h, busBeat, now)

	s.mu.Lock()
	cs.lastVerdict = verdict
	s.mu.Unlock()

	switch verdict {
	case VerdictHealthy:
		if !h.RunningSince.IsZero() && now.Sub(h.RunningSince) > s.cfg.StabilityThreshold {
			s.mu.Lock()
			if cs.backoff.Attempts() > 0 {
				s.logger.Info("camera stable, resetting backoff", "camera", id)
				cs.backoff.Reset()
			}
			s.mu.Unlock()
		}

	case VerdictStalled:
		s.logger.Warn("camera stalled, terminating encoder",
			"camera", id, "last_segment_start", h.LastSegmentStart)
		target.Kill()
		// The worker observes the process exit and transitions to
		// failed; the next sweep schedules the restart.

	case VerdictFailed:
		s.mu.Lock()
		if s.cfg.MaxAttempts > 0 && cs.backoff.Attempts() >= s.cfg.MaxAttempts {
			cs.quarantined = true
			s.mu.Unlock()
			s.logger.Error("camera quarantined after retry cap",
				"camera", id, "attempts", s.cfg.MaxAttempts, "last_error", h.LastError)
			target.MarkQuarantined(fmt.Sprintf("gave up after %d attempts", s.cfg.MaxAttempts))
			s.checkAllQuarantined()
			return
		}
		if cs.nextRestart.IsZero() {
			delay := cs.backoff.Next()
			attempt := cs.backoff.Attempts()
			cs.nextRestart = now.Add(delay)
			s.mu.Unlock()
			s.logger.Info("restart scheduled",
				"camera", id, "delay", delay, "attempt", attempt)
			target.MarkBackoff()
			return
		}
		due := !now.Before(cs.nextRestart)
		if due {
			cs.nextRestart = time.Time{}
		}
		s.mu.Unlock()
		if due {
			s.restart(ctx, target)
		}

	case VerdictWaiting:
		s.mu.Lock()
		due := !cs.nextRestart.IsZero() && !now.Before(cs.nextRestart)
		if due {
			cs.nextRestart = time.Time{}
		}
		s.mu.Unlock()
		if due {
			s.restart(ctx, target)
		}
	}
}

// verdict computes the health verdict from process liveness, newest
// segment age, and heartbeat age.
func (s *Supervisor) verdict(h capture.Health, busBeat, now time.Time) Verdict {
	switch h.State {
	case capture.StateFailed:
		return VerdictFailed
	case capture.StateBackoff:
		return VerdictWaiting
	case capture.StateStarting:
		return VerdictHealthy // give it a cycle to come up
	case capture.StateStopped:
		return VerdictWaiting
	}

	// Running: check that segments are advancing.
	stallWindow := time.Duration(s.cfg.StalledFactor) * s.cfg.ChunkDuration

	newestEnd := h.LastSegmentStart.Add(s.cfg.ChunkDuration)
	if h.LastSegmentStart.IsZero() {
		// No segment yet; allow the stall window from process start.
		newestEnd = h.RunningSince.Add(s.cfg.ChunkDuration)
	}
	if now.Sub(newestEnd) > stallWindow {
		return VerdictStalled
	}

	beat := h.LastHeartbeat
	if busBeat.After(beat) {
		beat = busBeat
	}
	if !beat.IsZero() && now.Sub(beat) > stallWindow {
		return VerdictStalled
	}

	return VerdictHealthy
}

func (s *Supervisor) restart(ctx context.Context, target Target) {
	id := target.CameraID()
	s.logger.Info("restarting capture", "camera", id)
	if err := target.Start(ctx); err != nil {
		s.logger.Error("restart failed", "camera", id, "error", err)
	}
}

func (s *Supervisor) checkAllQuarantined() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.states {
		if !cs.quarantined {
			return
		}
	}
	s.fatal.Do(func() { close(s.fatalCh) })
}

// checkPressure evaluates free space and runs round-robin emergency
// eviction when below the floor. No camera has priority; the cursor
// persists across sweeps to prevent starvation.
func (s *Supervisor) checkPressure(now time.Time) {
	free, err := s.source.FreePercent()
	if err != nil {
		s.logger.Warn("free-space check failed", "error", err)
		return
	}

	if free >= s.cfg.FloorPercent {
		s.mu.Lock()
		s.pressureSince = time.Time{}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	persisted := !s.pressureSince.IsZero() && now.Sub(s.pressureSince) >= s.cfg.Interval
	if s.pressureSince.IsZero() {
		s.pressureSince = now
	}
	s.mu.Unlock()

	if persisted {
		s.logger.Warn("storage pressure persists beyond one supervisor cycle",
			"free_percent", free, "floor_percent", s.cfg.FloorPercent)
	}

	evicted := s.emergencyEvict()
	s.logger.Info("emergency eviction pass",
		"free_percent", free, "evicted", evicted)
}

func (s *Supervisor) emergencyEvict() int {
	cameras := s.evictor.Cameras()
	if len(cameras) == 0 {
		return 0
	}

	evicted := 0
	idle := 0
	for idle < len(cameras) {
		s.mu.Lock()
		cursor := s.rrCursor % len(cameras)
		s.rrCursor++
		s.mu.Unlock()

		if s.evictor.EvictOldest(cameras[cursor]) {
			evicted++
			idle = 0
			if free, err := s.source.FreePercent(); err == nil && free >= s.cfg.FloorPercent {
				break
			}
		} else {
			idle++
		}
	}
	return evicted
}

// Pressure reports whether the store is currently under pressure.
func (s *Supervisor) Pressure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pressureSince.IsZero()
}

// Status returns the per-camera backoff state for status reporting.
func (s *Supervisor) Status() map[string]BackoffStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]BackoffStatus, len(s.states))
	for id, cs := range s.states {
		bs := BackoffStatus{
			Attempts:    cs.backoff.Attempts(),
			NextDelay:   cs.backoff.Delay().Seconds(),
			Quarantined: cs.quarantined,
			LastVerdict: string(cs.lastVerdict),
		}
		if !cs.nextRestart.IsZero() {
			t := cs.nextRestart
			bs.NextRestart = &t
		}
		out[id] = bs
	}
	return out
}
