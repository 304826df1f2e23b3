// Package buffer maintains the per-camera in-memory index of buffered
// segments and enforces the retention window.
package buffer

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Segment is one closed segment visible in the index. The file on disk
// exists for the descriptor's entire lifetime in the index; eviction
// unlinks the file before the descriptor goes away.
type Segment struct {
	CameraID  string        `yaml:"camera_id" json:"camera_id"`
	StartTime time.Time     `yaml:"start_time" json:"start_time"`
	Duration  time.Duration `yaml:"duration" json:"duration"`
	Path      string        `yaml:"path" json:"path"`
	SizeBytes int64         `yaml:"size_bytes" json:"size_bytes"`
	CreatedAt time.Time     `yaml:"created_at" json:"created_at"`
	Oversized bool          `yaml:"oversized,omitempty" json:"oversized,omitempty"`
}

// End returns the segment's covered end time.
func (s Segment) End() time.Time { return s.StartTime.Add(s.Duration) }

// FileRemover unlinks segment files during eviction.
type FileRemover interface {
	Remove(path string) error
}

// CameraStatus aggregates one camera's buffer state.
type CameraStatus struct {
	SegmentCount   int     `json:"segment_count"`
	CoveredSeconds float64 `json:"covered_seconds"`
	NewestAge      float64 `json:"newest_segment_age_seconds"`
	TotalBytes     int64   `json:"total_bytes"`
}

type cameraBuffer struct {
	mu       sync.RWMutex
	segments []Segment
}

// Index is the registry mapping camera to its ordered segment sequence.
// Each camera has a single writer (its capture worker); readers take
// copy-on-read snapshots.
type Index struct {
	retention    time.Duration
	nominalChunk time.Duration
	remover      FileRemover
	logger       *slog.Logger

	mu      sync.RWMutex
	cameras map[string]*cameraBuffer
}

// NewIndex creates an index enforcing the given retention window.
func NewIndex(retention, nominalChunk time.Duration, remover FileRemover, logger *slog.Logger) *Index {
	return &Index{
		retention:    retention,
		nominalChunk: nominalChunk,
		remover:      remover,
		logger:       logger.With("component", "buffer"),
		cameras:      make(map[string]*cameraBuffer),
	}
}

func (ix *Index) camera(id string) *cameraBuffer {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cb, ok := ix.cameras[id]
	if !ok {
		cb = &cameraBuffer{}
		ix.cameras[id] = cb
	}
	return cb
}

// Append records a newly closed segment and evicts the oldest segments
// until the covered duration is back inside the retention window.
//
// Edge cases per the buffer contract: a duplicate start time keeps the
// newer descriptor and unlinks the file it replaces (when distinct); a
// segment older than the newest present is dropped and logged; a segment
// covering more than twice the nominal duration is accepted but flagged.
func (ix *Index) Append(seg Segment) {
	cb := ix.camera(seg.CameraID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if seg.Duration > 2*ix.nominalChunk {
		seg.Oversized = true
		ix.logger.Warn("oversized segment accepted",
			"camera", seg.CameraID, "path", seg.Path, "duration", seg.Duration)
	}

	if n := len(cb.segments); n > 0 {
		newest := cb.segments[n-1]
		switch {
		case seg.StartTime.Equal(newest.StartTime):
			if newest.Path != seg.Path {
				if err := ix.remover.Remove(newest.Path); err != nil {
					ix.logger.Warn("failed to unlink replaced segment",
						"camera", seg.CameraID, "path", newest.Path, "error", err)
				}
			}
			cb.segments[n-1] = seg
			ix.evictLocked(cb, seg.CameraID)
			return
		case seg.StartTime.Before(newest.StartTime):
			ix.logger.Warn("dropping out-of-order segment",
				"camera", seg.CameraID, "path", seg.Path,
				"start", seg.StartTime, "newest", newest.StartTime)
			return
		}
	}

	cb.segments = append(cb.segments, seg)
	ix.evictLocked(cb, seg.CameraID)
}

// evictLocked trims the oldest segments while the covered duration
// exceeds the retention window. The file is unlinked before the
// descriptor is removed so no reader snapshot can name a file that was
// never there.
func (ix *Index) evictLocked(cb *cameraBuffer, cameraID string) {
	covered := coveredDuration(cb.segments)
	for len(cb.segments) > 0 && covered > ix.retention {
		oldest := cb.segments[0]
		if err := ix.remover.Remove(oldest.Path); err != nil {
			ix.logger.Warn("failed to unlink evicted segment",
				"camera", cameraID, "path", oldest.Path, "error", err)
		}
		cb.segments = cb.segments[1:]
		covered -= oldest.Duration
	}
}

// Snapshot returns an immutable copy of the camera's ordered sequence.
// Files named by the snapshot may be evicted concurrently; readers must
// treat a missing file as a recoverable skip.
func (ix *Index) Snapshot(cameraID string) []Segment {
	cb := ix.camera(cameraID)
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	out := make([]Segment, len(cb.segments))
	copy(out, cb.segments)
	return out
}

// EvictOldest drops the camera's oldest segment regardless of the
// retention window. Used for emergency eviction under storage pressure.
// Returns false when the camera has nothing to evict.
func (ix *Index) EvictOldest(cameraID string) bool {
	cb := ix.camera(cameraID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.segments) == 0 {
		return false
	}
	oldest := cb.segments[0]
	if err := ix.remover.Remove(oldest.Path); err != nil {
		ix.logger.Warn("failed to unlink segment during emergency eviction",
			"camera", cameraID, "path", oldest.Path, "error", err)
	}
	cb.segments = cb.segments[1:]
	ix.logger.Info("emergency eviction", "camera", cameraID, "path", oldest.Path)
	return true
}

// Cameras returns the known camera IDs in stable order.
func (ix *Index) Cameras() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := make([]string, 0, len(ix.cameras))
	for id := range ix.cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Register ensures a camera is known to the index even before its first
// segment, so status reporting and round-robin eviction see it.
func (ix *Index) Register(cameraID string) {
	ix.camera(cameraID)
}

// Status reports aggregate statistics for one camera.
func (ix *Index) Status(cameraID string, now time.Time) CameraStatus {
	cb := ix.camera(cameraID)
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	st := CameraStatus{SegmentCount: len(cb.segments)}
	st.CoveredSeconds = coveredDuration(cb.segments).Seconds()
	for _, s := range cb.segments {
		st.TotalBytes += s.SizeBytes
	}
	if n := len(cb.segments); n > 0 {
		st.NewestAge = now.Sub(cb.segments[n-1].End()).Seconds()
	} else {
		st.NewestAge = -1
	}
	return st
}

// NewestEnd returns the end time of the newest closed segment, or a zero
// time when the camera has no buffered segments.
func (ix *Index) NewestEnd(cameraID string) time.Time {
	cb := ix.camera(cameraID)
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if n := len(cb.segments); n > 0 {
		return cb.segments[n-1].End()
	}
	return time.Time{}
}

func coveredDuration(segments []Segment) time.Duration {
	var total time.Duration
	for _, s := range segments {
		total += s.Duration
	}
	return total
}
