// Package store manages the memory-backed segment directory tree.
//
// Layout is one directory per camera under the root, with segment files
// named by zero-padded epoch seconds so that lexicographic order equals
// chronological order. The store never parses media; it only creates,
// lists and deletes files.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

const segmentExt = ".mp4"

// Entry describes one segment file observed on disk.
type Entry struct {
	Path      string
	StartTime time.Time
	SizeBytes int64
	ModTime   time.Time
}

// Store is rooted at a memory-backed directory (tmpfs on the target
// hardware) shared by all cameras.
type Store struct {
	root string
}

// New creates the store root if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// CameraDir returns the per-camera directory, creating it if needed.
func (s *Store) CameraDir(cameraID string) (string, error) {
	dir := filepath.Join(s.root, cameraID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating camera directory: %w", err)
	}
	return dir, nil
}

// SegmentPath returns the canonical path for a segment starting at the
// given time.
func (s *Store) SegmentPath(cameraID string, start time.Time) string {
	return filepath.Join(s.root, cameraID, fmt.Sprintf("%010d%s", start.Unix(), segmentExt))
}

// OutputPattern returns the strftime pattern handed to the encoder's
// segment muxer for this camera. %s expands to epoch seconds, which is
// ten digits wide for the foreseeable future, matching SegmentPath.
func (s *Store) OutputPattern(cameraID string) string {
	return filepath.Join(s.root, cameraID, "%s"+segmentExt)
}

// List returns a point-in-time snapshot of the camera's segment files
// sorted by embedded start time. Foreign files are ignored. The newest
// entry may still be growing.
func (s *Store) List(cameraID string) ([]Entry, error) {
	dir := filepath.Join(s.root, cameraID)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		start, ok := ParseStartTime(de.Name())
		if !ok {
			continue
		}
		// The file may vanish between ReadDir and Stat if an evictor
		// races us; skip it.
		info, statErr := de.Info()
		if statErr != nil {
			continue
		}
		entries = append(entries, Entry{
			Path:      filepath.Join(dir, de.Name()),
			StartTime: start,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartTime.Before(entries[j].StartTime)
	})
	return entries, nil
}

// Remove unlinks a segment file. A missing file is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing segment: %w", err)
	}
	return nil
}

// FreePercent reports the free fraction of the filesystem backing the
// store, in percent.
func (s *Store) FreePercent() (float64, error) {
	usage, err := disk.Usage(s.root)
	if err != nil {
		return 0, fmt.Errorf("statfs %s: %w", s.root, err)
	}
	return 100 - usage.UsedPercent, nil
}

// Stats reports per-camera file counts and byte totals.
func (s *Store) Stats() (map[string]CameraStats, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing store root: %w", err)
	}

	stats := make(map[string]CameraStats)
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		entries, listErr := s.List(de.Name())
		if listErr != nil {
			continue
		}
		cs := CameraStats{SegmentCount: len(entries)}
		for _, e := range entries {
			cs.TotalBytes += e.SizeBytes
		}
		stats[de.Name()] = cs
	}
	return stats, nil
}

// CameraStats summarizes one camera's on-disk footprint.
type CameraStats struct {
	SegmentCount int   `json:"segment_count"`
	TotalBytes   int64 `json:"total_bytes"`
}

// ParseStartTime extracts the start time embedded in a segment file
// name. Returns false for anything that is not an all-digit epoch name
// with the segment extension.
func ParseStartTime(name string) (time.Time, bool) {
	base, ok := strings.CutSuffix(name, segmentExt)
	if !ok || base == "" {
		return time.Time{}, false
	}
	for _, r := range base {
		if r < '0' || r > '9' {
			return time.Time{}, false
		}
	}
	epoch, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(epoch, 0).UTC(), true
}
