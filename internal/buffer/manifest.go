package buffer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the buffer state written at shutdown so a successor
// process can reclaim still-present segments. Reclaim is best effort; a
// stale or absent manifest is never an error.
type Manifest struct {
	SavedAt  time.Time            `yaml:"saved_at"`
	Segments map[string][]Segment `yaml:"segments"`
}

// SaveManifest writes the current index contents to path.
func (ix *Index) SaveManifest(path string, now time.Time) error {
	m := Manifest{SavedAt: now, Segments: make(map[string][]Segment)}
	for _, id := range ix.Cameras() {
		if snap := ix.Snapshot(id); len(snap) > 0 {
			m.Segments[id] = snap
		}
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest written by a previous process and
// re-appends every descriptor whose file still exists. Descriptors for
// vanished files are discarded silently; the manifest file is removed
// after a successful load so it cannot be replayed twice.
func (ix *Index) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decoding manifest: %w", err)
	}

	reclaimed := 0
	for _, segments := range m.Segments {
		for _, seg := range segments {
			if _, statErr := os.Stat(seg.Path); statErr != nil {
				continue
			}
			ix.Append(seg)
			reclaimed++
		}
	}
	if reclaimed > 0 {
		ix.logger.Info("reclaimed segments from previous run", "count", reclaimed)
	}

	_ = os.Remove(path)
	return nil
}
