package clip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prerollcam/prerollcam/internal/buffer"
	"github.com/prerollcam/prerollcam/internal/faults"
)

// subprocessFactor bounds every encoder invocation relative to the
// requested clip duration.
const subprocessFactor = 4

// minSubprocessTimeout keeps very short clips from getting an
// unreasonably tight subprocess deadline.
const minSubprocessTimeout = 30 * time.Second

// Runner executes an external command. Split out so tests can fake the
// encoder.
type Runner func(ctx context.Context, name string, args ...string) error

// Prober reads container metadata. Split out for the same reason.
type Prober func(path string) (*Metadata, error)

// Result describes a produced clip.
type Result struct {
	CameraID string        `json:"camera_id"`
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
	FastPath bool          `json:"fast_path"`
}

// Snapshotter is the read-only slice of the buffer index the assembler
// uses.
type Snapshotter interface {
	Snapshot(cameraID string) []buffer.Segment
	Cameras() []string
}

// Assembler produces persistent clips from buffered segments.
type Assembler struct {
	index    Snapshotter
	clipsDir string
	preset   string
	crf      int
	logger   *slog.Logger

	run   Runner
	probe Prober
}

// NewAssembler creates an assembler writing into clipsDir.
func NewAssembler(index Snapshotter, clipsDir, preset string, crf int, logger *slog.Logger) (*Assembler, error) {
	if err := os.MkdirAll(clipsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating clips directory: %w", err)
	}
	return &Assembler{
		index:    index,
		clipsDir: clipsDir,
		preset:   preset,
		crf:      crf,
		logger:   logger.With("component", "assembler"),
		run:      execRunner,
		probe:    Probe,
	}, nil
}

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s failed: %s: %w", name, truncate(string(output), 512), err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Save produces a clip of exactly duration for one camera, ending at
// the newest buffered video (or at requestTime when it falls inside the
// window). The output lands in the clips directory under the canonical
// <camera>_<UTC-timestamp> name via atomic rename.
//
// Concurrent eviction can unlink a selected segment mid-build; the
// assembler retries once from a fresh snapshot, then reports
// InsufficientBuffer.
func (a *Assembler) Save(ctx context.Context, cameraID string, duration time.Duration, requestTime time.Time) (*Result, error) {
	timeout := time.Duration(subprocessFactor) * duration
	if timeout < minSubprocessTimeout {
		timeout = minSubprocessTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		result, err := a.assemble(ctx, cameraID, duration, requestTime)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, faults.Errorf(faults.KindTimeout, "clip assembly for %s: %v", cameraID, ctx.Err())
		}
		if !errors.Is(err, faults.ErrSegmentMissing) {
			return nil, err
		}
		lastErr = err
		a.logger.Warn("segment vanished during assembly, retrying",
			"camera", cameraID, "error", err)
	}
	return nil, faults.Errorf(faults.KindInsufficientBuffer,
		"segments evicted during assembly for %s: %v", cameraID, lastErr)
}

func (a *Assembler) assemble(ctx context.Context, cameraID string, duration time.Duration, requestTime time.Time) (*Result, error) {
	snapshot := a.index.Snapshot(cameraID)
	plan, err := BuildPlan(snapshot, duration, requestTime)
	if err != nil {
		return nil, err
	}

	// Eviction may already have unlinked part of the selection.
	for _, seg := range plan.Segments {
		if _, statErr := os.Stat(seg.Path); statErr != nil {
			return nil, faults.Errorf(faults.KindSegmentMissing, "%s", seg.Path)
		}
	}

	workDir, err := os.MkdirTemp(a.clipsDir, ".work-*")
	if err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	output := filepath.Join(workDir, "clip.mp4")
	if plan.Aligned() {
		err = a.buildFast(ctx, plan, workDir, output)
	} else {
		err = a.buildSlow(ctx, plan, workDir, output)
	}
	if err != nil {
		if missing := a.missingSegment(plan); missing != "" {
			return nil, faults.Errorf(faults.KindSegmentMissing, "%s", missing)
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, faults.Errorf(faults.KindInternal, "building clip for %s: %v", cameraID, err)
	}

	if err := a.verify(ctx, plan, workDir, output); err != nil {
		return nil, err
	}

	finalPath := filepath.Join(a.clipsDir, ClipName(cameraID, requestTime))
	if err := os.Rename(output, finalPath); err != nil {
		return nil, fmt.Errorf("publishing clip: %w", err)
	}

	a.logger.Info("clip saved",
		"camera", cameraID,
		"path", finalPath,
		"duration", plan.Duration(),
		"fast_path", plan.Aligned(),
		"segments", len(plan.Segments))

	return &Result{
		CameraID: cameraID,
		Path:     finalPath,
		Duration: plan.Duration(),
		FastPath: plan.Aligned(),
	}, nil
}

// buildFast concatenates the selected segments through the concat
// demuxer in stream-copy mode. No decode, no re-encode.
func (a *Assembler) buildFast(ctx context.Context, plan *Plan, workDir, output string) error {
	listPath, err := writeConcatList(workDir, segmentPaths(plan.Segments))
	if err != nil {
		return err
	}
	return a.run(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", output,
	)
}

// buildSlow re-encodes only the partial segment(s) at the edges and
// stream-copies the interior, then concatenates the parts.
func (a *Assembler) buildSlow(ctx context.Context, plan *Plan, workDir, output string) error {
	segments := plan.Segments

	// Single-segment window: one trim does both edges.
	if len(segments) == 1 {
		return a.trimReencode(ctx, segments[0].Path, output,
			plan.HeadOffset, plan.Duration())
	}

	parts := make([]string, 0, len(segments))

	head := segments[0]
	if !plan.HeadAligned {
		headOut := filepath.Join(workDir, "head.mp4")
		keep := head.End().Sub(plan.TargetStart)
		if err := a.trimReencode(ctx, head.Path, headOut, plan.HeadOffset, keep); err != nil {
			return err
		}
		parts = append(parts, headOut)
	} else {
		parts = append(parts, head.Path)
	}

	for _, seg := range segments[1 : len(segments)-1] {
		parts = append(parts, seg.Path)
	}

	tail := segments[len(segments)-1]
	if !plan.TailAligned {
		tailOut := filepath.Join(workDir, "tail.mp4")
		if err := a.trimReencode(ctx, tail.Path, tailOut, 0, plan.TailKeep); err != nil {
			return err
		}
		parts = append(parts, tailOut)
	} else {
		parts = append(parts, tail.Path)
	}

	listPath, err := writeConcatList(workDir, parts)
	if err != nil {
		return err
	}
	return a.run(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", output,
	)
}

// trimReencode cuts [offset, offset+keep) out of input, re-encoding to
// hit the exact cut points.
func (a *Assembler) trimReencode(ctx context.Context, input, output string, offset, keep time.Duration) error {
	return a.run(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(offset),
		"-i", input,
		"-t", formatSeconds(keep),
		"-c:v", "libx264",
		"-preset", a.preset,
		"-crf", strconv.Itoa(a.crf),
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-y", output,
	)
}

// verify checks the container-reported duration and falls back to a
// full re-encode when the error exceeds one frame interval.
func (a *Assembler) verify(ctx context.Context, plan *Plan, workDir, output string) error {
	meta, err := a.probe(output)
	if err != nil {
		return faults.Errorf(faults.KindInternal, "probing output: %v", err)
	}

	want := plan.Duration().Seconds()
	errSecs := meta.Duration - want
	if errSecs < 0 {
		errSecs = -errSecs
	}
	if errSecs <= meta.FrameInterval() {
		return nil
	}

	a.logger.Warn("clip duration off, falling back to full re-encode",
		"want", want, "got", meta.Duration, "tolerance", meta.FrameInterval())

	// Full re-encode pass: concatenate everything, then cut precisely.
	intermediate := filepath.Join(workDir, "full.mp4")
	listPath, err := writeConcatList(workDir, segmentPaths(plan.Segments))
	if err != nil {
		return err
	}
	if err := a.run(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", intermediate,
	); err != nil {
		return faults.Errorf(faults.KindInternal, "fallback concat: %v", err)
	}
	if err := a.trimReencode(ctx, intermediate, output, plan.HeadOffset, plan.Duration()); err != nil {
		return faults.Errorf(faults.KindInternal, "fallback re-encode: %v", err)
	}
	return nil
}

func (a *Assembler) missingSegment(plan *Plan) string {
	for _, seg := range plan.Segments {
		if _, err := os.Stat(seg.Path); err != nil {
			return seg.Path
		}
	}
	return ""
}

// SaveAll fans a request out to every known camera. Failures are
// reported per camera; one camera's empty buffer does not abort the
// others.
func (a *Assembler) SaveAll(ctx context.Context, duration time.Duration, requestTime time.Time) (map[string]*Result, map[string]error) {
	cameras := a.index.Cameras()

	var mu sync.Mutex
	results := make(map[string]*Result)
	failures := make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	for _, cameraID := range cameras {
		g.Go(func() error {
			res, err := a.Save(gctx, cameraID, duration, requestTime)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[cameraID] = err
			} else {
				results[cameraID] = res
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, failures
}

// CleanupOlderThan removes clips older than the retention period.
// Invoked by the daily retention job; a zero period disables cleanup.
func (a *Assembler) CleanupOlderThan(retention time.Duration, now time.Time) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(a.clipsDir)
	if err != nil {
		return 0, fmt.Errorf("listing clips directory: %w", err)
	}

	cutoff := now.Add(-retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(a.clipsDir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		a.logger.Info("removed expired clips", "count", removed)
	}
	return removed, nil
}

// ClipName returns the canonical persistent file name.
func ClipName(cameraID string, requestTime time.Time) string {
	return fmt.Sprintf("%s_%s.mp4", cameraID, requestTime.UTC().Format("2006-01-02_15-04-05"))
}

func segmentPaths(segments []buffer.Segment) []string {
	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.Path
	}
	return paths
}

// writeConcatList writes the concat demuxer input file.
func writeConcatList(workDir string, paths []string) (string, error) {
	listPath := filepath.Join(workDir, "concat.txt")
	f, err := os.Create(listPath)
	if err != nil {
		return "", fmt.Errorf("creating concat list: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, p := range paths {
		abs, _ := filepath.Abs(p)
		if _, err := fmt.Fprintf(f, "file '%s'\n", abs); err != nil {
			return "", fmt.Errorf("writing concat list: %w", err)
		}
	}
	return listPath, nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
