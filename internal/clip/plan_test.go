package clip

import (
	"errors"
	"testing"
	"time"

	"github.com/prerollcam/prerollcam/internal/buffer"
	"github.com/prerollcam/prerollcam/internal/faults"
)

// tenSegments returns segments covering [0,50) in 5s chunks, epoch
// offset so times are realistic.
const epoch = int64(1700000000)

func tenSegments() []buffer.Segment {
	segments := make([]buffer.Segment, 0, 10)
	for i := 0; i < 10; i++ {
		start := epoch + int64(i*5)
		segments = append(segments, buffer.Segment{
			CameraID:  "camera_1",
			StartTime: time.Unix(start, 0).UTC(),
			Duration:  5 * time.Second,
			Path:      "/shm/camera_1/" + time.Unix(start, 0).UTC().Format("150405") + ".mp4",
			SizeBytes: 1000,
		})
	}
	return segments
}

func at(offset int64) time.Time { return time.Unix(epoch+offset, 0).UTC() }

func TestBuildPlan_AlignedFastPath(t *testing.T) {
	// Trigger at t=50 with a 25s request selects [25,50] on exact
	// boundaries.
	plan, err := BuildPlan(tenSegments(), 25*time.Second, at(50))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	if !plan.Aligned() {
		t.Errorf("expected aligned plan: %+v", plan)
	}
	if len(plan.Segments) != 5 {
		t.Fatalf("expected 5 segments, got %d", len(plan.Segments))
	}
	if !plan.TargetStart.Equal(at(25)) || !plan.AnchorEnd.Equal(at(50)) {
		t.Errorf("window [%v,%v], want [25,50]", plan.TargetStart, plan.AnchorEnd)
	}
	if plan.Segments[0].StartTime != at(25) {
		t.Errorf("first selected segment starts at %v", plan.Segments[0].StartTime)
	}
	if plan.Duration() != 25*time.Second {
		t.Errorf("planned duration %v", plan.Duration())
	}
}

func TestBuildPlan_MisalignedSlowPath(t *testing.T) {
	// Trigger at t=47 pulls the anchor back inside the newest segment:
	// window [22,47], both edges off-boundary.
	plan, err := BuildPlan(tenSegments(), 25*time.Second, at(47))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	if plan.Aligned() {
		t.Error("expected misaligned plan")
	}
	if plan.HeadAligned || plan.TailAligned {
		t.Errorf("both edges should be trimmed: head=%v tail=%v", plan.HeadAligned, plan.TailAligned)
	}
	if !plan.TargetStart.Equal(at(22)) || !plan.AnchorEnd.Equal(at(47)) {
		t.Errorf("window [%v,%v], want [22,47]", plan.TargetStart, plan.AnchorEnd)
	}
	if len(plan.Segments) != 6 {
		t.Fatalf("expected 6 segments (20..45), got %d", len(plan.Segments))
	}
	if plan.HeadOffset != 2*time.Second {
		t.Errorf("head offset %v, want 2s", plan.HeadOffset)
	}
	if plan.TailKeep != 2*time.Second {
		t.Errorf("tail keep %v, want 2s", plan.TailKeep)
	}
	if plan.Duration() != 25*time.Second {
		t.Errorf("planned duration %v", plan.Duration())
	}
}

func TestBuildPlan_InsufficientBuffer(t *testing.T) {
	// Only 15s buffered, 25s requested.
	_, err := BuildPlan(tenSegments()[:3], 25*time.Second, at(15))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, faults.ErrInsufficientBuffer) {
		t.Errorf("expected InsufficientBuffer, got %v", err)
	}
}

func TestBuildPlan_EmptySnapshot(t *testing.T) {
	_, err := BuildPlan(nil, 25*time.Second, at(0))
	if !errors.Is(err, faults.ErrInsufficientBuffer) {
		t.Errorf("expected InsufficientBuffer, got %v", err)
	}
}

func TestBuildPlan_GapInsideWindow(t *testing.T) {
	segments := tenSegments()
	// Remove the segment at t=35..40 to create capture loss inside the
	// requested window.
	gapped := append(append([]buffer.Segment{}, segments[:7]...), segments[8:]...)

	_, err := BuildPlan(gapped, 25*time.Second, at(50))
	if !errors.Is(err, faults.ErrInsufficientBuffer) {
		t.Errorf("expected InsufficientBuffer for gapped window, got %v", err)
	}
}

func TestBuildPlan_GapOutsideWindowIsFine(t *testing.T) {
	segments := tenSegments()
	// Gap at t=5..10 is before the requested window [25,50].
	gapped := append(append([]buffer.Segment{}, segments[:1]...), segments[2:]...)

	plan, err := BuildPlan(gapped, 25*time.Second, at(50))
	if err != nil {
		t.Fatalf("gap outside window must not fail: %v", err)
	}
	if len(plan.Segments) != 5 {
		t.Errorf("expected 5 segments, got %d", len(plan.Segments))
	}
}

func TestBuildPlan_RequestAfterNewestUsesNewestEnd(t *testing.T) {
	// Trigger fires 3s after the newest segment closed; the anchor stays
	// at the newest end.
	plan, err := BuildPlan(tenSegments(), 25*time.Second, at(53))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if !plan.AnchorEnd.Equal(at(50)) {
		t.Errorf("anchor end %v, want newest end 50", plan.AnchorEnd)
	}
	if !plan.Aligned() {
		t.Error("expected aligned plan")
	}
}

func TestBuildPlan_SingleSegmentWindow(t *testing.T) {
	plan, err := BuildPlan(tenSegments(), 3*time.Second, at(49))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if len(plan.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(plan.Segments))
	}
	if plan.Segments[0].StartTime != at(45) {
		t.Errorf("wrong segment: %v", plan.Segments[0].StartTime)
	}
	if plan.Aligned() {
		t.Error("expected misaligned single-segment plan")
	}
}
