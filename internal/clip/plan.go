// Package clip assembles persistent clips of exact duration from the
// buffered segment window.
package clip

import (
	"time"

	"github.com/prerollcam/prerollcam/internal/buffer"
	"github.com/prerollcam/prerollcam/internal/faults"
)

// boundaryTolerance absorbs sub-second jitter between wall-clock
// aligned boundaries and the requested cut points.
const boundaryTolerance = 100 * time.Millisecond

// Plan is the selected covering subsequence and the cut points for one
// clip request.
type Plan struct {
	Segments    []buffer.Segment
	TargetStart time.Time
	AnchorEnd   time.Time

	// HeadOffset is how far into the first segment the clip starts.
	HeadOffset time.Duration
	// TailKeep is how much of the last segment the clip uses.
	TailKeep time.Duration

	HeadAligned bool
	TailAligned bool
}

// Aligned reports whether both cut points coincide with segment
// boundaries, enabling the concat fast path.
func (p *Plan) Aligned() bool { return p.HeadAligned && p.TailAligned }

// Duration returns the planned clip length.
func (p *Plan) Duration() time.Duration { return p.AnchorEnd.Sub(p.TargetStart) }

// BuildPlan selects the minimal contiguous subsequence of the snapshot
// covering [anchorEnd-duration, anchorEnd].
//
// The anchor end is the newest closed segment's end; when the request
// time falls inside the covered window (the trigger fired before the
// newest segment closed), the anchor is pulled back to the request time
// so the clip ends at the moment of the trigger.
func BuildPlan(snapshot []buffer.Segment, duration time.Duration, requestTime time.Time) (*Plan, error) {
	if len(snapshot) == 0 {
		return nil, faults.Errorf(faults.KindInsufficientBuffer, "no buffered segments")
	}

	newestEnd := snapshot[len(snapshot)-1].End()
	anchorEnd := newestEnd
	if !requestTime.IsZero() && requestTime.Before(newestEnd) {
		anchorEnd = requestTime
	}
	targetStart := anchorEnd.Add(-duration)

	// Last segment overlapping the anchor.
	j := -1
	for k := len(snapshot) - 1; k >= 0; k-- {
		if snapshot[k].StartTime.Before(anchorEnd) {
			j = k
			break
		}
	}
	if j < 0 || snapshot[j].End().Add(boundaryTolerance).Before(anchorEnd) {
		return nil, faults.Errorf(faults.KindInsufficientBuffer,
			"no segment covers the anchor end %s", anchorEnd.UTC().Format(time.RFC3339))
	}

	// Walk backwards until the window start is covered, requiring
	// contiguity; a gap means capture loss inside the window.
	i := j
	for snapshot[i].StartTime.After(targetStart) {
		if i == 0 {
			return nil, faults.Errorf(faults.KindInsufficientBuffer,
				"window start %s predates buffered video", targetStart.UTC().Format(time.RFC3339))
		}
		gap := snapshot[i].StartTime.Sub(snapshot[i-1].End())
		if gap > boundaryTolerance || gap < -boundaryTolerance {
			return nil, faults.Errorf(faults.KindInsufficientBuffer,
				"gap of %s inside the requested window", gap)
		}
		i--
	}

	p := &Plan{
		Segments:    snapshot[i : j+1],
		TargetStart: targetStart,
		AnchorEnd:   anchorEnd,
		HeadOffset:  targetStart.Sub(snapshot[i].StartTime),
		TailKeep:    anchorEnd.Sub(snapshot[j].StartTime),
	}
	p.HeadAligned = p.HeadOffset <= boundaryTolerance
	p.TailAligned = absDuration(snapshot[j].End().Sub(anchorEnd)) <= boundaryTolerance
	return p, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
