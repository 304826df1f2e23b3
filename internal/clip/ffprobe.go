package clip

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Metadata holds container-reported properties of a media file.
type Metadata struct {
	Duration float64 // seconds
	FPS      float64
	Codec    string
	FileSize int64
}

// FrameInterval returns the duration of one frame in seconds, falling
// back to 25 fps when the container does not report a rate.
func (m *Metadata) FrameInterval() float64 {
	if m.FPS > 0 {
		return 1 / m.FPS
	}
	return 1.0 / 25
}

// Probe extracts metadata from a media file using ffprobe.
func Probe(path string) (*Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %w", err)
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	output, err := exec.Command("ffprobe", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probeData struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType  string `json:"codec_type"`
			CodecName  string `json:"codec_name"`
			RFrameRate string `json:"r_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probeData); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}

	m := &Metadata{FileSize: info.Size()}
	if probeData.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
			m.Duration = d
		}
	}
	for _, stream := range probeData.Streams {
		if stream.CodecType != "video" {
			continue
		}
		m.Codec = stream.CodecName
		// Frame rate format: "30000/1001" or "25/1"
		if parts := strings.Split(stream.RFrameRate, "/"); len(parts) == 2 {
			num, _ := strconv.ParseFloat(parts[0], 64)
			den, _ := strconv.ParseFloat(parts[1], 64)
			if den > 0 {
				m.FPS = num / den
			}
		}
		break
	}
	return m, nil
}
