package capture

import (
	"strconv"
	"strings"
	"time"

	"github.com/prerollcam/prerollcam/internal/config"
)

// BuildEncoderArgs constructs the ffmpeg invocation for one camera. The
// encoder pulls the RTSP stream, stream-copies the payload and writes
// clock-aligned segments through the segment muxer; all timing precision
// comes from -segment_atclocktime.
func BuildEncoderArgs(cam config.Camera, outputPattern string, chunk time.Duration, keyframeInterval int) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "info",
		"-nostdin",
	}

	// Input processing flags for reliability (must come before -i).
	args = append(args,
		"-fflags", "+genpts+discardcorrupt",
		"-avoid_negative_ts", "make_zero",
	)

	args = append(args, "-rtsp_transport", cam.Transport)
	if cam.Transport == "tcp" {
		// 1MB buffer for network jitter
		args = append(args, "-buffer_size", "1024000")
	}
	args = append(args,
		"-stimeout", "5000000", // 5 second socket timeout (microseconds)
		"-i", cam.URL,
	)

	chunkSecs := int(chunk / time.Second)
	args = append(args,
		"-c:v", "copy",
		"-c:a", "copy",
		"-force_key_frames", "expr:gte(t,n_forced*"+strconv.Itoa(keyframeInterval)+")",
		"-f", "segment",
		"-segment_time", strconv.Itoa(chunkSecs),
		"-segment_format", "mp4",
		"-segment_atclocktime", "1",
		"-strftime", "1",
		"-reset_timestamps", "1",
		"-movflags", "+frag_keyframe+empty_moov+default_base_moof",
		outputPattern,
	)

	return args
}

// sanitizeURLForLog removes credentials from a stream URL before it
// reaches the logs.
func sanitizeURLForLog(url string) string {
	for _, proto := range []string{"rtsp://", "rtsps://"} {
		if strings.HasPrefix(url, proto) {
			remainder := strings.TrimPrefix(url, proto)
			if atIdx := strings.Index(remainder, "@"); atIdx != -1 {
				return proto + "***:***@" + remainder[atIdx+1:]
			}
		}
	}
	return url
}
