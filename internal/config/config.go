// Package config loads and validates the recorder configuration.
//
// Configuration is a flat KEY=VALUE file (dotenv syntax). Values from the
// process environment override values from the file, so a unit file can
// pin individual settings without editing the config on disk.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/prerollcam/prerollcam/internal/faults"
)

// TriggerMode selects the trigger front-end.
type TriggerMode string

const (
	TriggerKeyboard TriggerMode = "keyboard"
	TriggerHTTP     TriggerMode = "http"
)

// Camera holds the immutable identity of one configured camera.
type Camera struct {
	ID        string
	URL       string
	Transport string // "tcp" or "udp"
}

// Config is the fully resolved recorder configuration. It is immutable
// after Load returns.
type Config struct {
	Cameras []Camera

	ChunkDuration     time.Duration
	BufferSeconds     time.Duration
	FinalClipDuration time.Duration

	TempDir  string
	ClipsDir string

	TriggerMode TriggerMode
	HTTPPort    int

	RTSPTransport string

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int // 0 means retry forever

	KeyframeInterval int
	FFmpegPreset     string
	FFmpegCRF        int

	SupervisorInterval  time.Duration
	StorageFloorPercent float64
	GracefulTimeout     time.Duration
	ClipsRetentionDays  int // 0 keeps clips forever

	LogLevel string
}

// Load reads the config file at path, overlays the process environment,
// applies defaults and validates. Validation failures carry
// faults.ErrConfigInvalid and are fatal to the caller.
func Load(path string) (*Config, error) {
	values := map[string]string{}

	if path != "" {
		fileValues, err := godotenv.Read(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, faults.Errorf(faults.KindConfigInvalid, "reading %s: %v", path, err)
			}
		} else {
			values = fileValues
		}
	}

	// Environment wins over the file.
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if recognizedKeys[k] || strings.HasPrefix(k, "CAMERA_") {
			values[k] = v
		}
	}

	return FromValues(values)
}

var recognizedKeys = map[string]bool{
	"CHUNK_DURATION": true, "BUFFER_SECONDS": true, "FINAL_CLIP_DURATION": true,
	"TEMP_DIR": true, "CLIPS_DIR": true, "TRIGGER_MODE": true, "HTTP_PORT": true,
	"RTSP_TRANSPORT": true, "RECONNECT_INITIAL_DELAY": true, "RECONNECT_MAX_DELAY": true,
	"RECONNECT_MAX_ATTEMPTS": true, "FFMPEG_KEYFRAME_INTERVAL": true, "FFMPEG_PRESET": true,
	"FFMPEG_CRF": true, "SUPERVISOR_INTERVAL": true, "STORAGE_FLOOR_PERCENT": true,
	"GRACEFUL_TIMEOUT": true, "CLIPS_RETENTION_DAYS": true, "LOG_LEVEL": true,
}

// FromValues resolves a configuration from an already-parsed key/value
// set. Exposed for tests and for embedding.
func FromValues(values map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := cfg.populate(values); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) populate(values map[string]string) error {
	get := func(key, def string) string {
		if v, ok := values[key]; ok && v != "" {
			return v
		}
		return def
	}

	var err error
	seconds := func(key string, def int) time.Duration {
		n, convErr := strconv.Atoi(get(key, strconv.Itoa(def)))
		if convErr != nil && err == nil {
			err = faults.Errorf(faults.KindConfigInvalid, "%s: %v", key, convErr)
		}
		return time.Duration(n) * time.Second
	}
	integer := func(key string, def int) int {
		n, convErr := strconv.Atoi(get(key, strconv.Itoa(def)))
		if convErr != nil && err == nil {
			err = faults.Errorf(faults.KindConfigInvalid, "%s: %v", key, convErr)
		}
		return n
	}

	c.ChunkDuration = seconds("CHUNK_DURATION", 5)
	c.BufferSeconds = seconds("BUFFER_SECONDS", 30)
	c.FinalClipDuration = seconds("FINAL_CLIP_DURATION", 25)
	c.TempDir = get("TEMP_DIR", "/dev/shm/prerollcam")
	c.ClipsDir = get("CLIPS_DIR", "./clips")
	c.TriggerMode = TriggerMode(get("TRIGGER_MODE", "keyboard"))
	c.HTTPPort = integer("HTTP_PORT", 8080)
	c.RTSPTransport = get("RTSP_TRANSPORT", "tcp")
	c.ReconnectInitialDelay = seconds("RECONNECT_INITIAL_DELAY", 2)
	c.ReconnectMaxDelay = seconds("RECONNECT_MAX_DELAY", 60)
	c.ReconnectMaxAttempts = integer("RECONNECT_MAX_ATTEMPTS", 0)
	c.KeyframeInterval = integer("FFMPEG_KEYFRAME_INTERVAL", 1)
	c.FFmpegPreset = get("FFMPEG_PRESET", "veryfast")
	c.FFmpegCRF = integer("FFMPEG_CRF", 23)
	c.SupervisorInterval = seconds("SUPERVISOR_INTERVAL", 10)
	c.GracefulTimeout = seconds("GRACEFUL_TIMEOUT", 10)
	c.ClipsRetentionDays = integer("CLIPS_RETENTION_DAYS", 0)
	c.LogLevel = get("LOG_LEVEL", "info")

	floor, convErr := strconv.ParseFloat(get("STORAGE_FLOOR_PERCENT", "10"), 64)
	if convErr != nil && err == nil {
		err = faults.Errorf(faults.KindConfigInvalid, "STORAGE_FLOOR_PERCENT: %v", convErr)
	}
	c.StorageFloorPercent = floor

	c.Cameras = camerasFrom(values, c.RTSPTransport)

	return err
}

// camerasFrom collects CAMERA_N_URL keys in numeric order. Gaps in the
// numbering are allowed; the camera ID is derived from N so operators can
// comment out a camera without renumbering the rest.
func camerasFrom(values map[string]string, transport string) []Camera {
	type numbered struct {
		n   int
		url string
	}
	var found []numbered
	for key, val := range values {
		var n int
		if _, scanErr := fmt.Sscanf(key, "CAMERA_%d_URL", &n); scanErr == nil && val != "" &&
			key == fmt.Sprintf("CAMERA_%d_URL", n) {
			found = append(found, numbered{n, val})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	cameras := make([]Camera, 0, len(found))
	for _, f := range found {
		cameras = append(cameras, Camera{
			ID:        fmt.Sprintf("camera_%d", f.n),
			URL:       f.url,
			Transport: transport,
		})
	}
	return cameras
}

func (c *Config) validate() error {
	if len(c.Cameras) == 0 {
		return faults.Errorf(faults.KindConfigInvalid, "no cameras configured (set CAMERA_1_URL)")
	}
	for _, cam := range c.Cameras {
		if !strings.HasPrefix(cam.URL, "rtsp://") {
			return faults.Errorf(faults.KindConfigInvalid, "%s: URL must start with rtsp:// (got %q)", cam.ID, cam.URL)
		}
	}
	if c.ChunkDuration <= 0 {
		return faults.Errorf(faults.KindConfigInvalid, "CHUNK_DURATION must be positive")
	}
	if c.BufferSeconds < c.ChunkDuration {
		return faults.Errorf(faults.KindConfigInvalid, "BUFFER_SECONDS must be at least CHUNK_DURATION")
	}
	if c.FinalClipDuration <= 0 {
		return faults.Errorf(faults.KindConfigInvalid, "FINAL_CLIP_DURATION must be positive")
	}
	if c.FinalClipDuration > c.BufferSeconds {
		return faults.Errorf(faults.KindConfigInvalid,
			"FINAL_CLIP_DURATION (%s) exceeds BUFFER_SECONDS (%s)", c.FinalClipDuration, c.BufferSeconds)
	}
	switch c.TriggerMode {
	case TriggerKeyboard, TriggerHTTP:
	default:
		return faults.Errorf(faults.KindConfigInvalid, "TRIGGER_MODE must be keyboard or http (got %q)", c.TriggerMode)
	}
	if c.TriggerMode == TriggerHTTP && (c.HTTPPort < 1 || c.HTTPPort > 65535) {
		return faults.Errorf(faults.KindConfigInvalid, "HTTP_PORT out of range: %d", c.HTTPPort)
	}
	switch c.RTSPTransport {
	case "tcp", "udp":
	default:
		return faults.Errorf(faults.KindConfigInvalid, "RTSP_TRANSPORT must be tcp or udp (got %q)", c.RTSPTransport)
	}
	if c.ReconnectInitialDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return faults.Errorf(faults.KindConfigInvalid, "reconnect delays must satisfy 0 < initial <= max")
	}
	if c.ReconnectMaxAttempts < 0 {
		return faults.Errorf(faults.KindConfigInvalid, "RECONNECT_MAX_ATTEMPTS must be >= 0")
	}
	if c.KeyframeInterval <= 0 {
		return faults.Errorf(faults.KindConfigInvalid, "FFMPEG_KEYFRAME_INTERVAL must be positive")
	}
	if c.FFmpegCRF < 0 || c.FFmpegCRF > 51 {
		return faults.Errorf(faults.KindConfigInvalid, "FFMPEG_CRF out of range: %d", c.FFmpegCRF)
	}
	if c.StorageFloorPercent < 0 || c.StorageFloorPercent >= 100 {
		return faults.Errorf(faults.KindConfigInvalid, "STORAGE_FLOOR_PERCENT out of range: %v", c.StorageFloorPercent)
	}
	if c.TempDir == "" || c.ClipsDir == "" {
		return faults.Errorf(faults.KindConfigInvalid, "TEMP_DIR and CLIPS_DIR must be set")
	}
	return nil
}

// Camera returns the camera with the given ID, or nil.
func (c *Config) Camera(id string) *Camera {
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}
