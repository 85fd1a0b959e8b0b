package process

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/voc/camstream/segment"
	"github.com/voc/camstream/stream"
)

const (
	CodecCopy = "copy"
	CodecHEVC = "hevc"
)

// RecordingConfig selects how the archive output is encoded.
type RecordingConfig struct {
	Codec   string `yaml:"codec" toml:"codec"`     // copy or hevc
	Quality string `yaml:"quality" toml:"quality"` // fast, balanced or compact
	CRF     int    `yaml:"crf" toml:"crf"`
	Scale   string `yaml:"scale" toml:"scale"` // optional ffmpeg scale expression, e.g. 1280:-2
}

// FFmpegConfig holds the media settings passed to every child.
type FFmpegConfig struct {
	Binary         string          `yaml:"binary" toml:"binary"`
	LogLevel       string          `yaml:"loglevel" toml:"loglevel"`
	Transport      string          `yaml:"transport" toml:"transport"` // default when a camera sets none
	HLSTime        int             `yaml:"hls_time" toml:"hls_time"`
	HLSListSize    int             `yaml:"hls_list_size" toml:"hls_list_size"`
	SegmentSeconds int             `yaml:"segment_seconds" toml:"segment_seconds"`
	Recording      RecordingConfig `yaml:"recording" toml:"recording"`
}

// DefaultFFmpegConfig returns the stock media settings.
func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		Binary:         "ffmpeg",
		LogLevel:       "warning",
		Transport:      string(stream.TransportTCP),
		HLSTime:        2,
		HLSListSize:    6,
		SegmentSeconds: int(segment.Period / time.Second),
		Recording: RecordingConfig{
			Codec:   CodecHEVC,
			Quality: "balanced",
			CRF:     28,
		},
	}
}

var x265Presets = map[string]string{
	"fast":     "veryfast",
	"balanced": "fast",
	"compact":  "medium",
}

// x265Preset maps a quality name onto an encoder preset, unknown names fall back to balanced.
func x265Preset(quality string) string {
	if preset, ok := x265Presets[strings.ToLower(strings.TrimSpace(quality))]; ok {
		return preset
	}
	return x265Presets["balanced"]
}

// Validate rejects unknown codecs and quality names and recording segments that do not
// match the hourly file layout.
func (c FFmpegConfig) Validate() error {
	switch strings.ToLower(c.Recording.Codec) {
	case "", CodecCopy, CodecHEVC:
	default:
		return errors.Errorf("unknown recording codec %q", c.Recording.Codec)
	}
	if q := strings.ToLower(strings.TrimSpace(c.Recording.Quality)); q != "" {
		if _, ok := x265Presets[q]; !ok {
			return errors.Errorf("unknown recording quality %q", c.Recording.Quality)
		}
	}
	if c.HLSTime <= 0 || c.HLSListSize <= 0 {
		return errors.New("hls_time and hls_list_size must be positive")
	}
	// recordings are named by hour, a shorter segment would overwrite the hour's file
	if period := int(segment.Period / time.Second); c.SegmentSeconds != period {
		return errors.Errorf("segment_seconds must be %d, got %d", period, c.SegmentSeconds)
	}
	return nil
}

func (c FFmpegConfig) encoderArgs() []string {
	rec := c.Recording
	if !strings.EqualFold(rec.Codec, CodecHEVC) {
		return []string{"-c:v", "copy"}
	}
	crf := rec.CRF
	if crf <= 0 {
		crf = 28
	}
	args := []string{
		"-c:v", "libx265",
		"-preset", x265Preset(rec.Quality),
		"-crf", strconv.Itoa(crf),
		"-pix_fmt", "yuv420p",
		"-tag:v", "hvc1",
	}
	if rec.Scale != "" {
		args = append(args, "-vf", "scale="+rec.Scale)
	}
	return args
}

// Args builds the ffmpeg command line for one camera. The live HLS output is always
// produced, the hourly recording output only when the camera has recording enabled.
func (c FFmpegConfig) Args(conf stream.Config, source string, layout segment.Layout) []string {
	args := []string{"-hide_banner", "-nostdin"}
	if c.LogLevel != "" {
		args = append(args, "-loglevel", c.LogLevel)
	}

	if strings.HasPrefix(strings.ToLower(source), "rtsp") {
		transport := string(conf.Transport)
		if transport == "" {
			transport = c.Transport
		}
		if transport != "" {
			args = append(args, "-rtsp_transport", transport)
		}
	}
	args = append(args,
		"-fflags", "+genpts+discardcorrupt",
		"-i", source,
	)

	// live
	args = append(args,
		"-map", "0:v:0",
		"-c:v", "copy",
		"-an",
		"-f", "hls",
		"-hls_time", strconv.Itoa(c.HLSTime),
		"-hls_list_size", strconv.Itoa(c.HLSListSize),
		"-hls_flags", "delete_segments+append_list+omit_endlist",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", layout.LiveSegments(conf.CameraID),
		layout.LiveIndex(conf.CameraID),
	)

	if !conf.RecordingEnabled {
		return args
	}

	// recording
	container := layout.Container
	if container == "" {
		container = segment.DefaultContainer
	}
	args = append(args, "-map", "0:v:0")
	args = append(args, c.encoderArgs()...)
	args = append(args,
		"-an",
		"-f", "segment",
		"-segment_time", strconv.Itoa(c.SegmentSeconds),
		"-segment_format", container,
		"-segment_format_options", "movflags=+faststart",
		"-segment_atclocktime", "1",
		"-strftime", "1",
		"-reset_timestamps", "1",
		layout.Pattern(conf.CameraID),
	)
	return args
}

// CheckBinary resolves binary and returns the first line of its version output.
func CheckBinary(ctx context.Context, binary string) (string, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", errors.Wrapf(ErrSpawn, "%s not found: %v", binary, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return "", errors.Wrapf(ErrSpawn, "%s -version: %v", path, err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	return "", nil
}
