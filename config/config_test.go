package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/voc/camstream/stream"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NilError(t, Default().Validate())
}

func TestParseYAML(t *testing.T) {
	path := writeFile(t, "camstream.yml", `
node: edge1
paths:
  live: /srv/hls
  storage: /srv/storage
ffmpeg:
  transport: udp
  recording:
    codec: copy
supervisor:
  stop_grace: 10s
restart:
  enabled: true
  max_attempts: 5
  initial_backoff: 1s
  max_backoff: 1m
  multiplier: 1.5
health:
  interval: 500ms
cameras:
  - id: cam1
    url: rtsp://192.168.1.100:554/stream1
    username: admin
    password: "2XkRHya8%^Ysmd7jTihQ4pdK"
    transport: TCP
    enabled: true
    recording: true
  - id: cam2
    url: 192.168.1.101/stream1
`)
	cfg, err := Parse(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Node, "edge1")
	assert.Equal(t, cfg.Paths.Live, "/srv/hls")
	assert.Equal(t, cfg.FFmpeg.Transport, "udp")
	assert.Equal(t, cfg.FFmpeg.Recording.Codec, "copy")
	// untouched defaults survive
	assert.Equal(t, cfg.FFmpeg.HLSTime, 2)
	assert.Equal(t, cfg.Supervisor.StartGrace, 2*time.Second)
	assert.Equal(t, cfg.Supervisor.StopGrace, 10*time.Second)
	assert.Equal(t, cfg.Restart.MaxBackoff, time.Minute)
	assert.Equal(t, cfg.Health.Interval, 500*time.Millisecond)

	streams := cfg.Streams()
	assert.Equal(t, len(streams), 2)
	assert.DeepEqual(t, streams[0], stream.Config{
		CameraID:         "cam1",
		URL:              "rtsp://192.168.1.100:554/stream1",
		Username:         "admin",
		Password:         "2XkRHya8%^Ysmd7jTihQ4pdK",
		Transport:        stream.TransportTCP,
		Enabled:          true,
		RecordingEnabled: true,
	})
	assert.Assert(t, !streams[1].Enabled)
}

func TestParseTOML(t *testing.T) {
	path := writeFile(t, "camstream.toml", `
node = "edge2"

[paths]
live = "/srv/hls"
storage = "/srv/storage"

[api]
address = ":9000"

[[cameras]]
id = "cam1"
url = "rtsp://192.168.1.100:554/stream1"
enabled = true
`)
	cfg, err := Parse(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Node, "edge2")
	assert.Equal(t, cfg.API.Address, ":9000")
	assert.Equal(t, len(cfg.Cameras), 1)
	assert.Assert(t, cfg.Cameras[0].Enabled)
}

func TestParseRejectsShortRecordingSegments(t *testing.T) {
	path := writeFile(t, "camstream.yml", `
paths:
  live: /srv/hls
  storage: /srv/storage
ffmpeg:
  segment_seconds: 600
`)
	_, err := Parse(path)
	assert.ErrorContains(t, err, "segment_seconds must be 3600")
}

func TestValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		mutate func(*Config)
		err    string
	}{
		"start grace": {func(c *Config) { c.Supervisor.StartGrace = 0 }, "grace"},
		"interval":    {func(c *Config) { c.Health.Interval = -time.Second }, "health.interval"},
		"quality":     {func(c *Config) { c.FFmpeg.Recording.Quality = "ultra" }, "unknown recording quality"},
		"codec":       {func(c *Config) { c.FFmpeg.Recording.Codec = "vp9" }, "unknown recording codec"},
		"segment":     {func(c *Config) { c.FFmpeg.SegmentSeconds = 600 }, "segment_seconds must be 3600"},
		"no segment":  {func(c *Config) { c.FFmpeg.SegmentSeconds = 0 }, "segment_seconds"},
		"camera id": {func(c *Config) {
			c.Cameras = []Camera{{ID: "../../escaped", URL: "rtsp://a/s"}}
		}, "invalid camera id"},
		"attempts": {func(c *Config) {
			c.Restart.Enabled = true
			c.Restart.MaxAttempts = 0
		}, "max_attempts"},
		"duplicate": {func(c *Config) {
			c.Cameras = []Camera{
				{ID: "cam1", URL: "rtsp://a/s"},
				{ID: "cam1", URL: "rtsp://b/s"},
			}
		}, "duplicate camera"},
		"credentials in url": {func(c *Config) {
			c.Cameras = []Camera{{ID: "cam1", URL: "rtsp://admin:pw@a/s"}}
		}, "invalid stream url"},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			assert.Assert(t, err != nil)
			assert.Assert(t, is.Contains(err.Error(), tc.err))
		})
	}
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Assert(t, os.IsNotExist(err))
}
