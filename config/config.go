package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"github.com/voc/camstream/health"
	"github.com/voc/camstream/lifecycle"
	"github.com/voc/camstream/process"
	"github.com/voc/camstream/stream"
)

type Paths struct {
	// live HLS output, one directory per camera
	Live string `yaml:"live" toml:"live"`
	// recordings are kept below <storage>/recordings
	Storage string `yaml:"storage" toml:"storage"`
}

type SupervisorConfig struct {
	StartGrace time.Duration `yaml:"start_grace" toml:"start_grace"`
	StopGrace  time.Duration `yaml:"stop_grace" toml:"stop_grace"`
}

type APIConfig struct {
	Address string `yaml:"address" toml:"address"`
	// prefix the live directory is served under
	LivePrefix string `yaml:"live_prefix" toml:"live_prefix"`
}

type MetricsConfig struct {
	Enable bool `yaml:"enable" toml:"enable"`
	// separate listener, empty serves /metrics on the api router
	Address string `yaml:"address" toml:"address"`
}

// Camera is an inventory entry started at boot.
type Camera struct {
	ID        string `yaml:"id" toml:"id"`
	URL       string `yaml:"url" toml:"url"`
	Username  string `yaml:"username" toml:"username"`
	Password  string `yaml:"password" toml:"password"`
	Transport string `yaml:"transport" toml:"transport"`
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Recording bool   `yaml:"recording" toml:"recording"`
}

type Config struct {
	// node name reported by the api, defaults to the fqdn
	Node       string                  `yaml:"node" toml:"node"`
	Paths      Paths                   `yaml:"paths" toml:"paths"`
	FFmpeg     process.FFmpegConfig    `yaml:"ffmpeg" toml:"ffmpeg"`
	Supervisor SupervisorConfig        `yaml:"supervisor" toml:"supervisor"`
	Restart    lifecycle.RestartPolicy `yaml:"restart" toml:"restart"`
	Health     health.Config           `yaml:"health" toml:"health"`
	API        APIConfig               `yaml:"api" toml:"api"`
	Metrics    MetricsConfig           `yaml:"metrics" toml:"metrics"`
	Cameras    []Camera                `yaml:"cameras" toml:"cameras"`
}

// Default returns the configuration used for everything a file leaves out.
func Default() Config {
	return Config{
		Paths: Paths{
			Live:    "/tmp/hls",
			Storage: "/var/lib/camstream",
		},
		FFmpeg: process.DefaultFFmpegConfig(),
		Supervisor: SupervisorConfig{
			StartGrace: 2 * time.Second,
			StopGrace:  5 * time.Second,
		},
		Restart: lifecycle.RestartPolicy{
			Enabled:        false,
			MaxAttempts:    3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
		},
		Health: health.Config{
			Interval:   2 * time.Second,
			StaleAfter: 30 * time.Second,
		},
		API: APIConfig{
			Address:    "localhost:8080",
			LivePrefix: "/hls",
		},
		Metrics: MetricsConfig{
			Enable: true,
		},
	}
}

// Parse reads the config at path on top of the defaults. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Parse(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	log.Info().Msgf("reading config from %s", path)
	return cfg, cfg.Validate()
}

// Validate checks intervals, media settings and the camera inventory.
func (c Config) Validate() error {
	if c.Paths.Live == "" || c.Paths.Storage == "" {
		return errors.New("paths.live and paths.storage are required")
	}
	if c.Supervisor.StartGrace <= 0 || c.Supervisor.StopGrace <= 0 {
		return errors.New("supervisor grace periods must be positive")
	}
	if c.Health.Interval <= 0 {
		return errors.New("health.interval must be positive")
	}
	if err := c.FFmpeg.Validate(); err != nil {
		return errors.Wrap(err, "ffmpeg")
	}
	if c.Restart.Enabled {
		if c.Restart.MaxAttempts <= 0 {
			return errors.New("restart.max_attempts must be positive")
		}
		if c.Restart.InitialBackoff <= 0 || c.Restart.MaxBackoff < c.Restart.InitialBackoff {
			return errors.New("restart backoff must be positive and max_backoff >= initial_backoff")
		}
		if c.Restart.Multiplier < 1 {
			return errors.New("restart.multiplier must be at least 1")
		}
	}

	seen := make(map[string]bool, len(c.Cameras))
	for _, conf := range c.Streams() {
		if seen[conf.CameraID] {
			return errors.Errorf("duplicate camera %q", conf.CameraID)
		}
		seen[conf.CameraID] = true
		if err := conf.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Streams converts the camera inventory into stream configs.
func (c Config) Streams() []stream.Config {
	res := make([]stream.Config, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		res = append(res, stream.Config{
			CameraID:         cam.ID,
			URL:              cam.URL,
			Username:         cam.Username,
			Password:         cam.Password,
			Transport:        stream.Transport(strings.ToLower(cam.Transport)),
			Enabled:          cam.Enabled,
			RecordingEnabled: cam.Recording,
		})
	}
	return res
}
