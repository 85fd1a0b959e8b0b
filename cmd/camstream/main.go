package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Showmax/go-fqdn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voc/camstream/api"
	"github.com/voc/camstream/config"
	"github.com/voc/camstream/health"
	"github.com/voc/camstream/lifecycle"
	"github.com/voc/camstream/process"
	"github.com/voc/camstream/registry"
	"github.com/voc/camstream/segment"
	"github.com/voc/camstream/stream"
	"github.com/voc/camstream/util"
)

func getHostname() string {
	name, err := fqdn.FqdnHostname()
	if err != nil {
		log.Error().Err(err).Msg("fqdn")
		if err != fqdn.ErrFqdnNotFound {
			return name
		}

		name, err = os.Hostname()
		if err != nil {
			log.Fatal().Err(err).Msg("hostname")
		}
	}
	return name
}

// inventory keeps the camera list last applied from the config file.
type inventory struct {
	mutex   sync.Mutex
	path    string
	streams []stream.Config
	coord   *lifecycle.Coordinator
}

// reload re-reads the config file and applies camera changes as events.
func (inv *inventory) reload() {
	cfg, err := config.Parse(inv.path)
	if err != nil {
		log.Error().Err(err).Msg("reload config")
		return
	}
	inv.mutex.Lock()
	defer inv.mutex.Unlock()
	next := cfg.Streams()
	events := stream.Diff(inv.streams, next)
	for _, ev := range events {
		if _, err := inv.coord.Handle(ev); err != nil {
			log.Error().Err(err).Str("camera", ev.Camera.CameraID).Str("event", ev.Kind.String()).Msg("reload")
		}
	}
	inv.streams = next
	log.Info().Int("changes", len(events)).Msg("inventory reloaded")
}

func main() {
	name := getHostname()
	configPath := flag.String("config", "config.yml", "path to configuration file (.yml or .toml)")
	debug := flag.Bool("debug", false, "sets log level to debug")
	addr := flag.String("addr", "", "override api listen address")
	flag.StringVar(&name, "name", name, "set node name (defaults to fqdn)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Parse(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read config")
	}
	if *addr != "" {
		cfg.API.Address = *addr
	}
	if cfg.Node == "" {
		cfg.Node = name
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	version, err := process.CheckBinary(ctx, cfg.FFmpeg.Binary)
	if err != nil {
		log.Error().Err(err).Msg("streams will fail to start")
	} else {
		log.Info().Str("version", version).Msg("found ffmpeg")
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	layout := segment.NewLayout(cfg.Paths.Live, cfg.Paths.Storage)
	ffmpeg := cfg.FFmpeg

	var server *api.Server
	coord := lifecycle.New(ctx, registry.New[*process.Supervisor](), lifecycle.Options{
		Supervisor: process.Options{
			Binary:     ffmpeg.Binary,
			Args:       ffmpeg.Args,
			Layout:     layout,
			StartGrace: cfg.Supervisor.StartGrace,
			StopGrace:  cfg.Supervisor.StopGrace,
		},
		Restart:           cfg.Restart,
		LiveURLPrefix:     cfg.API.LivePrefix,
		MetricsRegisterer: reg,
		OnStopped: func(status stream.Status, err error) {
			server.StreamStopped(status, err)
		},
	})

	monitor := health.New(ctx, cfg.Health, coord.Registry(), layout, coord)
	reg.MustRegister(monitor)

	apiConf := api.Config{
		Address: cfg.API.Address,
		Node:    cfg.Node,
	}
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	if cfg.Metrics.Enable && cfg.Metrics.Address == "" {
		apiConf.Metrics = metricsHandler
	}
	server = api.New(ctx, apiConf, coord, monitor.Updates())

	if cfg.Metrics.Enable && cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsServer := &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			log.Info().Str("address", cfg.Metrics.Address).Msg("serving metrics")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("failed to serve prometheus metrics")
				cancel()
			}
		}()
		defer metricsServer.Close()
	}

	inv := &inventory{path: *configPath, streams: cfg.Streams(), coord: coord}
	util.HandleSignal(ctx, cancel, inv.reload)

	inv.mutex.Lock()
	if err := coord.Load(ctx, inv.streams); err != nil {
		log.Error().Err(err).Msg("not all cameras started")
	}
	inv.mutex.Unlock()

	// Wait for graceful shutdown
	timeout := 2*cfg.Supervisor.StopGrace + 5*time.Second
	exitCode := 0
	if err := util.GracefulShutdown(ctx, coord.Shutdown, timeout); err != nil {
		exitCode = 1
	}
	monitor.Wait()
	server.Wait()
	log.Debug().Msgf("exitcode: %d", exitCode)
	os.Exit(exitCode)
}
