// Package lifecycle turns inventory events and control calls into start and stop
// sequences on the per-camera supervisors.
package lifecycle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/voc/camstream/credurl"
	"github.com/voc/camstream/process"
	"github.com/voc/camstream/registry"
	"github.com/voc/camstream/segment"
	"github.com/voc/camstream/stream"
)

var (
	ErrUnknownCamera  = errors.New("unknown camera")
	ErrCameraDisabled = errors.New("camera disabled")
)

const stateError = "error"

type Options struct {
	// template for every supervisor
	Supervisor process.Options

	Restart RestartPolicy

	// public prefix the live directory is served under, e.g. /hls
	LiveURLPrefix string

	// metrics registerer
	MetricsRegisterer prometheus.Registerer

	// called after a background stop finished
	OnStopped func(stream.Status, error)
}

// record is everything known about a camera besides its running supervisor.
type record struct {
	conf      stream.Config
	lastError string
	errored   bool
	restarts  int
	gen       uint64 // bumped by explicit control, aborts pending recoveries
	backoff   backoff.BackOff
}

type Coordinator struct {
	opts     Options
	registry *registry.Registry[*process.Supervisor]
	log      zerolog.Logger

	mutex   sync.Mutex
	records map[string]*record

	pendingMutex sync.Mutex
	pending      map[string]chan struct{} // in-flight background stops

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics metrics
}

type metrics struct {
	starts        prometheus.Counter
	spawnFailures prometheus.Counter
	stops         prometheus.Counter
	forcedKills   prometheus.Counter
	crashes       prometheus.Counter
	restarts      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) metrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "camstream",
			Name:      name,
			Help:      help,
		})
		if reg != nil {
			reg.MustRegister(c)
		}
		return c
	}
	return metrics{
		starts:        counter("stream_starts_total", "Streams started successfully."),
		spawnFailures: counter("stream_spawn_failures_total", "Stream starts that failed to spawn."),
		stops:         counter("stream_stops_total", "Streams stopped."),
		forcedKills:   counter("stream_forced_kills_total", "Stops that escalated to SIGKILL."),
		crashes:       counter("stream_crashes_total", "Unexpected stream exits."),
		restarts:      counter("stream_restarts_total", "Automatic restarts after a crash."),
	}
}

// New returns a coordinator backed by reg. ctx bounds pending crash recoveries.
func New(ctx context.Context, reg *registry.Registry[*process.Supervisor], opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		opts:     opts,
		registry: reg,
		log:      log.With().Str("context", "lifecycle").Logger(),
		records:  make(map[string]*record),
		pending:  make(map[string]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		metrics:  newMetrics(opts.MetricsRegisterer),
	}
}

// Registry returns the store of running supervisors.
func (c *Coordinator) Registry() *registry.Registry[*process.Supervisor] {
	return c.registry
}

// Layout returns the output layout shared by all supervisors.
func (c *Coordinator) Layout() segment.Layout {
	return c.opts.Supervisor.Layout
}

// remember stores conf without touching crash state.
func (c *Coordinator) remember(conf stream.Config) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	rec, ok := c.records[conf.CameraID]
	if !ok {
		rec = &record{}
		c.records[conf.CameraID] = rec
	}
	rec.conf = conf
}

func (c *Coordinator) forget(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if rec, ok := c.records[id]; ok {
		rec.gen++
		delete(c.records, id)
	}
}

func (c *Coordinator) lookup(id string) (stream.Config, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return stream.Config{}, false
	}
	return rec.conf, true
}

// commit stores conf as the latest intent for its camera and cancels pending recoveries.
func (c *Coordinator) commit(conf stream.Config) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	rec, ok := c.records[conf.CameraID]
	if !ok {
		rec = &record{}
		c.records[conf.CameraID] = rec
	}
	rec.conf = conf
	rec.reset()
}

// resetRecovery clears crash state on explicit control and cancels pending recoveries.
func (c *Coordinator) resetRecovery(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if rec, ok := c.records[id]; ok {
		rec.reset()
	}
}

// lock must be held by caller
func (rec *record) reset() {
	rec.gen++
	rec.errored = false
	rec.backoff = nil
}

func (c *Coordinator) setError(id string, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if rec, ok := c.records[id]; ok {
		rec.lastError = ""
		if err != nil {
			rec.lastError = err.Error()
		}
		rec.errored = false
	}
}

// Handle applies one inventory event and returns the resulting status.
func (c *Coordinator) Handle(ev stream.Event) (stream.Status, error) {
	conf := ev.Camera
	id := conf.CameraID
	if err := stream.ValidateID(id); err != nil {
		return stream.Status{CameraID: id, State: process.Stopped.String()}, err
	}
	logger := c.log.With().Str("camera", id).Str("event", ev.Kind.String()).Logger()
	logger.Debug().Msg("handling event")

	switch ev.Kind {
	case stream.CameraCreated:
		c.commit(conf)
		if !conf.Enabled {
			return c.Status(id), nil
		}
		return c.ensureStarted(id)

	case stream.CameraEnabled:
		conf.Enabled = true
		c.commit(conf)
		return c.ensureStarted(id)

	case stream.CameraDisabled:
		conf.Enabled = false
		c.commit(conf)
		_, err := c.EnsureStopped(id)
		return c.Status(id), err

	case stream.CameraDeleted:
		c.forget(id)
		_, err := c.EnsureStopped(id)
		// recordings stay on disk, retention is handled elsewhere
		return c.Status(id), err

	case stream.CameraUpdated:
		old, known := c.lookup(id)
		_, running := c.registry.Get(id)
		switch {
		case running && !conf.Enabled:
			c.commit(conf)
			_, err := c.EnsureStopped(id)
			return c.Status(id), err
		case running && (!known || old.ConnectionChanged(conf)):
			logger.Info().Str("url", credurl.Redact(conf.URL)).Msg("connection changed, restarting")
			c.commit(conf)
			if _, err := c.EnsureStopped(id); err != nil {
				return c.Status(id), err
			}
			return c.ensureStarted(id)
		}
		// stored for the next start, a pending recovery picks it up
		c.remember(conf)
		return c.Status(id), nil
	}
	return stream.Status{}, errors.Errorf("unknown event kind %d", int(ev.Kind))
}

// EnsureStarted stores conf as the camera's config and starts it unless the camera is
// already registered. The camera is registered only after a successful spawn.
func (c *Coordinator) EnsureStarted(conf stream.Config) (stream.Status, error) {
	if err := stream.ValidateID(conf.CameraID); err != nil {
		return stream.Status{CameraID: conf.CameraID, State: process.Stopped.String()}, err
	}
	c.remember(conf)
	return c.ensureStarted(conf.CameraID)
}

func (c *Coordinator) ensureStarted(id string) (stream.Status, error) {
	_, err := c.start(id, nil, 0)
	return c.Status(id), err
}

// start spawns the latest committed config of a camera while holding its lock. It does
// nothing if the camera is registered, unknown or disabled by then. A recovery passes
// the record and generation it was scheduled for and is dropped if either changed.
func (c *Coordinator) start(id string, expect *record, gen uint64) (bool, error) {
	c.waitPending(id)

	unlock := c.registry.Lock(id)
	defer unlock()
	if _, ok := c.registry.Get(id); ok {
		return false, nil
	}

	c.mutex.Lock()
	rec, known := c.records[id]
	current := known && rec.conf.Enabled
	if expect != nil && (rec != expect || !known || rec.gen != gen) {
		current = false
	}
	var conf stream.Config
	if current {
		conf = rec.conf
	}
	c.mutex.Unlock()
	if !current {
		c.log.Debug().Str("camera", id).Msg("start superseded")
		return false, nil
	}

	if err := conf.Validate(); err != nil {
		c.setError(id, err)
		return false, err
	}

	sup := process.New(conf, c.opts.Supervisor)
	if _, err := sup.Start(); err != nil {
		c.metrics.spawnFailures.Inc()
		c.setError(id, err)
		c.log.Error().Err(err).Str("camera", id).Msg("start failed")
		return false, err
	}
	c.registry.TryInsert(id, sup)
	c.metrics.starts.Inc()
	c.setError(id, nil)
	return true, nil
}

// EnsureStopped stops the camera if it is registered and removes it. It reports
// whether a stream was stopped.
func (c *Coordinator) EnsureStopped(id string) (bool, error) {
	unlock := c.registry.Lock(id)
	defer unlock()
	sup, ok := c.registry.Get(id)
	if !ok {
		return false, nil
	}
	err := sup.Stop(c.opts.Supervisor.StopGrace)
	if sup.Handle().ForcedKill {
		c.metrics.forcedKills.Inc()
	}
	c.registry.Remove(id)
	c.metrics.stops.Inc()
	if err != nil {
		c.log.Error().Err(err).Str("camera", id).Msg("stop")
	}
	return true, err
}

func (c *Coordinator) controllable(id string) error {
	conf, ok := c.lookup(id)
	if !ok {
		return errors.Wrap(ErrUnknownCamera, id)
	}
	if !conf.Enabled {
		return errors.Wrap(ErrCameraDisabled, id)
	}
	return nil
}

// Start starts a known, enabled camera.
func (c *Coordinator) Start(id string) (stream.Status, error) {
	if err := c.controllable(id); err != nil {
		return c.Status(id), err
	}
	c.resetRecovery(id)
	return c.ensureStarted(id)
}

// Stop stops a camera synchronously. Unknown cameras that are not running are reported.
func (c *Coordinator) Stop(id string) (stream.Status, error) {
	if _, ok := c.lookup(id); !ok {
		if _, running := c.registry.Get(id); !running {
			return c.Status(id), errors.Wrap(ErrUnknownCamera, id)
		}
	}
	c.resetRecovery(id)
	_, err := c.EnsureStopped(id)
	return c.Status(id), err
}

// StopAsync dispatches a stop to the background and returns immediately. A start for
// the same camera issued afterwards waits for this stop to complete.
func (c *Coordinator) StopAsync(id string) error {
	if _, ok := c.lookup(id); !ok {
		if _, running := c.registry.Get(id); !running {
			return errors.Wrap(ErrUnknownCamera, id)
		}
	}
	c.resetRecovery(id)

	c.pendingMutex.Lock()
	prev := c.pending[id]
	done := make(chan struct{})
	c.pending[id] = done
	c.pendingMutex.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if prev != nil {
			<-prev
		}
		_, err := c.EnsureStopped(id)

		c.pendingMutex.Lock()
		if c.pending[id] == done {
			delete(c.pending, id)
		}
		c.pendingMutex.Unlock()
		close(done)

		if c.opts.OnStopped != nil {
			c.opts.OnStopped(c.Status(id), err)
		}
	}()
	return nil
}

func (c *Coordinator) waitPending(id string) {
	c.pendingMutex.Lock()
	done := c.pending[id]
	c.pendingMutex.Unlock()
	if done != nil {
		<-done
	}
}

// Restart stops and starts a known, enabled camera.
func (c *Coordinator) Restart(id string) (stream.Status, error) {
	if err := c.controllable(id); err != nil {
		return c.Status(id), err
	}
	c.resetRecovery(id)
	if _, err := c.EnsureStopped(id); err != nil {
		return c.Status(id), err
	}
	return c.ensureStarted(id)
}

// Crashed is called by the health monitor when a registered stream exited on its own.
// Recovery runs in the background so the caller never waits on a camera lock.
func (c *Coordinator) Crashed(id string, pid int) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.recover(id, pid)
	}()
}

func (c *Coordinator) recover(id string, pid int) {
	logger := c.log.With().Str("camera", id).Int("pid", pid).Logger()

	unlock := c.registry.Lock(id)
	sup, ok := c.registry.Get(id)
	if !ok || sup.Handle().PID != pid || sup.Poll().State != process.Crashed {
		// already handled
		unlock()
		return
	}
	h := sup.Handle()
	lastErr := sup.LastError()
	sup.Stop(0)
	c.registry.Remove(id)
	unlock()

	c.metrics.crashes.Inc()
	crashErr := process.ErrCrashed
	if h.ExitCode != nil {
		crashErr = errors.Wrapf(crashErr, "exit code %d", *h.ExitCode)
	}
	if lastErr != "" {
		crashErr = errors.Wrap(crashErr, lastErr)
	}
	logger.Warn().Err(crashErr).Msg("stream crashed")

	policy := c.opts.Restart
	c.mutex.Lock()
	rec, known := c.records[id]
	if !known {
		c.mutex.Unlock()
		return
	}
	rec.lastError = crashErr.Error()
	if !policy.active() {
		rec.errored = true
		c.mutex.Unlock()
		logger.Info().Msg("automatic restart disabled, leaving stream stopped")
		return
	}
	if rec.backoff == nil {
		rec.backoff = policy.newBackOff()
	}
	b := rec.backoff
	gen := rec.gen
	c.mutex.Unlock()

	for {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			c.mutex.Lock()
			if rec.gen == gen {
				rec.errored = true
			}
			c.mutex.Unlock()
			logger.Error().Int("attempts", policy.MaxAttempts).Msg("restart attempts exhausted, leaving stream stopped")
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		logger.Info().Dur("delay", delay).Msg("restarting")
		started, err := c.start(id, rec, gen)
		if err == nil {
			if !started {
				logger.Debug().Msg("recovery superseded")
				return
			}
			c.metrics.restarts.Inc()
			c.mutex.Lock()
			rec.restarts++
			c.mutex.Unlock()
			return
		}
		logger.Warn().Err(err).Msg("restart failed")
	}
}

// Status returns the best-known state of a camera. It never fails.
func (c *Coordinator) Status(id string) stream.Status {
	status := stream.Status{
		CameraID: id,
		State:    process.Stopped.String(),
	}

	c.mutex.Lock()
	if rec, known := c.records[id]; known {
		status.Error = rec.lastError
		status.RestartCount = rec.restarts
		if rec.errored {
			status.State = stateError
		}
	}
	c.mutex.Unlock()

	sup, ok := c.registry.Get(id)
	if !ok {
		return status
	}
	h := sup.Handle()
	poll := sup.Poll()
	status.State = poll.State.String()
	status.Running = poll.Running
	status.PID = h.PID
	if !h.SpawnedAt.IsZero() {
		started := h.SpawnedAt
		status.StartedAt = &started
	}
	if poll.Running {
		status.Recording = sup.Config().RecordingEnabled
		status.LiveIndexPath = c.opts.Supervisor.Layout.LiveIndex(id)
		status.LiveURL = c.liveURL(id)
	}
	if poll.State == process.Crashed {
		status.Error = process.ErrCrashed.Error()
		if last := sup.LastError(); last != "" {
			status.Error += ": " + last
		}
	}
	return status
}

func (c *Coordinator) liveURL(id string) string {
	if c.opts.LiveURLPrefix == "" {
		return ""
	}
	return strings.TrimSuffix(c.opts.LiveURLPrefix, "/") + "/" + id + "/" + segment.LiveIndexName
}

// Statuses returns the status of every known or running camera ordered by id.
func (c *Coordinator) Statuses() []stream.Status {
	ids := make(map[string]struct{})
	c.mutex.Lock()
	for id := range c.records {
		ids[id] = struct{}{}
	}
	c.mutex.Unlock()
	for _, e := range c.registry.List() {
		ids[e.ID] = struct{}{}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	res := make([]stream.Status, 0, len(sorted))
	for _, id := range sorted {
		res = append(res, c.Status(id))
	}
	return res
}

// Load remembers an inventory snapshot and starts every enabled camera. All cameras
// are attempted, the first failure is returned.
func (c *Coordinator) Load(ctx context.Context, confs []stream.Config) error {
	var group errgroup.Group
	group.SetLimit(8)
	for _, conf := range confs {
		conf := conf
		if !conf.Enabled {
			if err := stream.ValidateID(conf.CameraID); err != nil {
				c.log.Error().Err(err).Msg("skipping camera")
				continue
			}
			c.remember(conf)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			_, err := c.EnsureStarted(conf)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown cancels pending recoveries, waits for background work and then stops
// every stream concurrently.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var group errgroup.Group
	for _, e := range c.registry.List() {
		id := e.ID
		group.Go(func() error {
			_, err := c.EnsureStopped(id)
			return err
		})
	}
	err := group.Wait()
	c.log.Info().Msg("all streams stopped")
	return err
}
