// Package process supervises one external encoder child per camera.
package process

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/voc/camstream/credurl"
	"github.com/voc/camstream/segment"
	"github.com/voc/camstream/stream"
)

// ArgsFunc builds the child argument list from a camera config and its authenticated source.
type ArgsFunc func(conf stream.Config, source string, layout segment.Layout) []string

// Options configure a Supervisor.
type Options struct {
	Binary     string
	Args       ArgsFunc
	Layout     segment.Layout
	StartGrace time.Duration // child must survive this long to count as started
	StopGrace  time.Duration // time between SIGTERM and SIGKILL
	Now        func() time.Time
}

// Supervisor owns a single child process.
type Supervisor struct {
	conf stream.Config
	opts Options
	log  zerolog.Logger

	mutex     sync.Mutex
	state     State
	cmd       *exec.Cmd
	pid       int
	spawnedAt time.Time
	exitCode  *int
	forced    bool
	done      chan struct{} // closed once the child has been reaped
	stderr    *logWriter
	cursor    segment.Cursor

	rotateCancel context.CancelFunc
	rotateDone   chan struct{}
}

// New returns a stopped supervisor for conf.
func New(conf stream.Config, opts Options) *Supervisor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.Args == nil {
		opts.Args = DefaultFFmpegConfig().Args
	}
	if opts.StartGrace <= 0 {
		opts.StartGrace = time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Supervisor{
		conf: conf,
		opts: opts,
		log:  log.With().Str("context", "process").Str("camera", conf.CameraID).Logger(),
	}
}

// Config returns the camera config the supervisor was created with.
func (s *Supervisor) Config() stream.Config {
	return s.conf
}

// Start spawns the child and waits out the startup grace window.
// A child that exits inside the window is reported as ErrSpawn and leaves the supervisor stopped.
func (s *Supervisor) Start() (Handle, error) {
	// a crashed run may still have its rotation loop attached
	s.stopRotation()

	s.mutex.Lock()
	if s.state != Stopped && s.state != Crashed {
		h := s.handle()
		s.mutex.Unlock()
		return h, errActive
	}

	source, err := credurl.Build(s.conf.URL, s.conf.Username, s.conf.Password)
	if err != nil {
		s.mutex.Unlock()
		return Handle{CameraID: s.conf.CameraID}, errors.Wrap(err, "build source address")
	}

	binary, err := exec.LookPath(s.opts.Binary)
	if err != nil {
		s.mutex.Unlock()
		return Handle{CameraID: s.conf.CameraID}, errors.Wrapf(ErrSpawn, "lookup %s: %v", s.opts.Binary, err)
	}

	now := s.opts.Now()
	if err := s.prepareDirs(now); err != nil {
		s.mutex.Unlock()
		return Handle{CameraID: s.conf.CameraID}, errors.Wrapf(ErrSpawn, "prepare output: %v", err)
	}

	stderr := newLogWriter(s.log, source, s.conf.Password)
	cmd := exec.Command(binary, s.opts.Args(s.conf, source, s.opts.Layout)...)
	// own process group so helpers spawned by the child are signalled too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		s.mutex.Unlock()
		return Handle{CameraID: s.conf.CameraID}, errors.Wrapf(ErrSpawn, "start %s: %v", binary, err)
	}

	done := make(chan struct{})
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.spawnedAt = now
	s.exitCode = nil
	s.forced = false
	s.done = done
	s.stderr = stderr
	s.state = Starting
	s.log.Info().Int("pid", s.pid).Str("source", credurl.Redact(source)).Msg("spawned")
	go s.reap(cmd, done)
	s.mutex.Unlock()

	timer := time.NewTimer(s.opts.StartGrace)
	defer timer.Stop()
	select {
	case <-done:
		s.mutex.Lock()
		defer s.mutex.Unlock()
		if s.state != Starting {
			// stopped concurrently
			return s.handle(), nil
		}
		err := s.startupFailure()
		return s.handle(), err
	case <-timer.C:
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != Starting {
		return s.handle(), nil
	}
	select {
	case <-done:
		// exited right at the end of the window, the reaper saw Starting
		err := s.startupFailure()
		return s.handle(), err
	default:
	}
	s.state = Running
	if s.conf.RecordingEnabled {
		s.cursor = s.opts.Layout.Cursor(s.conf.CameraID, now)
		ctx, cancel := context.WithCancel(context.Background())
		s.rotateCancel = cancel
		s.rotateDone = make(chan struct{})
		go s.rotate(ctx, s.rotateDone)
	}
	s.log.Info().Int("pid", s.pid).Msg("running")
	return s.handle(), nil
}

// startupFailure marks a child that exited inside the grace window as never started.
// lock must be held by caller
func (s *Supervisor) startupFailure() error {
	s.state = Stopped
	code := -1
	if s.exitCode != nil {
		code = *s.exitCode
	}
	msg := s.stderr.LastError()
	s.log.Error().Int("code", code).Str("last", msg).Msg("exited during startup")
	if msg != "" {
		return errors.Wrapf(ErrSpawn, "exited during startup with code %d: %s", code, msg)
	}
	return errors.Wrapf(ErrSpawn, "exited during startup with code %d", code)
}

// lock must be held by caller
func (s *Supervisor) prepareDirs(now time.Time) error {
	layout := s.opts.Layout
	if err := os.MkdirAll(layout.LiveDir(s.conf.CameraID), 0o755); err != nil {
		return err
	}
	if !s.conf.RecordingEnabled {
		return nil
	}
	if err := os.MkdirAll(layout.DateDir(s.conf.CameraID, now), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(layout.DateDir(s.conf.CameraID, now.Add(time.Hour)), 0o755)
}

// reap waits for the child and records its exit.
func (s *Supervisor) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.exitCode = &code
	if s.state == Running {
		s.state = Crashed
		s.log.Warn().Err(err).Int("code", code).Str("last", s.stderr.LastError()).Msg("exited unexpectedly")
	}
	// closed under lock so state and done never disagree
	close(done)
}

// Stop terminates the child and waits for it to exit. SIGTERM goes to the whole process
// group first, after grace the group is killed. Stopping an idle supervisor is a no-op.
func (s *Supervisor) Stop(grace time.Duration) error {
	if grace <= 0 {
		grace = s.opts.StopGrace
	}

	s.mutex.Lock()
	switch s.state {
	case Stopped:
		s.mutex.Unlock()
		return nil
	case Crashed:
		s.state = Stopped
		s.mutex.Unlock()
		s.stopRotation()
		return nil
	case Stopping:
		done := s.done
		s.mutex.Unlock()
		<-done
		return nil
	}
	s.state = Stopping
	pid := s.pid
	done := s.done
	proc := s.cmd.Process
	s.mutex.Unlock()

	s.stopRotation()

	var err error
	if sigErr := signalGroup(pid, unix.SIGTERM); sigErr != nil {
		s.log.Debug().Err(sigErr).Msg("sigterm")
	}
	timer := time.NewTimer(grace)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		s.log.Warn().Err(ErrGracefulStopTimeout).Dur("grace", grace).Msg("killing process group")
		if sigErr := signalGroup(pid, unix.SIGKILL); sigErr != nil {
			s.log.Error().Err(sigErr).Msg("sigkill group")
			err = proc.Kill()
		}
		<-done
		s.mutex.Lock()
		s.forced = true
		s.mutex.Unlock()
	}

	s.mutex.Lock()
	s.state = Stopped
	s.mutex.Unlock()
	s.log.Info().Int("pid", pid).Msg("stopped")
	return err
}

func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

func (s *Supervisor) stopRotation() {
	s.mutex.Lock()
	cancel, done := s.rotateCancel, s.rotateDone
	s.rotateCancel, s.rotateDone = nil, nil
	s.mutex.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Poll reports liveness without blocking.
func (s *Supervisor) Poll() PollResult {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return PollResult{
		Running:  s.state == Running || s.state == Starting,
		State:    s.state,
		ExitCode: s.exitCode,
	}
}

// Done is closed once the current child has exited. Nil before the first start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.done
}

// Handle returns a snapshot of the current child.
func (s *Supervisor) Handle() Handle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.handle()
}

// lock must be held by caller
func (s *Supervisor) handle() Handle {
	return Handle{
		CameraID:   s.conf.CameraID,
		PID:        s.pid,
		SpawnedAt:  s.spawnedAt,
		State:      s.state,
		ExitCode:   s.exitCode,
		ForcedKill: s.forced,
	}
}

// LastError returns the last error line the child printed.
func (s *Supervisor) LastError() string {
	s.mutex.Lock()
	w := s.stderr
	s.mutex.Unlock()
	if w == nil {
		return ""
	}
	return w.LastError()
}

// Cursor returns the recording file currently being written.
func (s *Supervisor) Cursor() segment.Cursor {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cursor
}

// rotate follows hour boundaries while recording and keeps the next date directory in place.
func (s *Supervisor) rotate(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := s.opts.Now()
		wait := s.opts.Layout.NextBoundary(now).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.advance(s.opts.Now())
		}
	}
}

func (s *Supervisor) advance(t time.Time) {
	s.mutex.Lock()
	cursor, crossed := s.opts.Layout.Advance(s.cursor, t)
	if crossed {
		s.cursor = cursor
	}
	s.mutex.Unlock()
	if !crossed {
		return
	}
	s.log.Info().Str("path", cursor.Path).Msg("recording rotated")
	next := s.opts.Layout.DateDir(s.conf.CameraID, t.Add(time.Hour))
	if err := os.MkdirAll(next, 0o755); err != nil {
		s.log.Error().Err(err).Str("dir", next).Msg("prepare next date dir")
	}
}
