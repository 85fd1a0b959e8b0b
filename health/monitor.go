// Package health periodically inspects the running streams.
//
// The monitor only reads the registry. A stream found in the crashed state is reported
// once per process to the configured CrashHandler, which decides about restarts.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voc/camstream/process"
	"github.com/voc/camstream/registry"
	"github.com/voc/camstream/segment"
)

type Config struct {
	// poll interval
	Interval time.Duration `yaml:"interval" toml:"interval"`

	// a live index not rewritten for this long counts as not producing
	StaleAfter time.Duration `yaml:"stale_after" toml:"stale_after"`
}

// CrashHandler receives streams that exited on their own.
type CrashHandler interface {
	Crashed(id string, pid int)
}

// Snapshot is the monitor's view of one stream.
type Snapshot struct {
	CameraID      string    `json:"camera_id"`
	State         string    `json:"state"`
	Running       bool      `json:"running"`
	PID           int       `json:"pid,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Producing     bool      `json:"producing"`
	Segments      int       `json:"segments"`
	LiveIndexPath string    `json:"live_index_path,omitempty"` // only set while producing
	CheckedAt     time.Time `json:"checked_at"`
}

type Monitor struct {
	conf     Config
	registry *registry.Registry[*process.Supervisor]
	layout   segment.Layout
	crashes  CrashHandler
	log      zerolog.Logger
	done     sync.WaitGroup

	mutex     sync.RWMutex
	snapshots map[string]Snapshot

	// owned by run
	reported map[string]int

	updates chan []Snapshot
}

func New(ctx context.Context, conf Config, reg *registry.Registry[*process.Supervisor], layout segment.Layout, crashes CrashHandler) *Monitor {
	if conf.Interval <= 0 {
		conf.Interval = 2 * time.Second
	}
	m := &Monitor{
		conf:      conf,
		registry:  reg,
		layout:    layout,
		crashes:   crashes,
		log:       log.With().Str("context", "health").Logger(),
		snapshots: make(map[string]Snapshot),
		reported:  make(map[string]int),
		updates:   make(chan []Snapshot, 1),
	}
	m.done.Add(1)
	go m.run(ctx)
	return m
}

func (m *Monitor) Wait() {
	m.done.Wait()
}

// Updates delivers the latest snapshot list after every poll. Stale lists are dropped
// when the consumer falls behind.
func (m *Monitor) Updates() <-chan []Snapshot {
	return m.updates
}

func (m *Monitor) run(ctx context.Context) {
	defer m.done.Done()
	ticker := time.NewTicker(m.conf.Interval)
	defer ticker.Stop()
	m.poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	now := time.Now()
	entries := m.registry.List()
	snapshots := make(map[string]Snapshot, len(entries))
	list := make([]Snapshot, 0, len(entries))
	seen := make(map[string]bool, len(entries))

	for _, e := range entries {
		snap := m.inspect(e.ID, e.Value, now)
		snapshots[e.ID] = snap
		list = append(list, snap)
		seen[e.ID] = true

		if snap.State == process.Crashed.String() && m.reported[e.ID] != snap.PID {
			m.reported[e.ID] = snap.PID
			m.log.Warn().Str("camera", e.ID).Int("pid", snap.PID).Str("last", snap.LastError).Msg("crash detected")
			if m.crashes != nil {
				m.crashes.Crashed(e.ID, snap.PID)
			}
		}
	}
	for id := range m.reported {
		if !seen[id] {
			delete(m.reported, id)
		}
	}

	m.mutex.Lock()
	m.snapshots = snapshots
	m.mutex.Unlock()

	// replace a pending update nobody picked up yet
	select {
	case <-m.updates:
	default:
	}
	select {
	case m.updates <- list:
	default:
	}
}

func (m *Monitor) inspect(id string, sup *process.Supervisor, now time.Time) Snapshot {
	res := sup.Poll()
	h := sup.Handle()
	snap := Snapshot{
		CameraID:  id,
		State:     res.State.String(),
		Running:   res.Running,
		PID:       h.PID,
		LastError: sup.LastError(),
		CheckedAt: now,
	}
	if !res.Running {
		return snap
	}
	path := m.layout.LiveIndex(id)
	idx, err := InspectLiveIndex(path)
	if err != nil {
		m.log.Debug().Err(err).Str("camera", id).Msg("live index")
		return snap
	}
	snap.Segments = idx.Segments
	if idx.Producing(now, m.conf.StaleAfter) {
		snap.Producing = true
		snap.LiveIndexPath = path
	}
	return snap
}

// Snapshot returns the last snapshot of id.
func (m *Monitor) Snapshot(id string) (Snapshot, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	snap, ok := m.snapshots[id]
	return snap, ok
}

// Snapshots returns the last snapshots ordered by camera id.
func (m *Monitor) Snapshots() []Snapshot {
	m.mutex.RLock()
	list := make([]Snapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		list = append(list, snap)
	}
	m.mutex.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].CameraID < list[j].CameraID
	})
	return list
}

// Describe implements prometheus.Collector
func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	ch <- upDesc
	ch <- producingDesc
	ch <- segmentsDesc
}

// Collect implements prometheus.Collector
func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	for _, snap := range m.Snapshots() {
		up := 0.0
		if snap.Running {
			up = 1
		}
		producing := 0.0
		if snap.Producing {
			producing = 1
		}
		ch <- prometheus.MustNewConstMetric(upDesc, prometheus.GaugeValue, up, snap.CameraID)
		ch <- prometheus.MustNewConstMetric(producingDesc, prometheus.GaugeValue, producing, snap.CameraID)
		ch <- prometheus.MustNewConstMetric(segmentsDesc, prometheus.GaugeValue, float64(snap.Segments), snap.CameraID)
	}
}

var upDesc = prometheus.NewDesc(
	"camstream_stream_up",
	"Whether the stream process of a camera is running.",
	[]string{"camera"}, nil,
)

var producingDesc = prometheus.NewDesc(
	"camstream_stream_producing",
	"Whether the live index of a camera is being written.",
	[]string{"camera"}, nil,
)

var segmentsDesc = prometheus.NewDesc(
	"camstream_stream_live_segments",
	"Segments listed in the live index of a camera.",
	[]string{"camera"}, nil,
)
