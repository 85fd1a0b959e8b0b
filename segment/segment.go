// Package segment maps cameras and wall-clock time onto the on-disk output layout.
//
// Live output lives in <LiveRoot>/<camera>/ as an HLS index plus rolling segments.
// Recordings live in <RecordingRoot>/<camera>/<YYYY-MM-DD>/<HH>.<container>, one file
// per camera per local hour. The layout matches the strftime pattern handed to ffmpeg
// so paths computed here are exactly the files the child process writes.
package segment

import (
	"path/filepath"
	"time"
)

const (
	// LiveIndexName is the HLS playlist written into each camera's live directory.
	LiveIndexName = "stream.m3u8"
	// LiveSegmentPattern names the rolling live segments.
	LiveSegmentPattern = "segment_%04d.ts"
	// DefaultContainer is the recording container format.
	DefaultContainer = "mp4"
	// Period is the span covered by one recording file.
	Period = time.Hour

	dateLayout     = "2006-01-02"
	hourLayout     = "15"
	strftimeDate   = "%Y-%m-%d"
	strftimeHour   = "%H"
	recordingsName = "recordings"
)

// Layout describes where live and recorded output is placed.
type Layout struct {
	LiveRoot      string
	RecordingRoot string
	Container     string
	// Location used for date and hour bucketing, defaults to time.Local
	Location *time.Location
}

// NewLayout returns a layout keeping recordings under <storage>/recordings.
func NewLayout(liveRoot, storageRoot string) Layout {
	return Layout{
		LiveRoot:      liveRoot,
		RecordingRoot: filepath.Join(storageRoot, recordingsName),
		Container:     DefaultContainer,
		Location:      time.Local,
	}
}

func (l Layout) loc() *time.Location {
	if l.Location == nil {
		return time.Local
	}
	return l.Location
}

func (l Layout) container() string {
	if l.Container == "" {
		return DefaultContainer
	}
	return l.Container
}

// LiveDir is the directory holding a camera's live index and segments.
func (l Layout) LiveDir(cameraID string) string {
	return filepath.Join(l.LiveRoot, cameraID)
}

// LiveIndex is the path of a camera's live playlist.
func (l Layout) LiveIndex(cameraID string) string {
	return filepath.Join(l.LiveDir(cameraID), LiveIndexName)
}

// LiveSegments is the segment filename pattern for the live output.
func (l Layout) LiveSegments(cameraID string) string {
	return filepath.Join(l.LiveDir(cameraID), LiveSegmentPattern)
}

// CameraDir is the root of a camera's recordings.
func (l Layout) CameraDir(cameraID string) string {
	return filepath.Join(l.RecordingRoot, cameraID)
}

// DateDir is the directory holding the recordings of the calendar date of t.
func (l Layout) DateDir(cameraID string, t time.Time) string {
	return filepath.Join(l.CameraDir(cameraID), t.In(l.loc()).Format(dateLayout))
}

// Path returns the recording file covering t.
func (l Layout) Path(cameraID string, t time.Time) string {
	local := t.In(l.loc())
	return filepath.Join(l.DateDir(cameraID, local), local.Format(hourLayout)+"."+l.container())
}

// Pattern is the strftime output pattern that makes the child rotate onto Path.
func (l Layout) Pattern(cameraID string) string {
	return filepath.Join(l.CameraDir(cameraID), strftimeDate, strftimeHour+"."+l.container())
}

// HourBucket truncates t to the start of its local hour.
func (l Layout) HourBucket(t time.Time) time.Time {
	local := t.In(l.loc())
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, l.loc())
}

// NextBoundary returns the start of the hour following t.
func (l Layout) NextBoundary(t time.Time) time.Time {
	return l.HourBucket(t).Add(time.Hour)
}

// Cursor tracks the recording file a running camera is currently writing.
type Cursor struct {
	CameraID string
	Hour     time.Time
	Path     string
}

// Cursor returns the cursor for t.
func (l Layout) Cursor(cameraID string, t time.Time) Cursor {
	return Cursor{
		CameraID: cameraID,
		Hour:     l.HourBucket(t),
		Path:     l.Path(cameraID, t),
	}
}

// Advance moves the cursor to t and reports whether an hour boundary was crossed.
func (l Layout) Advance(c Cursor, t time.Time) (Cursor, bool) {
	hour := l.HourBucket(t)
	if hour.Equal(c.Hour) {
		return c, false
	}
	return l.Cursor(c.CameraID, t), true
}
