package segment

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func testLayout(t *testing.T) Layout {
	root := t.TempDir()
	l := NewLayout(filepath.Join(root, "hls"), filepath.Join(root, "storage"))
	l.Location = time.UTC
	return l
}

func TestPath(t *testing.T) {
	l := Layout{LiveRoot: "/tmp/hls", RecordingRoot: "/storage/recordings", Location: time.UTC}
	ts := time.Date(2024, 3, 9, 7, 59, 59, 0, time.UTC)
	assert.Equal(t, l.Path("cam1", ts), "/storage/recordings/cam1/2024-03-09/07.mp4")

	ts = time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, l.Path("cam1", ts), "/storage/recordings/cam1/2024-03-09/00.mp4")

	ts = time.Date(2024, 12, 31, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, l.Path("cam1", ts), "/storage/recordings/cam1/2024-12-31/23.mp4")
}

func TestPathUsesLocalHour(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	l := Layout{RecordingRoot: "/r", Location: berlin}
	ts := time.Date(2024, 3, 9, 23, 15, 0, 0, time.UTC)
	assert.Equal(t, l.Path("cam1", ts), "/r/cam1/2024-03-10/00.mp4")
}

func TestPatternMatchesPath(t *testing.T) {
	l := Layout{RecordingRoot: "/r", Location: time.UTC}
	assert.Equal(t, l.Pattern("cam1"), "/r/cam1/%Y-%m-%d/%H.mp4")

	// expanding the strftime pattern by hand must yield Path
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	expanded := "/r/cam1/" + ts.Format("2006-01-02") + "/" + ts.Format("15") + ".mp4"
	assert.Equal(t, l.Path("cam1", ts), expanded)
}

func TestLivePaths(t *testing.T) {
	l := NewLayout("/tmp/hls", "/storage")
	assert.Equal(t, l.LiveIndex("cam1"), "/tmp/hls/cam1/stream.m3u8")
	assert.Equal(t, l.LiveSegments("cam1"), "/tmp/hls/cam1/segment_%04d.ts")
	assert.Equal(t, l.CameraDir("cam1"), "/storage/recordings/cam1")
}

func TestCursorAdvance(t *testing.T) {
	l := Layout{RecordingRoot: "/r", Location: time.UTC}
	start := time.Date(2024, 3, 9, 23, 10, 0, 0, time.UTC)
	c := l.Cursor("cam1", start)
	assert.Equal(t, c.Path, "/r/cam1/2024-03-09/23.mp4")

	c2, crossed := l.Advance(c, start.Add(30*time.Minute))
	assert.Assert(t, !crossed)
	assert.Equal(t, c2, c)

	c3, crossed := l.Advance(c, start.Add(50*time.Minute))
	assert.Assert(t, crossed)
	assert.Equal(t, c3.Path, "/r/cam1/2024-03-10/00.mp4")
	assert.Assert(t, c3.Hour.Equal(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)))
}

func TestNextBoundary(t *testing.T) {
	l := Layout{Location: time.UTC}
	ts := time.Date(2024, 3, 9, 7, 0, 0, 0, time.UTC)
	assert.Assert(t, l.NextBoundary(ts).Equal(ts.Add(time.Hour)))
	assert.Assert(t, l.NextBoundary(ts.Add(59*time.Minute)).Equal(ts.Add(time.Hour)))
}

func TestParse(t *testing.T) {
	l := Layout{RecordingRoot: "/r", Location: time.UTC}
	id, start, ok := l.Parse("/r/cam1/2024-03-09/14.mp4")
	assert.Assert(t, ok)
	assert.Equal(t, id, "cam1")
	assert.Assert(t, start.Equal(time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)))

	for _, p := range []string{
		"/r/cam1/2024-03-09/24.mp4",
		"/r/cam1/2024-03-09/1.mp4",
		"/r/cam1/2024-03-09/14.ts",
		"/r/cam1/notadate/14.mp4",
		"/r/cam1/14.mp4",
		"/other/cam1/2024-03-09/14.mp4",
	} {
		_, _, ok := l.Parse(p)
		assert.Assert(t, !ok, p)
	}
}

func TestList(t *testing.T) {
	l := testLayout(t)
	write := func(path string, size int) {
		assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		assert.NilError(t, os.WriteFile(path, make([]byte, size), 0o644))
	}
	t1 := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	t0 := time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC)
	write(l.Path("cam1", t1), 20)
	write(l.Path("cam1", t0), 10)
	write(filepath.Join(l.DateDir("cam1", t0), "notes.txt"), 1)
	write(l.Path("cam2", t0), 5)

	recs, err := l.List("cam1")
	assert.NilError(t, err)
	assert.Equal(t, len(recs), 2)
	assert.Assert(t, recs[0].Start.Equal(t0))
	assert.Equal(t, recs[0].Size, int64(10))
	assert.Assert(t, recs[1].End.Equal(t1.Add(time.Hour)))

	recs, err = l.List("unknown")
	assert.NilError(t, err)
	assert.Equal(t, len(recs), 0)
}
