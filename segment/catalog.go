package segment

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Recording is one hour-bounded recording file found on disk.
type Recording struct {
	CameraID string    `json:"camera_id"`
	Path     string    `json:"path"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Size     int64     `json:"size"`
}

// Parse maps a recording path back to its camera and hour.
func (l Layout) Parse(path string) (string, time.Time, bool) {
	rel, err := filepath.Rel(l.RecordingRoot, path)
	if err != nil {
		return "", time.Time{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 || parts[0] == ".." {
		return "", time.Time{}, false
	}
	date, err := time.ParseInLocation(dateLayout, parts[1], l.loc())
	if err != nil {
		return "", time.Time{}, false
	}
	name := parts[2]
	ext := "." + l.container()
	if !strings.HasSuffix(name, ext) {
		return "", time.Time{}, false
	}
	stem := strings.TrimSuffix(name, ext)
	if len(stem) != 2 {
		return "", time.Time{}, false
	}
	hour, err := strconv.Atoi(stem)
	if err != nil || hour < 0 || hour > 23 {
		return "", time.Time{}, false
	}
	start := time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, l.loc())
	return parts[0], start, true
}

// List returns the recordings of a camera ordered by start time.
// Files not following the layout are skipped. A camera without recordings yields an empty list.
func (l Layout) List(cameraID string) ([]Recording, error) {
	dates, err := os.ReadDir(l.CameraDir(cameraID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Recording{}, nil
		}
		return nil, errors.Wrap(err, "list recordings")
	}

	recordings := []Recording{}
	for _, date := range dates {
		if !date.IsDir() {
			continue
		}
		dir := filepath.Join(l.CameraDir(cameraID), date.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", dir)
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			path := filepath.Join(dir, file.Name())
			id, start, ok := l.Parse(path)
			if !ok || id != cameraID {
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			recordings = append(recordings, Recording{
				CameraID: id,
				Path:     path,
				Start:    start,
				End:      start.Add(time.Hour),
				Size:     info.Size(),
			})
		}
	}
	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].Start.Before(recordings[j].Start)
	})
	return recordings, nil
}
