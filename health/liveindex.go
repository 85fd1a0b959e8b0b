package health

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/quangngotan95/go-m3u8/m3u8"
)

var errMasterPlaylist = errors.New("live index is a master playlist")

// LiveIndex summarizes the media playlist a stream is publishing.
type LiveIndex struct {
	Sequence    int
	Segments    int
	LastSegment string
	ModTime     time.Time
}

// InspectLiveIndex parses the playlist at path.
func InspectLiveIndex(path string) (LiveIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return LiveIndex{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return LiveIndex{}, err
	}
	playlist, err := m3u8.Read(f)
	if err != nil {
		return LiveIndex{}, errors.Wrapf(err, "parse %s", path)
	}
	if playlist.IsMaster() {
		return LiveIndex{}, errMasterPlaylist
	}

	idx := LiveIndex{
		Sequence: playlist.Sequence,
		ModTime:  info.ModTime(),
	}
	for _, item := range playlist.Items {
		segment, ok := item.(*m3u8.SegmentItem)
		if !ok {
			continue
		}
		idx.Segments++
		idx.LastSegment = segment.Segment
	}
	return idx, nil
}

// Producing reports whether the playlist lists segments and was written within staleAfter.
func (l LiveIndex) Producing(now time.Time, staleAfter time.Duration) bool {
	if l.Segments == 0 {
		return false
	}
	return staleAfter <= 0 || now.Sub(l.ModTime) <= staleAfter
}
